// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package metrics is dirmetad's Prometheus registry: the grpcrpc
// transport's request/latency instrumentation plus counters for the
// three core subsystems (DPI splits, LLT hit/miss, MKE compaction).
// GRPCMetrics is registered once at init and the *prometheus.Registry
// is shared across every package that wants to expose a counter.
package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "DirMeta"

var (
	// Registry is the single *prometheus.Registry every dirmeta
	// component registers against; cmd/dirmetad exposes it over HTTP.
	Registry = prometheus.NewRegistry()

	// GRPCMetrics instruments the optional grpcrpc transport backend
	//; unused when running the default UDP backend.
	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	// Splits counts dc.Directory split attempts by step (build, ship,
	// commit) and outcome.
	Splits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dpi",
		Name:      "splits_total",
		Help:      "directory partition splits by step and outcome",
	}, []string{"step", "outcome"})

	// LeaseEvents counts llt.Table transitions by event name.
	LeaseEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llt",
		Name:      "lease_events_total",
		Help:      "lookup-lease table state transitions by event",
	}, []string{"event"})

	// CompactionsRun counts mke background compactions by level and
	// trigger.
	CompactionsRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mke",
		Name:      "compactions_total",
		Help:      "background compactions by level and trigger",
	}, []string{"level", "trigger"})

	// L0Files gauges the live L0 file count per directory engine, the
	// value the compaction soft/hard limits are compared against.
	L0Files = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mke",
		Name:      "l0_files",
		Help:      "current number of level-0 sstables",
	}, []string{"dir"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		Splits,
		LeaseEvents,
		CompactionsRun,
		L0Files,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
