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

// Package compaction decides when and what to compact in the MKE's LSM
// tree: L0 file-count triggers, level_factor^k byte-size triggers for
// L1+, and seek-count triggers per file. It produces a
// Picker.Pick() plan; the engine package executes it.
package compaction

import "github.com/cubefs/dirmeta/mke/manifest"

const (
	// L0SoftLimit is the L0 file count above which the size picker
	// schedules an L0 compaction. Writers are not slowed at this limit.
	// Default for Limits.L0SoftLimit.
	L0SoftLimit = 4
	// L0HardLimit stalls writers entirely: once L0 holds this many
	// files, the engine's Put/Delete/Write block until a compaction
	// drains L0 below it. Default for Limits.L0HardLimit.
	L0HardLimit = 12
	// LevelSizeFactor is the per-level size multiplier: level k's byte
	// budget is baseLevelBytes * LevelSizeFactor^(k-1). Default for
	// Limits.LevelFactor.
	LevelSizeFactor = 10
	baseLevelBytes  = 16 << 20
)

// Limits bundles the three compaction-policy knobs
// (level_factor, l0_soft_limit, l0_hard_limit) so callers can thread
// config.Config's values into a Picker instead of being stuck with the
// package defaults above.
type Limits struct {
	L0SoftLimit int
	L0HardLimit int
	LevelFactor int
}

// DefaultLimits returns the package's built-in thresholds.
func DefaultLimits() Limits {
	return Limits{L0SoftLimit: L0SoftLimit, L0HardLimit: L0HardLimit, LevelFactor: LevelSizeFactor}
}

func (l *Limits) setDefaults() {
	if l.L0SoftLimit <= 0 {
		l.L0SoftLimit = L0SoftLimit
	}
	if l.L0HardLimit <= 0 {
		l.L0HardLimit = L0HardLimit
	}
	if l.LevelFactor <= 0 {
		l.LevelFactor = LevelSizeFactor
	}
}

// Plan names the inputs of one compaction: a level, the files at that
// level participating, and the overlapping files one level down.
type Plan struct {
	Level      int
	Inputs     []*manifest.FileMetadata
	NextInputs []*manifest.FileMetadata
	// Trigger names why this plan was picked ("seek" or "size"), for
	// metrics/diagnostics; it does not affect how Run executes the plan.
	Trigger string
}

// Picker scores a Version against the size/count thresholds and the
// per-file seek counters, returning the single highest-priority plan,
// or nil if nothing needs compacting.
type Picker struct {
	v      *manifest.Version
	s      *manifest.Set
	limits Limits
}

// NewPicker builds a Picker against the package's default thresholds.
// Use NewPickerWithLimits to honor config.Config's level_factor/
// l0_soft_limit/l0_hard_limit overrides.
func NewPicker(v *manifest.Version, s *manifest.Set) *Picker {
	return NewPickerWithLimits(v, s, DefaultLimits())
}

func NewPickerWithLimits(v *manifest.Version, s *manifest.Set, limits Limits) *Picker {
	limits.setDefaults()
	return &Picker{v: v, s: s, limits: limits}
}

// Pick returns the next compaction to run, preferring a seek-triggered
// compaction over a size-triggered
// one.
func (p *Picker) Pick() *Plan {
	if plan := p.pickSeekTriggered(); plan != nil {
		return plan
	}
	return p.pickSizeTriggered()
}

func (p *Picker) pickSeekTriggered() *Plan {
	for level := 0; level < manifest.NumLevels-1; level++ {
		for _, f := range p.v.Files(level) {
			if f.AllowedSeeks <= 0 {
				return p.buildPlan(level, f, "seek")
			}
		}
	}
	return nil
}

func (p *Picker) pickSizeTriggered() *Plan {
	bestLevel := -1
	bestScore := 1.0 // only compact levels scoring > 1.0 ("over budget")

	l0 := p.v.Files(0)
	if len(l0) >= p.limits.L0SoftLimit {
		score := float64(len(l0)) / float64(p.limits.L0SoftLimit)
		if score > bestScore {
			bestScore = score
			bestLevel = 0
		}
	}
	for level := 1; level < manifest.NumLevels-1; level++ {
		budget := levelBudgetWithFactor(level, p.limits.LevelFactor)
		var total uint64
		for _, f := range p.v.Files(level) {
			total += f.Size
		}
		score := float64(total) / float64(budget)
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	if bestLevel < 0 {
		return nil
	}

	files := p.v.Files(bestLevel)
	if len(files) == 0 {
		return nil
	}
	victim := pickRoundRobinVictim(files, p.s.CompactPointer(bestLevel))
	return p.buildPlan(bestLevel, victim, "size")
}

// levelBudget is baseLevelBytes * LevelSizeFactor^(level-1), using the
// package default factor.
func levelBudget(level int) uint64 {
	return levelBudgetWithFactor(level, LevelSizeFactor)
}

// levelBudgetWithFactor is baseLevelBytes * factor^(level-1).
func levelBudgetWithFactor(level, factor int) uint64 {
	budget := uint64(baseLevelBytes)
	for i := 1; i < level; i++ {
		budget *= uint64(factor)
	}
	return budget
}

// pickRoundRobinVictim returns the first file at or after the level's
// compaction pointer, wrapping around to the first file if the pointer
// is past the end.
func pickRoundRobinVictim(files []*manifest.FileMetadata, pointer []byte) *manifest.FileMetadata {
	if pointer != nil {
		for _, f := range files {
			if compareBytesGE(f.LargestKey, pointer) {
				return f
			}
		}
	}
	return files[0]
}

func compareBytesGE(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return len(a) >= len(b)
}

// buildPlan collects every file at level+1 overlapping victim's key
// range, since a compaction must merge with everything it could shadow.
func (p *Picker) buildPlan(level int, victim *manifest.FileMetadata, trigger string) *Plan {
	plan := &Plan{Level: level, Inputs: []*manifest.FileMetadata{victim}, Trigger: trigger}
	if level+1 >= manifest.NumLevels {
		return plan
	}
	for _, f := range p.v.Files(level + 1) {
		if overlaps(victim, f) {
			plan.NextInputs = append(plan.NextInputs, f)
		}
	}
	return plan
}

func overlaps(a, b *manifest.FileMetadata) bool {
	return compareBytesGE(b.LargestKey, a.SmallestKey) && compareBytesGE(a.LargestKey, b.SmallestKey)
}
