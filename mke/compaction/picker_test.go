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

package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/mke/manifest"
)

func addFile(s *manifest.Set, level int, number uint64, size uint64, smallest, largest string, allowedSeeks int64) {
	edit := manifest.NewEdit()
	edit.AddFile(level, &manifest.FileMetadata{
		Number: number, Size: size,
		SmallestKey: []byte(smallest), LargestKey: []byte(largest),
		AllowedSeeks: allowedSeeks,
	})
	if err := s.LogAndApply(edit); err != nil {
		panic(err)
	}
}

func TestPickerNoPlanBelowThresholds(t *testing.T) {
	s := manifest.NewSet(t.TempDir())
	addFile(s, 0, 1, 10, "a", "m", 100)

	v := s.Current()
	defer v.Unref()
	plan := NewPicker(v, s).Pick()
	require.Nil(t, plan, "a single small L0 file under the soft limit must not be picked")
}

func TestPickerPicksL0OverSoftLimit(t *testing.T) {
	s := manifest.NewSet(t.TempDir())
	for i := uint64(1); i <= L0SoftLimit+1; i++ {
		addFile(s, 0, i, 10, "a", "m", 100)
	}

	v := s.Current()
	defer v.Unref()
	plan := NewPicker(v, s).Pick()
	require.NotNil(t, plan)
	require.Equal(t, 0, plan.Level)
	require.Equal(t, "size", plan.Trigger)
}

func TestPickerPrefersSeekTriggeredOverSize(t *testing.T) {
	s := manifest.NewSet(t.TempDir())
	for i := uint64(1); i <= L0SoftLimit+1; i++ {
		addFile(s, 0, i, 10, "a", "m", 100)
	}
	// One file has exhausted its allowed seeks: it must win regardless of
	// the L0 size trigger also being active.
	addFile(s, 1, 99, 10, "a", "m", 0)

	v := s.Current()
	defer v.Unref()
	plan := NewPicker(v, s).Pick()
	require.NotNil(t, plan)
	require.Equal(t, "seek", plan.Trigger)
	require.Equal(t, uint64(99), plan.Inputs[0].Number)
}

func TestPickerBuildsOverlappingNextLevelInputs(t *testing.T) {
	s := manifest.NewSet(t.TempDir())
	for i := uint64(1); i <= L0SoftLimit+1; i++ {
		addFile(s, 0, i, 10, "a", "m", 100)
	}
	addFile(s, 1, 50, 10, "c", "g", 100) // overlaps every L0 file's range
	addFile(s, 1, 51, 10, "p", "z", 100) // disjoint, must not be pulled in

	v := s.Current()
	defer v.Unref()
	plan := NewPicker(v, s).Pick()
	require.NotNil(t, plan)
	require.Equal(t, 0, plan.Level)
	require.Len(t, plan.NextInputs, 1)
	require.Equal(t, uint64(50), plan.NextInputs[0].Number)
}

func TestPickerRoundRobinsAcrossCompactPointer(t *testing.T) {
	s := manifest.NewSet(t.TempDir())
	budget := levelBudgetForTest(1)
	// Two oversized files at L1 so the level is over budget; the pointer
	// should steer the pick to whichever file's range is at or after it.
	addFile(s, 1, 1, budget, "a", "c", 100)
	addFile(s, 1, 2, budget, "d", "f", 100)

	edit := manifest.NewEdit()
	edit.SetCompactPointer(1, []byte("d"))
	require.NoError(t, s.LogAndApply(edit))

	v := s.Current()
	defer v.Unref()
	plan := NewPicker(v, s).Pick()
	require.NotNil(t, plan)
	require.Equal(t, uint64(2), plan.Inputs[0].Number, "round-robin must advance past the pointer to file 2")
}

func levelBudgetForTest(level int) uint64 { return levelBudget(level) }
