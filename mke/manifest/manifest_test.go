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

package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSetIsEmpty(t *testing.T) {
	s := NewSet(t.TempDir())
	v := s.Current()
	defer v.Unref()
	for level := 0; level < NumLevels; level++ {
		require.Empty(t, v.Files(level))
	}
}

// The current version is reconstructed at open by replaying the
// manifest.
func TestRecoverReconstructsLiveFileSet(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir)

	edit := NewEdit()
	edit.AddFile(0, &FileMetadata{Number: 1, Size: 100, SmallestKey: []byte("a"), LargestKey: []byte("m")})
	edit.AddFile(0, &FileMetadata{Number: 2, Size: 200, SmallestKey: []byte("n"), LargestKey: []byte("z")})
	require.NoError(t, s.LogAndApply(edit))

	edit2 := NewEdit()
	edit2.AddFile(1, &FileMetadata{Number: 3, Size: 300, SmallestKey: []byte("a"), LargestKey: []byte("z")})
	edit2.DeleteFile(0, 1)
	require.NoError(t, s.LogAndApply(edit2))

	recovered, err := Recover(dir)
	require.NoError(t, err)

	v := recovered.Current()
	defer v.Unref()
	require.Len(t, v.Files(0), 1)
	require.Equal(t, uint64(2), v.Files(0)[0].Number)
	require.Len(t, v.Files(1), 1)
	require.Equal(t, uint64(3), v.Files(1)[0].Number)
}

func TestRecoverPreservesSequenceAndFileNumberCounters(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir)

	n1 := s.NewFileNumber()
	n2 := s.NewFileNumber()
	require.NotEqual(t, n1, n2)

	edit := NewEdit()
	edit.LastSequence = 42
	edit.AddFile(0, &FileMetadata{Number: n2, Size: 10, SmallestKey: []byte("a"), LargestKey: []byte("b")})
	require.NoError(t, s.LogAndApply(edit))

	recovered, err := Recover(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(42), recovered.LastSequence())

	next := recovered.NewFileNumber()
	require.Greater(t, next, n2, "file numbering must resume past the highest number seen in the manifest")
}

func TestRecoverOfMissingManifestIsFreshSet(t *testing.T) {
	s, err := Recover(t.TempDir())
	require.NoError(t, err)
	v := s.Current()
	defer v.Unref()
	require.Empty(t, v.Files(0))
}

func TestCompactPointerSurvivesRecovery(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir)

	edit := NewEdit()
	edit.AddFile(0, &FileMetadata{Number: 1, Size: 10, SmallestKey: []byte("a"), LargestKey: []byte("k")})
	edit.SetCompactPointer(0, []byte("f"))
	require.NoError(t, s.LogAndApply(edit))

	recovered, err := Recover(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("f"), recovered.CompactPointer(0))
}

// A read-only observer must see edits the primary appends after the
// observer's Recover, via TailManifest.
func TestTailManifestFollowsPrimaryEdits(t *testing.T) {
	dir := t.TempDir()
	primary := NewSet(dir)

	edit := NewEdit()
	edit.AddFile(0, &FileMetadata{Number: 1, Size: 100, SmallestKey: []byte("a"), LargestKey: []byte("m")})
	require.NoError(t, primary.LogAndApply(edit))

	replica, err := Recover(dir)
	require.NoError(t, err)

	changed, err := replica.TailManifest()
	require.NoError(t, err)
	require.False(t, changed, "nothing appended yet")

	edit2 := NewEdit()
	edit2.AddFile(0, &FileMetadata{Number: 2, Size: 200, SmallestKey: []byte("n"), LargestKey: []byte("z")})
	edit2.LastSequence = 42
	require.NoError(t, primary.LogAndApply(edit2))

	changed, err = replica.TailManifest()
	require.NoError(t, err)
	require.True(t, changed)

	v := replica.Current()
	defer v.Unref()
	require.Len(t, v.Files(0), 2)
	require.Equal(t, uint64(42), replica.LastSequence())
}
