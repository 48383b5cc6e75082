// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package shard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskstack/duskprofd/pkg/layout"
)

// fn builds one function's rows: n ordinary rows followed by an
// END_OF_FDE_MARKER row, starting at pc.
func fn(pc uint64, n int) []layout.Row {
	rows := make([]layout.Row, 0, n+1)
	for i := 0; i < n; i++ {
		rows = append(rows, layout.Row{Pc: pc + uint64(i), CFAType: layout.CFATypeRSP, CFAOffset: 8})
	}
	rows = append(rows, layout.Row{Pc: pc + uint64(n), CFAType: layout.CFATypeEndOfFDEMarker})
	return rows
}

func TestPublishAndRowAtRoundtrip(t *testing.T) {
	a := NewAllocator(nil)
	rows := append(fn(0x1000, 4), fn(0x2000, 4)...)

	chunks, err := a.Publish(rows)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	for i, want := range rows {
		got, ok := a.RowAt(chunks[0].ShardIndex, chunks[0].LowIndex+uint64(i))
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	_, ok := a.RowAt(chunks[0].ShardIndex, chunks[0].HighIndex+1000)
	require.False(t, ok)
}

// TestPublishNeverSplitsMidFunction is the shard split-on-FDE-boundary
// invariant: when an executable's rows don't fit in one shard's remaining
// capacity, the allocator must split exactly at a function boundary
// (right after an END_OF_FDE_MARKER row), never partway through a
// function's rows.
func TestPublishNeverSplitsMidFunction(t *testing.T) {
	a := NewAllocator(nil)

	// numFullFns five-row functions leave a handful of rows of headroom
	// in the first shard, then one 21-row function straddles the shard
	// boundary: part of it fits in the remaining headroom, part doesn't.
	const rowsPerFn = 4               // + 1 marker row = 5 rows/function
	const straddlingFnOrdinaryRows = 20 // + 1 marker row = 21 rows total

	numFullFns := layout.MaxUnwindTableSize/(rowsPerFn+1) - 1

	var rows []layout.Row
	pc := uint64(0x1000)
	for i := 0; i < numFullFns; i++ {
		f := fn(pc, rowsPerFn)
		rows = append(rows, f...)
		pc = f[len(f)-1].Pc + 1
	}
	straddler := fn(pc, straddlingFnOrdinaryRows)
	rows = append(rows, straddler...)

	chunks, err := a.Publish(rows)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2, "expected the straddling function to roll into a second shard")

	// Every chunk boundary in the middle of the stream must land exactly
	// on the row immediately following an end-of-FDE marker.
	for ci, c := range chunks[:len(chunks)-1] {
		lastRow, ok := a.RowAt(c.ShardIndex, c.HighIndex-1)
		require.True(t, ok)
		require.Truef(t, lastRow.IsEndOfFDEMarker(), "chunk %d does not end on a function boundary", ci)
	}

	// The straddling function's rows must all appear intact, in one
	// chunk, never split.
	lastChunk := chunks[len(chunks)-1]
	require.Equal(t, uint64(len(straddler)), lastChunk.HighIndex-lastChunk.LowIndex)
	for i, want := range straddler {
		got, ok := a.RowAt(lastChunk.ShardIndex, lastChunk.LowIndex+uint64(i))
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestPublishEmptyRows(t *testing.T) {
	a := NewAllocator(nil)
	chunks, err := a.Publish(nil)
	require.NoError(t, err)
	require.Nil(t, chunks)
}

func TestRowAtOutOfRangeShard(t *testing.T) {
	a := NewAllocator(nil)
	_, ok := a.RowAt(999, 0)
	require.False(t, ok)
}
