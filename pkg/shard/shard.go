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

// Package shard implements the shard/chunk allocator: it packs
// per-executable unwind tables into a fixed set of arenas visible to the
// kernel-side unwinder, splitting a table across shards without ever
// splitting in the middle of a function.
package shard

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/duskstack/duskprofd/pkg/layout"
)

// ErrCapacityExceeded is returned by Publish when the executable's table
// cannot fit into the remaining shard capacity, or would require more
// than layout.MaxUnwindTableChunks chunks. There is no eviction policy:
// the executable is simply left unpublished.
var ErrCapacityExceeded = errors.New("shard: capacity exceeded")

type shardState struct {
	rows []layout.Row // len <= layout.MaxUnwindTableSize
}

func (s *shardState) free() int {
	return layout.MaxUnwindTableSize - len(s.rows)
}

// Allocator owns the fixed set of shards and hands out chunk layouts.
type Allocator struct {
	shards []*shardState

	shardsUsed     prometheus.Gauge
	rowsWritten    prometheus.Counter
	publishFailure prometheus.Counter
}

// NewAllocator constructs an Allocator with layout.MaxUnwindInfoShards
// empty shards. reg may be nil in tests.
func NewAllocator(reg prometheus.Registerer) *Allocator {
	factory := promauto.With(reg)
	a := &Allocator{
		shardsUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duskprofd_shard_shards_in_use",
			Help: "Number of unwind-info shards that currently hold at least one row.",
		}),
		rowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_shard_rows_written_total",
			Help: "Total number of unwind rows written into shards.",
		}),
		publishFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_shard_publish_failures_total",
			Help: "Number of Publish calls that failed due to capacity exhaustion.",
		}),
	}
	a.shards = make([]*shardState, 1, layout.MaxUnwindInfoShards)
	a.shards[0] = &shardState{}
	return a
}

// Publish packs rows into the current (or, on exhaustion, a newly
// allocated) shard, returning the ordered list of chunks describing where
// they ended up. rows must already be sorted by Pc and end with an
// END_OF_FDE_MARKER row, as produced by pkg/cfi.
func (a *Allocator) Publish(rows []layout.Row) ([]layout.Chunk, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var chunks []layout.Chunk
	remaining := rows

	for len(remaining) > 0 {
		if len(chunks) >= layout.MaxUnwindTableChunks {
			a.publishFailure.Inc()
			return nil, fmt.Errorf("%w: executable needs more than %d chunks", ErrCapacityExceeded, layout.MaxUnwindTableChunks)
		}

		cur := a.shards[len(a.shards)-1]
		free := cur.free()
		if free == 0 {
			if len(a.shards) >= layout.MaxUnwindInfoShards {
				a.publishFailure.Inc()
				return nil, fmt.Errorf("%w: all %d shards are full", ErrCapacityExceeded, layout.MaxUnwindInfoShards)
			}
			a.shards = append(a.shards, &shardState{})
			continue
		}

		window := remaining
		if len(window) > free {
			window = window[:free]
		}

		// Never split mid-function: search backward from the end of the
		// candidate window for the last END_OF_FDE_MARKER row. If found,
		// the split point is right after it.
		splitAt := len(window)
		if len(window) < len(remaining) {
			splitAt = -1
			for i := len(window) - 1; i >= 0; i-- {
				if window[i].IsEndOfFDEMarker() {
					splitAt = i + 1
					break
				}
			}
			if splitAt == -1 {
				// No function boundary within this shard's remaining
				// capacity: roll over to a fresh shard and retry the same
				// window there instead of splitting mid-function.
				if len(a.shards) >= layout.MaxUnwindInfoShards {
					a.publishFailure.Inc()
					return nil, fmt.Errorf("%w: no function boundary fits in remaining shard capacity", ErrCapacityExceeded)
				}
				a.shards = append(a.shards, &shardState{})
				continue
			}
		}

		chunkRows := remaining[:splitAt]
		lowIndex := uint64(len(cur.rows))
		cur.rows = append(cur.rows, chunkRows...)
		a.shardsUsed.Set(float64(len(a.shards)))
		a.rowsWritten.Add(float64(len(chunkRows)))

		chunks = append(chunks, layout.Chunk{
			LowPC:      chunkRows[0].Pc,
			HighPC:     chunkRows[len(chunkRows)-1].Pc,
			ShardIndex: uint64(len(a.shards) - 1),
			LowIndex:   lowIndex,
			HighIndex:  uint64(len(cur.rows)),
		})

		remaining = remaining[splitAt:]
	}

	return chunks, nil
}

// RowAt returns the row at (shardIndex, index), used by the kernel-side
// unwinder simulation to resolve a binary-search result. ok is false if
// the coordinates are out of range.
func (a *Allocator) RowAt(shardIndex, index uint64) (layout.Row, bool) {
	if int(shardIndex) >= len(a.shards) {
		return layout.Row{}, false
	}
	shard := a.shards[shardIndex]
	if index >= uint64(len(shard.rows)) {
		return layout.Row{}, false
	}
	return shard.rows[index], true
}

// ShardCount returns the number of shards currently allocated (not
// necessarily all in use).
func (a *Allocator) ShardCount() int {
	return len(a.shards)
}
