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

package aggregator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/duskstack/duskprofd/pkg/layout"
)

// StackAndCount is one resolved (fully-materialized) stack with its
// occurrence count, ready to hand to an external symbolizer/renderer.
type StackAndCount struct {
	Key   layout.StackCountKey
	Stack layout.NativeStack
	Count uint64
}

type stackSlot struct {
	occupied bool
	stack    layout.NativeStack
}

// Table is the aggregator: a fixed-capacity stack-trace table plus a
// fixed-capacity counts map, mirroring the two kernel-visible maps a real
// deployment would keep in BPF map memory.
type Table struct {
	mu sync.Mutex

	traces [layout.MaxStackTracesEntries]stackSlot
	counts map[layout.StackCountKey]*atomic.Uint64

	collisions   prometheus.Counter
	countsFull   prometheus.Counter
	tracesInsert prometheus.Counter
}

// New constructs an empty Table. reg may be nil in tests.
func New(reg prometheus.Registerer) *Table {
	factory := promauto.With(reg)
	return &Table{
		counts: make(map[layout.StackCountKey]*atomic.Uint64, layout.MaxStackCountsEntries),
		collisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_aggregator_stack_collisions_total",
			Help: "Number of times two distinct stacks hashed to the same stack-trace table slot.",
		}),
		countsFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_aggregator_counts_map_full_total",
			Help: "Number of increments rejected because the counts map is at capacity.",
		}),
		tracesInsert: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_aggregator_stack_traces_inserted_total",
			Help: "Number of distinct stacks inserted into the stack-trace table.",
		}),
	}
}

// StackCollisionSentinel is the well-known slot index a colliding sample's
// identity degenerates to.
const StackCollisionSentinel int64 = -1

// insert finds or assigns stack's slot in the stack-trace table. A second,
// distinct stack landing on an already-occupied slot is a counted
// collision; its identity degrades to StackCollisionSentinel rather than
// corrupting the first stack's entry.
func (t *Table) insert(stack layout.NativeStack) int64 {
	h := hashStack(stack)
	slot := int64(h % uint64(layout.MaxStackTracesEntries))

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.traces[slot]
	if !s.occupied {
		s.occupied = true
		s.stack = stack
		t.tracesInsert.Inc()
		return slot
	}
	if stacksEqual(s.stack, stack) {
		return slot
	}
	t.collisions.Inc()
	return StackCollisionSentinel
}

// Record inserts stack (assigning it a user_stack_id) and atomically
// increments the counts map entry for key. If key.UserStackID is already
// set by the caller (e.g. for a stack resolved purely by frame pointers
// with no separate hashing step), it is used as-is instead of being
// recomputed here.
func (t *Table) Record(key layout.StackCountKey, stack layout.NativeStack) {
	if key.UserStackID == 0 {
		key.UserStackID = t.insert(stack)
	}

	t.mu.Lock()
	counter, ok := t.counts[key]
	if !ok {
		if len(t.counts) >= layout.MaxStackCountsEntries {
			t.mu.Unlock()
			t.countsFull.Inc()
			return
		}
		counter = atomic.NewUint64(0)
		t.counts[key] = counter
	}
	t.mu.Unlock()

	counter.Inc()
}

// Drain atomically clears the counts map and returns every entry's
// (stack, count), resolving each key's user_stack_id back into its
// NativeStack.
func (t *Table) Drain() []StackAndCount {
	t.mu.Lock()
	counts := t.counts
	t.counts = make(map[layout.StackCountKey]*atomic.Uint64, layout.MaxStackCountsEntries)
	t.mu.Unlock()

	result := make([]StackAndCount, 0, len(counts))
	for key, counter := range counts {
		var stack layout.NativeStack
		if key.UserStackID >= 0 && key.UserStackID < layout.MaxStackTracesEntries {
			t.mu.Lock()
			slot := t.traces[key.UserStackID]
			t.mu.Unlock()
			stack = slot.stack
		}
		result = append(result, StackAndCount{Key: key, Stack: stack, Count: counter.Load()})
	}
	return result
}

func stacksEqual(a, b layout.NativeStack) bool {
	if a.Len != b.Len {
		return false
	}
	for i := 0; i < a.Len; i++ {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
