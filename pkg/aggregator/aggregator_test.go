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
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/duskstack/duskprofd/pkg/layout"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func stackOf(addrs ...uint64) layout.NativeStack {
	var s layout.NativeStack
	s.Len = len(addrs)
	copy(s.Addresses[:], addrs)
	return s
}

func TestRecordAndDrainCountsOccurrences(t *testing.T) {
	tbl := New(nil)
	key := layout.StackCountKey{PID: 1, TGID: 1}
	stack := stackOf(0x1000, 0x2000)

	tbl.Record(key, stack)
	tbl.Record(key, stack)
	tbl.Record(key, stack)

	entries := tbl.Drain()
	require.Len(t, entries, 1)
	require.Equal(t, uint64(3), entries[0].Count)
	require.Equal(t, stack, entries[0].Stack)
}

func TestDrainClearsCounts(t *testing.T) {
	tbl := New(nil)
	key := layout.StackCountKey{PID: 1}
	tbl.Record(key, stackOf(0x1000))

	require.Len(t, tbl.Drain(), 1)
	require.Empty(t, tbl.Drain())
}

func TestRecordDistinctKeysSameStackShareSlot(t *testing.T) {
	tbl := New(nil)
	stack := stackOf(0x1000, 0x2000)
	key1 := layout.StackCountKey{PID: 1}
	key2 := layout.StackCountKey{PID: 2}

	tbl.Record(key1, stack)
	tbl.Record(key2, stack)

	entries := tbl.Drain()
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, stack, e.Stack)
		require.Equal(t, uint64(1), e.Count)
	}
}

func TestCountsMapFullDropsExtraKeys(t *testing.T) {
	tbl := New(nil)
	for i := 0; i < layout.MaxStackCountsEntries; i++ {
		tbl.Record(layout.StackCountKey{PID: uint32(i + 1)}, stackOf(uint64(i)))
	}
	// One more distinct key beyond capacity must be dropped, not panic
	// or silently overwrite an existing entry.
	tbl.Record(layout.StackCountKey{PID: uint32(layout.MaxStackCountsEntries + 1)}, stackOf(0xffff))

	entries := tbl.Drain()
	require.Len(t, entries, layout.MaxStackCountsEntries)
}
