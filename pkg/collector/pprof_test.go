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

package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskstack/duskprofd/pkg/aggregator"
	"github.com/duskstack/duskprofd/pkg/layout"
)

func stackOf(addrs ...uint64) layout.NativeStack {
	var s layout.NativeStack
	s.Len = len(addrs)
	copy(s.Addresses[:], addrs)
	return s
}

func TestPprofRendererProducesOneSamplePerEntry(t *testing.T) {
	r := NewPprofRenderer(19, time.Unix(0, 0))
	entries := []aggregator.StackAndCount{
		{Key: layout.StackCountKey{PID: 100}, Stack: stackOf(0x1000, 0x2000), Count: 3},
		{Key: layout.StackCountKey{PID: 200}, Stack: stackOf(0x2000, 0x3000), Count: 5},
	}

	prof, err := r.Render(entries, func(layout.StackCountKey) (layout.ProcessInfo, bool) { return layout.ProcessInfo{}, false })
	require.NoError(t, err)
	require.Len(t, prof.Sample, 2)
	require.Equal(t, int64(3), prof.Sample[0].Value[0])
	require.Equal(t, int64(5), prof.Sample[1].Value[0])

	// Address 0x2000 is shared by both stacks and must resolve to the
	// same Location rather than being duplicated.
	require.Len(t, prof.Location, 3)
}

func TestPprofRendererSetsPeriodFromFrequency(t *testing.T) {
	r := NewPprofRenderer(100, time.Unix(0, 0))
	require.Equal(t, int64(1e7), r.periodNS)
}

func TestPprofRendererDefaultsPeriodWhenFrequencyZero(t *testing.T) {
	r := NewPprofRenderer(0, time.Unix(0, 0))
	require.Equal(t, int64(1e9), r.periodNS)
}

func TestPprofRendererEmptyEntries(t *testing.T) {
	r := NewPprofRenderer(19, time.Unix(0, 0))
	prof, err := r.Render(nil, func(layout.StackCountKey) (layout.ProcessInfo, bool) { return layout.ProcessInfo{}, false })
	require.NoError(t, err)
	require.Empty(t, prof.Sample)
}
