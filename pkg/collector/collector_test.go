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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/duskstack/duskprofd/pkg/aggregator"
	"github.com/duskstack/duskprofd/pkg/cfi"
	"github.com/duskstack/duskprofd/pkg/layout"
	"github.com/duskstack/duskprofd/pkg/procinfo"
	"github.com/duskstack/duskprofd/pkg/shard"
	"github.com/duskstack/duskprofd/pkg/unwinder"
)

// fakeSampler yields a fixed batch of samples and then reports end of
// stream, mirroring a perf ring buffer drained down to empty.
type fakeSampler struct {
	mu      sync.Mutex
	samples []int // pids, one per sample
	next    int
}

func (s *fakeSampler) Sample(ctx context.Context) (pid int, ip, sp, bp uint64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.samples) {
		<-ctx.Done()
		return 0, 0, 0, 0, false, nil
	}
	pid = s.samples[s.next]
	s.next++
	return pid, 0x1000, 0x2000, 0, true, nil
}

// fakeRenderer records every call it receives instead of symbolizing.
type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	last  []aggregator.StackAndCount
}

func (r *fakeRenderer) Render(entries []aggregator.StackAndCount, resolve func(layout.StackCountKey) (layout.ProcessInfo, bool)) (*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = entries
	return &profile.Profile{}, nil
}

func (r *fakeRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// nopRows and nopMem back an Unwinder whose ChunkSource/RowSource/MemoryReader
// legs are never exercised in these tests: the tracker has no mappings
// registered for any sampled pid, so Walk terminates at
// OutcomeErrorPcNotCovered before ever consulting them.
type nopRows struct{}

func (nopRows) RowAt(shardIndex, index uint64) (layout.Row, bool) { return layout.Row{}, false }

type nopMem struct{}

func (nopMem) ReadU64(pid int, addr uint64) (uint64, error) {
	return 0, errors.New("memory reads are not exercised by this test")
}

func newTestCollector(t *testing.T, cfg Config, sampler Sampler, renderer Renderer) (*Collector, *aggregator.Table) {
	t.Helper()
	tracker := procinfo.New(nil, nil, cfi.NewCompiler(nil, nil), shard.NewAllocator(nil))
	uw := unwinder.New(tracker, tracker, nopRows{}, nopMem{}, nil)
	table := aggregator.New(nil)
	return New(nil, nil, cfg, sampler, uw, table, tracker, renderer), table
}

func TestCollectorReportsDrainedSamples(t *testing.T) {
	sampler := &fakeSampler{samples: []int{100, 100, 200}}
	renderer := &fakeRenderer{}
	cfg := Config{SampleFrequencyHz: 19, ReportInterval: 5 * time.Millisecond, StatsInterval: time.Hour}
	c, _ := newTestCollector(t, cfg, sampler, renderer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reports int32
	var mu sync.Mutex
	var lastProfile *profile.Profile
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, func(p *profile.Profile) {
			mu.Lock()
			reports++
			lastProfile = p
			mu.Unlock()
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return renderer.callCount() >= 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.NotNil(t, lastProfile)
	require.GreaterOrEqual(t, reports, int32(1))
	mu.Unlock()

	cancel()
	<-done
}

func TestCollectorReportSkipsRenderWhenDrainIsEmpty(t *testing.T) {
	sampler := &fakeSampler{} // no samples at all
	renderer := &fakeRenderer{}
	cfg := Config{SampleFrequencyHz: 19, ReportInterval: 5 * time.Millisecond, StatsInterval: time.Hour}
	c, table := newTestCollector(t, cfg, sampler, renderer)
	require.Empty(t, table.Drain())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, nil)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, 0, renderer.callCount(), "an empty drain must never reach the renderer")
}

func TestCollectorLogStatsDoesNotPanic(t *testing.T) {
	sampler := &fakeSampler{}
	renderer := &fakeRenderer{}
	c, _ := newTestCollector(t, DefaultConfig(), sampler, renderer)
	require.NotPanics(t, func() { c.logStats() })
}

func TestCollectorRunStopsOnContextCancel(t *testing.T) {
	sampler := &fakeSampler{}
	renderer := &fakeRenderer{}
	c, _ := newTestCollector(t, DefaultConfig(), sampler, renderer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, nil) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
