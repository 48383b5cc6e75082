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
	"fmt"
	"time"

	"github.com/google/pprof/profile"

	"github.com/duskstack/duskprofd/pkg/aggregator"
	"github.com/duskstack/duskprofd/pkg/layout"
)

// PprofRenderer is the default Renderer: it builds an address-only pprof
// profile.Profile straight from raw stack addresses, leaving mapping
// symbolization to whatever consumes the resulting profile (e.g. `pprof`
// itself, given the original binaries). This mirrors the reference
// converter's location/mapping bookkeeping but skips its debuginfo
// upload/symbol-resolution machinery, which sits outside this package's
// scope.
type PprofRenderer struct {
	periodNS  int64
	startedAt time.Time
}

// NewPprofRenderer constructs a PprofRenderer sampling at the given
// frequency.
func NewPprofRenderer(sampleFrequencyHz uint64, startedAt time.Time) *PprofRenderer {
	periodNS := int64(1e9)
	if sampleFrequencyHz > 0 {
		periodNS = int64(1e9) / int64(sampleFrequencyHz)
	}
	return &PprofRenderer{periodNS: periodNS, startedAt: startedAt}
}

// Render implements Renderer.
func (r *PprofRenderer) Render(entries []aggregator.StackAndCount, resolve func(layout.StackCountKey) (layout.ProcessInfo, bool)) (*profile.Profile, error) {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     r.periodNS,
		TimeNanos:  r.startedAt.UnixNano(),
	}

	locationByAddr := make(map[uint64]*profile.Location)

	for _, entry := range entries {
		sample := &profile.Sample{Value: []int64{int64(entry.Count)}}
		for i := 0; i < entry.Stack.Len; i++ {
			addr := entry.Stack.Addresses[i]
			loc, ok := locationByAddr[addr]
			if !ok {
				loc = &profile.Location{ID: uint64(len(prof.Location)) + 1, Address: addr}
				locationByAddr[addr] = loc
				prof.Location = append(prof.Location, loc)
			}
			sample.Location = append(sample.Location, loc)
		}
		sample.Label = map[string][]string{"pid": {fmt.Sprintf("%d", entry.Key.PID)}}
		prof.Sample = append(prof.Sample, sample)
	}

	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return prof, nil
}
