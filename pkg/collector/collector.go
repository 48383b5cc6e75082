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

// Package collector implements the collection and reporting façade: it
// drives periodic sampling, drains the aggregator, and hands resolved
// (stack, count) tuples to a Renderer for symbolization and pprof-shaped
// output, printing a periodic statistics summary in the meantime.
package collector

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/duskstack/duskprofd/pkg/aggregator"
	"github.com/duskstack/duskprofd/pkg/layout"
	"github.com/duskstack/duskprofd/pkg/procinfo"
	"github.com/duskstack/duskprofd/pkg/unwinder"
)

// Sampler produces one raw sample per invocation. In a real deployment
// this reads perf-event/eBPF ring buffer records; here it is a narrow
// seam a caller supplies (e.g. from a perf_event_open poll loop), keeping
// this package free of any direct kernel-interface dependency.
type Sampler interface {
	// Sample blocks until either a sample is available or ctx is done.
	Sample(ctx context.Context) (pid int, ip, sp, bp uint64, ok bool, err error)
}

// Renderer turns drained (stack, count) tuples plus process/executable
// metadata into a pprof profile.Profile, performing symbolization out of
// band from the hot collection path.
type Renderer interface {
	Render(entries []aggregator.StackAndCount, resolve func(layout.StackCountKey) (layout.ProcessInfo, bool)) (*profile.Profile, error)
}

// Config tunes the collection loop.
type Config struct {
	// SampleFrequencyHz is the target sampling rate. The collection loop
	// does not read it.
	SampleFrequencyHz uint64
	// ReportInterval is how often the aggregator is drained and rendered.
	ReportInterval time.Duration
	// StatsInterval is how often the unwinder's outcome counters are
	// logged.
	StatsInterval time.Duration
}

// DefaultConfig mirrors the reference profiler's five-second report
// cadence.
func DefaultConfig() Config {
	return Config{
		SampleFrequencyHz: 19,
		ReportInterval:    5 * time.Second,
		StatsInterval:     10 * time.Second,
	}
}

// Collector is the top-level collection-and-reporting façade: it owns
// nothing about how samples are produced or how mappings are tracked,
// only how they are combined and drained.
type Collector struct {
	logger   log.Logger
	cfg      Config
	sampler  Sampler
	unwinder *unwinder.Unwinder
	table    *aggregator.Table
	tracker  *procinfo.Tracker
	renderer Renderer

	samplesTotal      prometheus.Counter
	samplesDropped    prometheus.Counter
	renderErrors      prometheus.Counter
	reportsProduced   prometheus.Counter
}

// New constructs a Collector. reg may be nil in tests.
func New(logger log.Logger, reg prometheus.Registerer, cfg Config, sampler Sampler, uw *unwinder.Unwinder, table *aggregator.Table, tracker *procinfo.Tracker, renderer Renderer) *Collector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	factory := promauto.With(reg)
	return &Collector{
		logger:   logger,
		cfg:      cfg,
		sampler:  sampler,
		unwinder: uw,
		table:    table,
		tracker:  tracker,
		renderer: renderer,
		samplesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_collector_samples_total",
			Help: "Number of raw samples received from the sampler.",
		}),
		samplesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_collector_samples_dropped_total",
			Help: "Number of samples dropped due to sampler errors.",
		}),
		renderErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_collector_render_errors_total",
			Help: "Number of report cycles where rendering the drained profile failed.",
		}),
		reportsProduced: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_collector_reports_total",
			Help: "Number of profiles successfully rendered and reported.",
		}),
	}
}

// ReportFunc is called with every successfully rendered profile.
type ReportFunc func(*profile.Profile)

// Run drives sampling, periodic draining/rendering, and periodic stats
// logging until ctx is canceled. It never returns a non-nil error except
// for ctx cancellation.
func (c *Collector) Run(ctx context.Context, onReport ReportFunc) error {
	level.Debug(c.logger).Log("msg", "starting collector")

	go c.sampleLoop(ctx)

	reportTicker := time.NewTicker(c.cfg.ReportInterval)
	defer reportTicker.Stop()
	statsTicker := time.NewTicker(c.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statsTicker.C:
			c.logStats()
		case <-reportTicker.C:
			c.report(onReport)
		}
	}
}

func (c *Collector) sampleLoop(ctx context.Context) {
	for {
		pid, ip, sp, bp, ok, err := c.sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.samplesDropped.Inc()
			level.Debug(c.logger).Log("msg", "sampler error", "err", err)
			continue
		}
		if !ok {
			return
		}
		c.samplesTotal.Inc()

		stack, outcome := c.unwinder.Walk(pid, ip, sp, bp)
		_ = outcome // recorded internally by the unwinder's stats

		key := layout.StackCountKey{PID: uint32(pid), TGID: uint32(pid)}
		c.table.Record(key, stack)
	}
}

func (c *Collector) report(onReport ReportFunc) {
	entries := c.table.Drain()
	if len(entries) == 0 {
		return
	}

	prof, err := c.renderer.Render(entries, func(key layout.StackCountKey) (layout.ProcessInfo, bool) {
		return c.tracker.ProcessInfo(int(key.PID))
	})
	if err != nil {
		c.renderErrors.Inc()
		level.Warn(c.logger).Log("msg", "failed to render profile", "err", err)
		return
	}
	c.reportsProduced.Inc()
	if onReport != nil {
		onReport(prof)
	}
}

func (c *Collector) logStats() {
	snap := c.unwinder.Stats().Snapshot()
	level.Info(c.logger).Log(
		"msg", "unwinder statistics",
		"total", snap.Total,
		"success_dwarf", snap.SuccessDwarf,
		"success_frame_pointer", snap.SuccessFramePointer,
		"error_truncated", snap.ErrorTruncated,
		"error_unsupported_expression", snap.ErrorUnsupportedExpression,
		"error_unsupported_frame_pointer_action", snap.ErrorUnsupportedFramePointerAction,
		"error_unsupported_cfa_register", snap.ErrorUnsupportedCFARegister,
		"error_catchall", snap.ErrorCatchall,
		"error_should_never_happen", snap.ErrorShouldNeverHappen,
		"error_pc_not_covered", snap.ErrorPcNotCovered,
		"error_jit", snap.ErrorJit,
	)
}
