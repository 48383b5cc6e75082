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

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/duskstack/duskprofd/pkg/aggregator"
	"github.com/duskstack/duskprofd/pkg/cfi"
	"github.com/duskstack/duskprofd/pkg/collector"
	"github.com/duskstack/duskprofd/pkg/config"
	"github.com/duskstack/duskprofd/pkg/eventchannel"
	"github.com/duskstack/duskprofd/pkg/procinfo"
	"github.com/duskstack/duskprofd/pkg/shard"
	"github.com/duskstack/duskprofd/pkg/unwinder"
)

// defaultCPUSamplingFrequency of 19Hz is prime, avoiding aliasing with
// periodic workloads sampled at round frequencies.
const defaultCPUSamplingFrequency = 19

type flags struct {
	LogLevel    string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	HTTPAddress string `kong:"help='Address to bind the metrics/debug HTTP server to.',default=':7071'"`
	ConfigFile  string `kong:"help='Optional YAML file overlaying these flags. A flag set on the command line always wins.',type='path'"`

	PID               []int         `kong:"help='PIDs to track mappings for and profile.'"`
	SampleFrequencyHz uint64        `kong:"help='Sampling frequency in Hz.',default='${default_cpu_sampling_frequency}'"`
	Duration          time.Duration `kong:"help='How long to run before exiting. Zero means run until interrupted.',default='0s'"`
	ReportInterval    time.Duration `kong:"help='Interval between aggregator drains and pprof reports.',default='5s'"`

	OutputDirectory string `kong:"help='Directory to write periodic pprof profiles to.',default='.'"`
	OutputFormat    string `kong:"enum='pprof',help='Format for persisted profiles.',default='pprof'"`

	BPFLogging bool   `kong:"help='Enable verbose logging from the in-kernel sampling program.',default='false'"`
	Symbolizer string `kong:"enum='none',help='Native symbolizer to resolve addresses beyond DWARF-CFI unwinding.',default='none'"`
}

// applyConfigFile overlays cfg onto flgs, filling in only the fields flgs
// left at their zero value: a flag given on the command line always wins
// over the config file.
func applyConfigFile(flgs *flags, cfg *config.Config) {
	if len(flgs.PID) == 0 {
		flgs.PID = cfg.PID
	}
	if flgs.SampleFrequencyHz == 0 {
		flgs.SampleFrequencyHz = cfg.SampleFrequencyHz
	}
	if flgs.Duration == 0 {
		flgs.Duration = cfg.Duration
	}
	if flgs.ReportInterval == 0 {
		flgs.ReportInterval = cfg.ReportInterval
	}
	if flgs.OutputDirectory == "" || flgs.OutputDirectory == "." {
		if cfg.OutputDirectory != "" {
			flgs.OutputDirectory = cfg.OutputDirectory
		}
	}
}

func main() {
	var flgs flags
	kong.Parse(&flgs, kong.Vars{
		"default_cpu_sampling_frequency": strconv.Itoa(defaultCPUSamplingFrequency),
	})

	logger := newLogger(flgs.LogLevel)

	if flgs.ConfigFile != "" {
		cfg, err := config.LoadFile(flgs.ConfigFile)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load config file", "path", flgs.ConfigFile, "err", err)
			os.Exit(1)
		}
		applyConfigFile(&flgs, cfg)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	figure.NewColorFigure("duskprofd", "roman", "cyan", true).Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if flgs.SampleFrequencyHz == 0 {
		level.Warn(logger).Log("msg", "sample frequency is zero, using default", "default", defaultCPUSamplingFrequency)
		flgs.SampleFrequencyHz = defaultCPUSamplingFrequency
	}

	if err := run(logger, reg, flgs); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var lvl level.Option
	switch logLevel {
	case "error":
		lvl = level.AllowError()
	case "warn":
		lvl = level.AllowWarn()
	case "debug":
		lvl = level.AllowDebug()
	default:
		lvl = level.AllowInfo()
	}
	return level.NewFilter(logger, lvl)
}

func run(logger log.Logger, reg *prometheus.Registry, flgs flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if flgs.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, flgs.Duration)
		defer cancel()
	}

	compiler := cfi.NewCompiler(logger, reg)
	shards := shard.NewAllocator(reg)
	tracker := procinfo.New(logger, reg, compiler, shards)
	uw := unwinder.New(tracker, tracker, shards, unwinder.ProcessVMReader{}, &unwinder.Stats{})
	table := aggregator.New(reg)
	events := eventchannel.New(4096, reg)

	for _, pid := range flgs.PID {
		events.NewProcess(pid)
	}

	// Sample production (reading raw (pid, ip, sp, bp) tuples off a
	// perf-event/eBPF ring buffer) requires arming a kernel-side sampling
	// program, which sits outside this binary's scope; see DESIGN.md.
	// noopSampler leaves that connection point explicit rather than
	// faking data. flgs.BPFLogging is read only to log a debug line;
	// flgs.Symbolizer is not read anywhere. Neither has anything to
	// configure without a real sampler.
	if flgs.BPFLogging {
		level.Debug(logger).Log("msg", "bpf logging requested but no in-kernel sampler is wired yet")
	}
	sampler := &noopSampler{}

	renderer := collector.NewPprofRenderer(flgs.SampleFrequencyHz, time.Now())
	coll := collector.New(logger, reg, collector.Config{
		SampleFrequencyHz: flgs.SampleFrequencyHz,
		ReportInterval:    flgs.ReportInterval,
		StatsInterval:     10 * time.Second,
	}, sampler, uw, table, tracker, renderer)

	var g okrun.Group

	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: flgs.HTTPAddress, Handler: mux}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting HTTP server", "address", flgs.HTTPAddress)
			return srv.ListenAndServe()
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	{
		reconcileCtx, reconcileCancel := context.WithCancel(ctx)
		g.Add(func() error {
			eventchannel.Run(reconcileCtx, logger, events, processHandler{tracker}, reconciler{tracker, flgs.PID}, eventchannel.DefaultLoopConfig())
			return nil
		}, func(error) {
			reconcileCancel()
		})
	}

	{
		collectorCtx, collectorCancel := context.WithCancel(ctx)
		writer := profileWriter{dir: flgs.OutputDirectory, logger: logger}
		g.Add(func() error {
			return coll.Run(collectorCtx, writer.write)
		}, func(error) {
			collectorCancel()
		})
	}

	{
		sigCtx, sigCancel := context.WithCancel(ctx)
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			select {
			case <-c:
				return nil
			case <-sigCtx.Done():
				return sigCtx.Err()
			}
		}, func(error) {
			sigCancel()
		})
	}

	return g.Run()
}

// noopSampler is the seam a real perf-event/eBPF ring-buffer consumer
// plugs into; until one is wired, it simply blocks until ctx is done.
type noopSampler struct{}

func (noopSampler) Sample(ctx context.Context) (pid int, ip, sp, bp uint64, ok bool, err error) {
	<-ctx.Done()
	return 0, 0, 0, 0, false, nil
}

// processHandler adapts procinfo.Tracker into eventchannel.ProcessHandler.
type processHandler struct {
	tracker *procinfo.Tracker
}

func (h processHandler) HandleNewProcess(pid int) error {
	return h.tracker.Refresh(pid)
}

// reconciler adapts procinfo.Tracker into eventchannel.Reconciler, driving
// a full re-scan of every tracked PID whenever events are missed.
type reconciler struct {
	tracker *procinfo.Tracker
	pids    []int
}

func (r reconciler) ReconcileAll() {
	for _, pid := range r.pids {
		_ = r.tracker.Refresh(pid)
	}
}

// profileWriter persists each rendered profile as a gzip-compressed pprof
// file, named by wall-clock second, under dir.
type profileWriter struct {
	dir    string
	logger log.Logger
}

func (w profileWriter) write(prof *profile.Profile) {
	if w.logger == nil {
		w.logger = log.NewNopLogger()
	}
	if w.dir == "" {
		return
	}
	name := filepath.Join(w.dir, fmt.Sprintf("duskprofd-%d.pb.gz", time.Now().Unix()))

	// Compress with a reusable-shaped gzip writer rather than
	// profile.Write's own internal compress/gzip, matching the remote
	// writer's stateless, allocation-light compression choice.
	buf := bytes.NewBuffer(nil)
	zw, err := gzip.NewWriterLevel(buf, gzip.StatelessCompression)
	if err != nil {
		level.Warn(w.logger).Log("msg", "failed to create gzip writer", "err", err)
		return
	}
	if err := prof.WriteUncompressed(zw); err != nil {
		zw.Close()
		level.Warn(w.logger).Log("msg", "failed to encode profile", "err", err)
		return
	}
	if err := zw.Close(); err != nil {
		level.Warn(w.logger).Log("msg", "failed to flush gzip writer", "err", err)
		return
	}

	if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
		level.Warn(w.logger).Log("msg", "failed to write profile file", "path", name, "err", err)
		return
	}
	level.Info(w.logger).Log("msg", "wrote profile", "path", name)
}
