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

package procinfo

import (
	"debug/buildinfo"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"

	"github.com/duskstack/duskprofd/pkg/cfi"
	"github.com/duskstack/duskprofd/pkg/layout"
	"github.com/duskstack/duskprofd/pkg/shard"
)

// goFramePointerVersion is the earliest Go toolchain version for which
// the runtime always leaves DWARF-quality frame pointers in place.
var goFramePointerVersion = semver.MustParse("1.12.0")

type executableEntry struct {
	chunks   []layout.Chunk
	isJIT    bool
	fpOnly   bool
	published bool
}

// Tracker maintains pid -> layout.ProcessInfo and drives CFI publication.
type Tracker struct {
	logger   log.Logger
	compiler *cfi.Compiler
	shards   *shard.Allocator

	mu         sync.Mutex
	identities *identityResolver
	executables map[uint32]*executableEntry // executable_id -> entry
	processes   map[int]*trackedProcess

	processesTracked  prometheus.Gauge
	mappingsPublished prometheus.Counter
	publishErrors     *prometheus.CounterVec
	refreshes         prometheus.Counter
}

type trackedProcess struct {
	info         layout.ProcessInfo
	mappingsHash uint64
}

// New constructs a Tracker. reg may be nil in tests.
func New(logger log.Logger, reg prometheus.Registerer, compiler *cfi.Compiler, shards *shard.Allocator) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	factory := promauto.With(reg)
	return &Tracker{
		logger:      logger,
		compiler:    compiler,
		shards:      shards,
		identities:  newIdentityResolver(),
		executables: make(map[uint32]*executableEntry),
		processes:   make(map[int]*trackedProcess),
		processesTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duskprofd_procinfo_processes_tracked",
			Help: "Number of processes with a published process-info entry.",
		}),
		mappingsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_procinfo_mappings_published_total",
			Help: "Total number of distinct executables published to the shard allocator.",
		}),
		publishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duskprofd_procinfo_publish_errors_total",
			Help: "Number of executables that failed CFI compilation or shard publication, by reason.",
		}, []string{"reason"}),
		refreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_procinfo_refreshes_total",
			Help: "Number of mapping refreshes performed (EVENT_NEW_PROCESS or REQUEST_REFRESH_PROCINFO).",
		}),
	}
}

// ErrProcessExited is returned by Refresh when /proc/<pid>/maps could no
// longer be read because the process exited mid-read: a benign empty
// result, not an error condition worth propagating further.
var ErrProcessExited = errors.New("procinfo: process exited during mapping read")

// Refresh reads pid's current mappings and, if they differ from the last
// observed set, republishes any not-yet-seen executables and rewrites the
// process's layout.ProcessInfo. Handles both EVENT_NEW_PROCESS and
// REQUEST_REFRESH_PROCINFO callers identically.
func (t *Tracker) Refresh(pid int) error {
	t.refreshes.Inc()

	proc, err := procfs.NewProc(pid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessExited, err)
	}
	procMaps, err := proc.ProcMaps()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessExited, err)
	}

	mappings := listExecutableMappings(procMaps)
	if len(mappings) > layout.MaxMappingsPerProcess {
		mappings = mappings[:layout.MaxMappingsPerProcess]
	}
	newHash, err := mappingSetHash(mappings)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.processes[pid]; ok && existing.mappingsHash == newHash {
		return nil
	}

	info := layout.ProcessInfo{Mappings: make([]layout.Mapping, 0, len(mappings))}
	for _, m := range mappings {
		lm, isJIT := t.resolveMapping(m)
		info.Mappings = append(info.Mappings, lm)
		if isJIT {
			info.IsJITCompiler = true
		}
	}

	t.processes[pid] = &trackedProcess{info: info, mappingsHash: newHash}
	t.processesTracked.Set(float64(len(t.processes)))
	return nil
}

// resolveMapping publishes m's executable if it hasn't been seen before
// and returns the compact layout.Mapping plus whether m looks JIT'ed.
// Ordering here is deliberate: rows and chunks are written to the shard
// allocator (via publish) before the mapping entry referencing them is
// returned, so nothing ever observes a mapping whose rows aren't there yet.
func (t *Tracker) resolveMapping(m resolvedMapping) (layout.Mapping, bool) {
	if m.IsJitted() {
		return layout.Mapping{Type: layout.MappingTypeJitted, Begin: m.StartAddr, End: m.EndAddr}, true
	}
	if m.IsSpecial() {
		return layout.Mapping{Type: layout.MappingTypeSpecial, Begin: m.StartAddr, End: m.EndAddr}, false
	}

	execID, contentHash, err := t.identities.resolve(m.Executable)
	if err != nil {
		level.Debug(t.logger).Log("msg", "failed to resolve executable identity", "path", m.Executable, "err", err)
		t.publishErrors.WithLabelValues("identity").Inc()
		return layout.Mapping{Type: layout.MappingTypeSpecial, Begin: m.StartAddr, End: m.EndAddr}, false
	}
	_ = contentHash

	entry, ok := t.executables[execID]
	if !ok {
		entry = t.publish(execID, m.Executable)
		t.executables[execID] = entry
	}

	return layout.Mapping{
		ExecutableID: execID,
		Type:         layout.MappingTypeFileBacked,
		LoadAddress:  m.LoadAddr,
		Begin:        m.StartAddr,
		End:          m.EndAddr,
	}, entry.isJIT
}

// publish compiles path's CFI and hands the rows to the shard allocator.
// A failure at either step leaves the entry unpublished and is not
// retried; samples landing in that executable then find no chunks and
// are walked by frame pointers instead.
func (t *Tracker) publish(execID uint32, path string) *executableEntry {
	entry := &executableEntry{}

	result, err := t.compiler.Compile(path)
	if err != nil {
		level.Warn(t.logger).Log("msg", "CFI compilation failed", "path", path, "err", err)
		t.publishErrors.WithLabelValues("compile").Inc()
		return entry
	}
	entry.isJIT = result.IsJITCompiler
	entry.fpOnly = usesFramePointersOnly(path)

	chunks, err := t.shards.Publish(result.Rows)
	if err != nil {
		level.Warn(t.logger).Log("msg", "shard publish failed", "path", path, "err", err)
		t.publishErrors.WithLabelValues("shard_capacity").Inc()
		return entry
	}

	entry.chunks = chunks
	entry.published = true
	t.mappingsPublished.Inc()
	return entry
}

// usesFramePointersOnly reports whether path's runtime is known to always
// preserve frame pointers, in which case the kernel-side unwinder should
// prefer the frame-pointer fast path over DWARF. Go binaries built with
// toolchain >= 1.12 fall in this category.
func usesFramePointersOnly(path string) bool {
	bi, err := buildinfo.ReadFile(path)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(normalizeGoVersion(bi.GoVersion))
	if err != nil {
		return false
	}
	return !v.LessThan(goFramePointerVersion)
}

func normalizeGoVersion(v string) string {
	// buildinfo reports e.g. "go1.22.2"; semver wants "1.22.2".
	if len(v) > 2 && v[:2] == "go" {
		return v[2:]
	}
	return v
}

// ProcessInfo returns the last-published info for pid, or false if the
// process hasn't been observed.
func (t *Tracker) ProcessInfo(pid int) (layout.ProcessInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.processes[pid]
	if !ok {
		return layout.ProcessInfo{}, false
	}
	return p.info, true
}

// Chunks returns the published chunk layout for an executable_id, or
// false if it was never successfully published.
func (t *Tracker) Chunks(executableID uint32) ([]layout.Chunk, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.executables[executableID]
	if !ok || !e.published {
		return nil, false
	}
	return e.chunks, true
}

// Forget evicts pid, called on process exit.
func (t *Tracker) Forget(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processes, pid)
	t.processesTracked.Set(float64(len(t.processes)))
}
