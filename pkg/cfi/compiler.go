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

// Package cfi implements the CFI compiler: it parses the DWARF Call Frame
// Information of an ELF executable and produces the sorted, compact
// unwind rows the shard allocator packs into kernel-visible shards.
package cfi

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goburrow/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/duskstack/duskprofd/internal/dwarfcfi"
	"github.com/duskstack/duskprofd/internal/dwarfcfi/plt"
	"github.com/duskstack/duskprofd/pkg/layout"
)

var (
	// ErrNoFDEsFound is returned when neither .eh_frame nor .debug_frame
	// contains any usable frame description entries.
	ErrNoFDEsFound = errors.New("cfi: no frame description entries found")
	// ErrUnsupportedCFARegister is returned when a def_cfa rule names a
	// register that is neither RBP nor RSP, and the accompanying
	// expression (if any) isn't one of the recognized PLT idioms.
	ErrUnsupportedCFARegister = errors.New("cfi: unsupported CFA register")
)

// Result is one executable's compiled CFI: its rows, in ascending pc
// order, terminated by an END_OF_FDE_MARKER row. Compile inspects only
// the ELF file and always leaves IsJITCompiler false.
type Result struct {
	Rows          []layout.Row
	Arch          elf.Machine
	IsJITCompiler bool
}

// Compiler compiles the DWARF CFI of ELF executables into compact unwind
// rows. It caches results per executable path since a single executable
// is typically mapped by many processes.
type Compiler struct {
	logger log.Logger

	debugFrameErrors prometheus.Counter
	compileDuration  prometheus.Histogram

	cache cache.Cache
}

// NewCompiler constructs a Compiler. reg may be nil in tests.
func NewCompiler(logger log.Logger, reg prometheus.Registerer) *Compiler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	factory := promauto.With(reg)
	return &Compiler{
		logger: logger,
		debugFrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_cfi_debug_frame_errors_total",
			Help: "Number of times parsing .debug_frame failed and .eh_frame alone was used instead.",
		}),
		compileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duskprofd_cfi_compile_duration_seconds",
			Help:    "Time to compile one executable's DWARF CFI into unwind rows.",
			Buckets: prometheus.DefBuckets,
		}),
		cache: cache.New(cache.WithMaximumSize(256)),
	}
}

// Compile reads path's ELF sections and produces its Result. Results are
// cached by path; callers needing freshness across executable rewrites
// should key their own cache by executable identity, not path.
func (c *Compiler) Compile(path string) (Result, error) {
	if v, ok := c.cache.GetIfPresent(path); ok {
		return v.(Result), nil
	}

	timer := prometheus.NewTimer(c.compileDuration)
	defer timer.ObserveDuration()

	f, err := elf.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	ehFrameFDEs, arch, err := readFDEs(f, ".eh_frame")
	isUnexpected := err != nil && !errors.Is(err, ErrNoFDEsFound)
	if isUnexpected {
		return Result{}, err
	}
	debugFrameFDEs, arch2, err := readFDEs(f, ".debug_frame")
	if err != nil {
		if !errors.Is(err, ErrNoFDEsFound) {
			level.Warn(c.logger).Log("msg", "failed to parse .debug_frame, falling back to .eh_frame only", "path", path, "err", err)
			c.debugFrameErrors.Inc()
		}
		debugFrameFDEs = nil
		arch2 = arch
	}
	if arch2 != 0 && arch == 0 {
		arch = arch2
	}
	if len(ehFrameFDEs) == 0 && len(debugFrameFDEs) == 0 {
		return Result{}, ErrNoFDEsFound
	}

	fdes := mergeFDEs(ehFrameFDEs, debugFrameFDEs, c.logger, c.debugFrameErrors)

	rows, err := buildRows(fdes, arch)
	if err != nil {
		return Result{}, fmt.Errorf("build unwind rows for %q: %w", path, err)
	}

	res := Result{
		Rows:          rows,
		Arch:          arch,
		IsJITCompiler: false,
	}
	c.cache.Put(path, res)
	return res, nil
}

// InvalidatePath drops any cached compilation for path, used when the
// process-mapping tracker detects the underlying file has changed.
func (c *Compiler) InvalidatePath(path string) {
	c.cache.Invalidate(path)
}

func readFDEs(f *elf.File, sectionName string) (dwarfcfi.FrameDescriptionEntries, elf.Machine, error) {
	section := f.Section(sectionName)
	if section == nil {
		return nil, f.Machine, ErrNoFDEsFound
	}
	data, err := section.Data()
	if err != nil {
		return nil, f.Machine, fmt.Errorf("read %s: %w", sectionName, err)
	}
	fdes, err := dwarfcfi.Parse(data, f.ByteOrder, section.Addr)
	if err != nil {
		return nil, f.Machine, err
	}
	if len(fdes) == 0 {
		return nil, f.Machine, ErrNoFDEsFound
	}
	return fdes, f.Machine, nil
}

// mergeFDEs combines the (possibly overlapping) FDE sets from .eh_frame
// and .debug_frame, sorted by starting PC, discarding .debug_frame's
// contribution wholesale if it overlaps .eh_frame's.
func mergeFDEs(ehFrame, debugFrame dwarfcfi.FrameDescriptionEntries, logger log.Logger, debugFrameErrors prometheus.Counter) dwarfcfi.FrameDescriptionEntries {
	all := make(dwarfcfi.FrameDescriptionEntries, len(ehFrame), len(ehFrame)+len(debugFrame))
	copy(all, ehFrame)
	all = append(all, debugFrame...)
	sortFDEs(all)

	deduped := make(dwarfcfi.FrameDescriptionEntries, 0, len(all))
	for i := 0; i < len(all); i++ {
		if i < len(all)-1 && all[i].End() > all[i+1].InitialLocation {
			if all[i].End() == all[i+1].End() && all[i].InitialLocation == all[i+1].InitialLocation {
				continue
			}
			level.Warn(logger).Log("msg", "overlapping .debug_frame and .eh_frame records, using .eh_frame only")
			debugFrameErrors.Inc()
			deduped = ehFrame
			sortFDEs(deduped)
			break
		}
		deduped = append(deduped, all[i])
	}
	return deduped
}

func sortFDEs(fdes dwarfcfi.FrameDescriptionEntries) {
	sort.Slice(fdes, func(i, j int) bool { return fdes[i].InitialLocation < fdes[j].InitialLocation })
}

// buildRows executes each FDE's CFA program and compacts it into rows,
// inserting END_OF_FDE_MARKER rows at gaps between functions, per spec
// §4.1 step 3.
func buildRows(fdes dwarfcfi.FrameDescriptionEntries, arch elf.Machine) ([]layout.Row, error) {
	rows := make([]layout.Row, 0, 4*len(fdes))
	var lastFunctionEnd uint64

	for _, fde := range fdes {
		if lastFunctionEnd != 0 && fde.InitialLocation != lastFunctionEnd {
			rows = append(rows, layout.Row{Pc: lastFunctionEnd, CFAType: layout.CFATypeEndOfFDEMarker})
		}

		fc, err := dwarfcfi.ExecuteDWARFProgram(fde)
		if err != nil {
			return nil, err
		}
		for _, insCtx := range fc.Instructions {
			row, err := compact(insCtx, arch)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		lastFunctionEnd = fde.End()
	}
	rows = append(rows, layout.Row{Pc: lastFunctionEnd, CFAType: layout.CFATypeEndOfFDEMarker})

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Pc < rows[j].Pc })
	return removeRedundant(rows), nil
}

func compact(insCtx dwarfcfi.InstructionContext, arch elf.Machine) (layout.Row, error) {
	row := layout.Row{Pc: insCtx.Loc}

	switch insCtx.CFA.Rule {
	case dwarfcfi.RuleCFA:
		switch insCtx.CFA.Register {
		case dwarfcfi.RBPRegister:
			row.CFAType = layout.CFATypeRBP
		case dwarfcfi.RSPRegister:
			row.CFAType = layout.CFATypeRSP
		default:
			return layout.Row{}, fmt.Errorf("%w: register %d", ErrUnsupportedCFARegister, insCtx.CFA.Register)
		}
		row.CFAOffset = uint16(insCtx.CFA.Offset)
	case dwarfcfi.RuleExpression:
		row.CFAType = layout.CFATypeExpression
		if arch == elf.EM_X86_64 {
			row.CFAOffset = plt.Identify(insCtx.CFA.Expression)
		} else {
			row.CFAOffset = layout.ExpressionUnknown
		}
	default:
		return layout.Row{}, fmt.Errorf("%w: CFA rule %d", ErrUnsupportedCFARegister, insCtx.CFA.Rule)
	}

	switch insCtx.RBP.Rule {
	case dwarfcfi.RuleOffset:
		row.RBPType = layout.RBPTypeOffset
		row.RBPOffset = int16(insCtx.RBP.Offset)
	case dwarfcfi.RuleRegister:
		row.RBPType = layout.RBPTypeRegister
	case dwarfcfi.RuleExpression, dwarfcfi.RuleValExpression:
		row.RBPType = layout.RBPTypeExpression
	case dwarfcfi.RuleUndefined:
		row.RBPType = layout.RBPTypeUnchanged
	default:
		row.RBPType = layout.RBPTypeUnchanged
	}

	return row, nil
}

func removeRedundant(rows []layout.Row) []layout.Row {
	if len(rows) == 0 {
		return rows
	}
	res := rows[:1]
	for _, row := range rows[1:] {
		last := res[len(res)-1]
		if row.CFAType == last.CFAType && row.RBPType == last.RBPType &&
			row.CFAOffset == last.CFAOffset && row.RBPOffset == last.RBPOffset {
			continue
		}
		res = append(res, row)
	}
	return res
}
