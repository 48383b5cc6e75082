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

package unwinder

import (
	"github.com/duskstack/duskprofd/pkg/layout"
)

// MappingSource resolves a process's currently published mapping list.
type MappingSource interface {
	ProcessInfo(pid int) (layout.ProcessInfo, bool)
}

// ChunkSource resolves the chunk layout for a published executable.
type ChunkSource interface {
	Chunks(executableID uint32) ([]layout.Chunk, bool)
}

// RowSource resolves a single row at (shardIndex, index).
type RowSource interface {
	RowAt(shardIndex, index uint64) (layout.Row, bool)
}

// Unwinder walks a sampled (ip, sp, bp) triple into a layout.NativeStack
// using a per-invocation, tail-call-chained algorithm.
type Unwinder struct {
	mappings MappingSource
	chunks   ChunkSource
	rows     RowSource
	mem      MemoryReader
	stats    *Stats
}

// New constructs an Unwinder over the given map sources.
func New(mappings MappingSource, chunks ChunkSource, rows RowSource, mem MemoryReader, stats *Stats) *Unwinder {
	if stats == nil {
		stats = &Stats{}
	}
	return &Unwinder{mappings: mappings, chunks: chunks, rows: rows, mem: mem, stats: stats}
}

// Stats returns the shared counter set this Unwinder records into.
func (u *Unwinder) Stats() *Stats { return u.stats }

// Walk simulates the kernel-side unwinder's tail-call chain for one
// sample. It performs up to layout.MaxTailCalls invocations of at most
// layout.MaxStackDepthPerProgram frame advances each, mirroring the
// bounded-execution discipline a real in-kernel program must obey.
func (u *Unwinder) Walk(pid int, ip, sp, bp uint64) (layout.NativeStack, Outcome) {
	state := layout.UnwinderState{IP: ip, SP: sp, BP: bp}

	info, ok := u.mappings.ProcessInfo(pid)
	if !ok {
		u.stats.Record(OutcomeErrorPcNotCovered)
		return state.Stack, OutcomeErrorPcNotCovered
	}
	if info.IsJITCompiler {
		outcome := u.walkFramePointers(pid, &state)
		u.stats.Record(outcome)
		return state.Stack, outcome
	}

	for state.TailCalls < layout.MaxTailCalls {
		outcome, done := u.invoke(pid, info, &state)
		if done {
			u.stats.Record(outcome)
			return state.Stack, outcome
		}
		state.TailCalls++
	}
	u.stats.Record(OutcomeErrorTruncated)
	return state.Stack, OutcomeErrorTruncated
}

// invoke performs one bounded program invocation: up to
// MaxStackDepthPerProgram frame advances. done is true when the walk has
// reached a terminal outcome (success or error); when done is false, the
// caller tail-chains into another invocation with state carried forward.
func (u *Unwinder) invoke(pid int, info layout.ProcessInfo, state *layout.UnwinderState) (Outcome, bool) {
	for step := 0; step < layout.MaxStackDepthPerProgram; step++ {
		mapping, ok := findMapping(info.Mappings, state.IP)
		if !ok {
			return OutcomeErrorPcNotCovered, true
		}
		if mapping.Type == layout.MappingTypeJitted {
			return OutcomeErrorJit, true
		}

		relPC := state.IP - mapping.LoadAddress

		chunks, ok := u.chunks.Chunks(mapping.ExecutableID)
		if !ok {
			// No chunks published for this mapping: fall back to plain
			// frame-pointer walking for the duration of frames inside it.
			// Once IP leaves the mapping, the next step re-checks chunks
			// for the new one.
			outcome, cont := u.fpStep(pid, state)
			if !cont {
				return outcome, true
			}
			continue
		}
		chunk, ok := findChunk(chunks, relPC)
		if !ok {
			return OutcomeErrorPcNotCovered, true
		}

		row, outcome, ok := u.binarySearchRow(chunk, relPC)
		if !ok {
			return outcome, true
		}

		if row.IsEndOfFDEMarker() {
			return OutcomeErrorPcNotCovered, true
		}

		cfa, outcome, ok := u.computeCFA(pid, row, state)
		if !ok {
			return outcome, true
		}

		newBP, outcome, ok := u.computeRBP(pid, row, cfa, state.BP)
		if !ok {
			return outcome, true
		}

		newIP, err := u.mem.ReadU64(pid, cfa-8)
		if err != nil {
			return OutcomeErrorCatchall, true
		}

		state.Stack.Addresses[state.Stack.Len] = state.IP
		state.Stack.Len++

		state.IP = newIP
		state.SP = cfa
		state.BP = newBP

		if newIP == 0 || state.Stack.Len == layout.MaxStackDepth {
			return OutcomeSuccessDwarf, true
		}
	}
	return OutcomeSuccessDwarf, false
}

func (u *Unwinder) computeCFA(pid int, row layout.Row, state *layout.UnwinderState) (uint64, Outcome, bool) {
	switch row.CFAType {
	case layout.CFATypeRBP:
		return state.BP + uint64(row.CFAOffset), 0, true
	case layout.CFATypeRSP:
		return state.SP + uint64(row.CFAOffset), 0, true
	case layout.CFATypeExpression:
		switch row.CFAOffset {
		case layout.ExpressionPLT1:
			return state.SP + layout.PLT1CFAOffset, 0, true
		case layout.ExpressionPLT2:
			return state.SP + layout.PLT2CFAOffset, 0, true
		default:
			return 0, OutcomeErrorUnsupportedExpression, false
		}
	default:
		return 0, OutcomeErrorUnsupportedCFARegister, false
	}
}

func (u *Unwinder) computeRBP(pid int, row layout.Row, cfa, currentBP uint64) (uint64, Outcome, bool) {
	switch row.RBPType {
	case layout.RBPTypeUnchanged:
		return currentBP, 0, true
	case layout.RBPTypeOffset:
		addr := uint64(int64(cfa) + int64(row.RBPOffset))
		v, err := u.mem.ReadU64(pid, addr)
		if err != nil {
			return 0, OutcomeErrorCatchall, false
		}
		return v, 0, true
	default:
		return 0, OutcomeErrorUnsupportedFramePointerAction, false
	}
}

// binarySearchRow finds the greatest row whose Pc <= relPC within
// chunk's row range, bounded to layout.MaxBinarySearchDepth iterations.
func (u *Unwinder) binarySearchRow(chunk layout.Chunk, relPC uint64) (layout.Row, Outcome, bool) {
	lo, hi := chunk.LowIndex, chunk.HighIndex
	if lo >= hi {
		return layout.Row{}, OutcomeErrorShouldNeverHappen, false
	}

	var result layout.Row
	found := false
	for iterations := 0; lo < hi; iterations++ {
		if iterations >= layout.MaxBinarySearchDepth {
			return layout.Row{}, OutcomeErrorShouldNeverHappen, false
		}
		mid := lo + (hi-lo)/2
		row, ok := u.rows.RowAt(chunk.ShardIndex, mid)
		if !ok {
			return layout.Row{}, OutcomeErrorShouldNeverHappen, false
		}
		if row.Pc <= relPC {
			result = row
			found = true
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if !found {
		return layout.Row{}, OutcomeErrorPcNotCovered, false
	}
	return result, 0, true
}

// walkFramePointers is the fast path used for JIT-marked processes: plain
// rbp-chain walking to completion.
func (u *Unwinder) walkFramePointers(pid int, state *layout.UnwinderState) Outcome {
	for state.Stack.Len < layout.MaxStackDepth {
		outcome, cont := u.fpStep(pid, state)
		if !cont {
			return outcome
		}
	}
	return OutcomeErrorTruncated
}

// fpStep performs a single frame-pointer-chain step: read the return
// address at [rbp+8] and the saved rbp at [rbp], push the return address,
// and follow the chain. It backs both walkFramePointers (a JIT-marked
// process's whole walk) and invoke's per-mapping fallback (a mapping with
// no published chunks is walked by frame pointers only, for as long as
// the chain stays inside that mapping). cont is false on any terminal
// outcome (success or error); the caller stops in that case instead of
// looping further.
func (u *Unwinder) fpStep(pid int, state *layout.UnwinderState) (Outcome, bool) {
	if state.BP == 0 {
		return OutcomeSuccessFramePointer, false
	}
	ret, err := u.mem.ReadU64(pid, state.BP+8)
	if err != nil {
		return OutcomeErrorCatchall, false
	}
	savedBP, err := u.mem.ReadU64(pid, state.BP)
	if err != nil {
		return OutcomeErrorCatchall, false
	}
	state.Stack.Addresses[state.Stack.Len] = ret
	state.Stack.Len++
	state.BP = savedBP
	if ret == 0 || state.Stack.Len == layout.MaxStackDepth {
		return OutcomeSuccessFramePointer, false
	}
	state.IP = ret
	return 0, true
}

func findMapping(mappings []layout.Mapping, ip uint64) (layout.Mapping, bool) {
	for _, m := range mappings {
		if m.Type == layout.MappingTypeFileBacked || m.Type == layout.MappingTypeJitted {
			if m.Contains(ip) || (m.Type == layout.MappingTypeJitted && ip >= m.Begin && ip < m.End) {
				return m, true
			}
		}
	}
	return layout.Mapping{}, false
}

func findChunk(chunks []layout.Chunk, relPC uint64) (layout.Chunk, bool) {
	lo, hi := 0, len(chunks)
	for lo < hi {
		mid := lo + (hi-lo)/2
		c := chunks[mid]
		switch {
		case relPC < c.LowPC:
			hi = mid
		case relPC >= c.HighPC:
			lo = mid + 1
		default:
			return c, true
		}
	}
	return layout.Chunk{}, false
}
