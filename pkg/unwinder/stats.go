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

import "go.uber.org/atomic"

// Outcome is the terminal result of one stack walk: one of two success
// paths, or one of the distinct ways a walk can fail to unwind a frame.
type Outcome uint8

const (
	OutcomeSuccessDwarf Outcome = iota
	OutcomeSuccessFramePointer
	OutcomeErrorTruncated
	OutcomeErrorUnsupportedExpression
	OutcomeErrorUnsupportedFramePointerAction
	OutcomeErrorUnsupportedCFARegister
	OutcomeErrorCatchall
	OutcomeErrorShouldNeverHappen
	OutcomeErrorPcNotCovered
	OutcomeErrorJit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccessDwarf:
		return "success_dwarf"
	case OutcomeSuccessFramePointer:
		return "success_frame_pointer"
	case OutcomeErrorTruncated:
		return "error_truncated"
	case OutcomeErrorUnsupportedExpression:
		return "error_unsupported_expression"
	case OutcomeErrorUnsupportedFramePointerAction:
		return "error_unsupported_frame_pointer_action"
	case OutcomeErrorUnsupportedCFARegister:
		return "error_unsupported_cfa_register"
	case OutcomeErrorCatchall:
		return "error_catchall"
	case OutcomeErrorShouldNeverHappen:
		return "error_should_never_happen"
	case OutcomeErrorPcNotCovered:
		return "error_pc_not_covered"
	case OutcomeErrorJit:
		return "error_jit"
	default:
		return "unknown"
	}
}

// Stats mirrors the in-kernel unwinder's per-outcome counters, incremented
// with atomics since, in a real deployment, many CPUs finalize samples
// concurrently.
type Stats struct {
	Total                             atomic.Uint64
	SuccessDwarf                      atomic.Uint64
	SuccessFramePointer               atomic.Uint64
	ErrorTruncated                    atomic.Uint64
	ErrorUnsupportedExpression        atomic.Uint64
	ErrorUnsupportedFramePointerAction atomic.Uint64
	ErrorUnsupportedCFARegister       atomic.Uint64
	ErrorCatchall                     atomic.Uint64
	ErrorShouldNeverHappen            atomic.Uint64
	ErrorPcNotCovered                 atomic.Uint64
	ErrorJit                          atomic.Uint64
}

// Record increments the counter matching outcome.
func (s *Stats) Record(outcome Outcome) {
	s.Total.Inc()
	switch outcome {
	case OutcomeSuccessDwarf:
		s.SuccessDwarf.Inc()
	case OutcomeSuccessFramePointer:
		s.SuccessFramePointer.Inc()
	case OutcomeErrorTruncated:
		s.ErrorTruncated.Inc()
	case OutcomeErrorUnsupportedExpression:
		s.ErrorUnsupportedExpression.Inc()
	case OutcomeErrorUnsupportedFramePointerAction:
		s.ErrorUnsupportedFramePointerAction.Inc()
	case OutcomeErrorUnsupportedCFARegister:
		s.ErrorUnsupportedCFARegister.Inc()
	case OutcomeErrorCatchall:
		s.ErrorCatchall.Inc()
	case OutcomeErrorShouldNeverHappen:
		s.ErrorShouldNeverHappen.Inc()
	case OutcomeErrorPcNotCovered:
		s.ErrorPcNotCovered.Inc()
	case OutcomeErrorJit:
		s.ErrorJit.Inc()
	}
}

// Snapshot is a point-in-time copy suitable for a periodic statistics
// print.
type Snapshot struct {
	Total, SuccessDwarf, SuccessFramePointer                                     uint64
	ErrorTruncated, ErrorUnsupportedExpression, ErrorUnsupportedFramePointerAction uint64
	ErrorUnsupportedCFARegister, ErrorCatchall, ErrorShouldNeverHappen           uint64
	ErrorPcNotCovered, ErrorJit                                                  uint64
}

// Snapshot reads the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Total:                              s.Total.Load(),
		SuccessDwarf:                       s.SuccessDwarf.Load(),
		SuccessFramePointer:                s.SuccessFramePointer.Load(),
		ErrorTruncated:                     s.ErrorTruncated.Load(),
		ErrorUnsupportedExpression:         s.ErrorUnsupportedExpression.Load(),
		ErrorUnsupportedFramePointerAction: s.ErrorUnsupportedFramePointerAction.Load(),
		ErrorUnsupportedCFARegister:        s.ErrorUnsupportedCFARegister.Load(),
		ErrorCatchall:                      s.ErrorCatchall.Load(),
		ErrorShouldNeverHappen:             s.ErrorShouldNeverHappen.Load(),
		ErrorPcNotCovered:                  s.ErrorPcNotCovered.Load(),
		ErrorJit:                           s.ErrorJit.Load(),
	}
}
