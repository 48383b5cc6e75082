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

package eventchannel

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Reconciler is anything that can re-derive process state from scratch,
// e.g. by re-reading /proc for every tracked PID. It backstops events lost
// to a full Channel.
type Reconciler interface {
	ReconcileAll()
}

// ProcessHandler reacts to a newly observed process. Errors are logged and
// otherwise swallowed: a single process's mapping failure must never stall
// the control loop for every other process being profiled.
type ProcessHandler interface {
	HandleNewProcess(pid int) error
}

// LoopConfig tunes the control loop's cadence.
type LoopConfig struct {
	// ReconcileInterval is how often ReconcileAll runs unconditionally,
	// independent of any missed events, so drift never accumulates
	// silently even if Missed never advances.
	ReconcileInterval time.Duration
}

// DefaultLoopConfig mirrors the reference implementation's forced
// full-reconcile cadence.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{ReconcileInterval: 30 * time.Second}
}

// Run drives the event-consumption control loop until ctx is canceled: it
// drains Channel as events arrive, dispatches EVENT_NEW_PROCESS to
// handler, and periodically calls reconciler.ReconcileAll() both on a
// fixed interval and whenever Missed() has advanced since the last check,
// so a burst of dropped events never leaves stale process mappings behind
// for longer than one reconcile cycle.
func Run(ctx context.Context, logger log.Logger, ch *Channel, handler ProcessHandler, reconciler Reconciler, cfg LoopConfig) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg = DefaultLoopConfig()
	}

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	var lastMissed uint64

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch.Events():
			switch ev.Type {
			case EventNewProcess:
				if err := handler.HandleNewProcess(ev.PID); err != nil {
					level.Warn(logger).Log("msg", "failed to handle new process event", "pid", ev.PID, "err", err)
				}
			default:
				level.Warn(logger).Log("msg", "unknown event type", "type", ev.Type)
			}
		case <-ticker.C:
			reconciler.ReconcileAll()
		default:
			if missed := ch.Missed(); missed != lastMissed {
				level.Info(logger).Log("msg", "reconciling after missed events", "missed", missed-lastMissed)
				lastMissed = missed
				reconciler.ReconcileAll()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}
