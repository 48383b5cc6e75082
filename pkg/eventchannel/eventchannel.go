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

// Package eventchannel implements a bounded kernel-to-user event queue:
// process discovery signals a new PID via EVENT_NEW_PROCESS, and a full
// queue is a counted (not silently dropped) condition that user-space
// reconciles for on its own cadence.
package eventchannel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// EventType tags the (currently single-variant) event payload, kept as
// its own type since more variants and dispatch-by-tag are the expected
// direction of growth here.
type EventType uint8

const (
	EventNewProcess EventType = 1
)

// Event is one queue entry.
type Event struct {
	Type EventType
	PID  int
}

// Channel is a bounded, non-blocking event queue. Sends never block the
// producer (the sampling path): a full queue drops the event and
// increments Missed instead, since the kernel-side domain this stands in
// for may not sleep.
type Channel struct {
	events chan Event
	missed prometheus.Counter
	missedCount atomic.Uint64
}

// New constructs a Channel with the given capacity.
func New(capacity int, reg prometheus.Registerer) *Channel {
	factory := promauto.With(reg)
	return &Channel{
		events: make(chan Event, capacity),
		missed: factory.NewCounter(prometheus.CounterOpts{
			Name: "duskprofd_eventchannel_missed_events_total",
			Help: "Number of events dropped because the event channel was full.",
		}),
	}
}

// Send enqueues an event without blocking. Returns false (and counts a
// miss) if the queue is full.
func (c *Channel) Send(e Event) bool {
	select {
	case c.events <- e:
		return true
	default:
		c.missed.Inc()
		c.missedCount.Inc()
		return false
	}
}

// NewProcess is a convenience wrapper for the sole event variant defined
// so far.
func (c *Channel) NewProcess(pid int) bool {
	return c.Send(Event{Type: EventNewProcess, PID: pid})
}

// Events exposes the receive side for the consumer's control loop.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Missed returns the number of events dropped so far. The consumer's
// control loop watches this counter and triggers a full reconciliation
// pass (re-reading every live process's mappings from procfs) whenever it
// advances.
func (c *Channel) Missed() uint64 {
	return c.missedCount.Load()
}
