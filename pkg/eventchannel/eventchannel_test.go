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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendAndReceive(t *testing.T) {
	ch := New(4, nil)
	require.True(t, ch.NewProcess(123))

	ev := <-ch.Events()
	require.Equal(t, EventNewProcess, ev.Type)
	require.Equal(t, 123, ev.PID)
}

func TestSendNeverBlocksOnFullQueue(t *testing.T) {
	ch := New(2, nil)
	require.True(t, ch.Send(Event{Type: EventNewProcess, PID: 1}))
	require.True(t, ch.Send(Event{Type: EventNewProcess, PID: 2}))

	// Queue is now full; a third send must drop rather than block.
	ok := ch.Send(Event{Type: EventNewProcess, PID: 3})
	require.False(t, ok)
	require.Equal(t, uint64(1), ch.Missed())
}

func TestMissedCountsEachDrop(t *testing.T) {
	ch := New(0, nil)
	for i := 0; i < 5; i++ {
		ch.Send(Event{Type: EventNewProcess, PID: i})
	}
	require.Equal(t, uint64(5), ch.Missed())
}
