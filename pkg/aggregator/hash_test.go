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

package aggregator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskstack/duskprofd/pkg/layout"
)

func TestHashStackFoldsAllSlots(t *testing.T) {
	a := layout.NativeStack{Len: 2}
	a.Addresses[0] = 0x1000
	a.Addresses[1] = 0x2000

	b := a
	// Differ only past Len: a length-bounded fold would treat these as
	// identical, but hash_stack() folds every layout.MaxStackDepth slot
	// regardless of Len, so the two must hash differently.
	b.Addresses[layout.MaxStackDepth-1] = 0xdeadbeef

	require.NotEqual(t, hashStack(a), hashStack(b))
}

func TestHashStackDeterministic(t *testing.T) {
	s := layout.NativeStack{Len: 3}
	s.Addresses[0] = 0x1111
	s.Addresses[1] = 0x2222
	s.Addresses[2] = 0x3333

	require.Equal(t, hashStack(s), hashStack(s))
}

func TestHashStackSensitiveToLength(t *testing.T) {
	a := layout.NativeStack{Len: 1}
	a.Addresses[0] = 0x1000

	b := layout.NativeStack{Len: 2}
	b.Addresses[0] = 0x1000

	require.NotEqual(t, hashStack(a), hashStack(b))
}
