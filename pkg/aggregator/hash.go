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

// Package aggregator implements the stack-trace table and counts map: it
// deduplicates stacks by a stable hash, counts occurrences, and streams
// (stack, count) tuples to an external renderer.
package aggregator

import "github.com/duskstack/duskprofd/pkg/layout"

// MurmurHash64A constants, matching the in-kernel hash_stack() exactly so
// that a real deployment's kernel-computed stack_id and this package's
// user-space recomputation (used only for local/testing runs) agree.
const (
	murmurMagic = 0xc6a4a7935bd1e995
	murmurR     = 47
	murmurSeed  = 123
)

// hashStack folds a stack's frame count and its addresses through
// MurmurHash64A, exactly as the in-kernel aggregator does before
// inserting into the fixed-capacity stack-trace table. The fold always
// runs over all layout.MaxStackDepth slots, not just the first stack.Len
// of them: the reference hash_stack() has no notion of a "used" prefix,
// it folds the whole fixed-size array, so the trailing zero slots still
// contribute h *= magic passes that a Len-bounded loop would skip.
func hashStack(stack layout.NativeStack) uint64 {
	h := uint64(murmurSeed) ^ (uint64(stack.Len) * murmurMagic)
	for i := 0; i < layout.MaxStackDepth; i++ {
		k := stack.Addresses[i] * murmurMagic
		k ^= k >> murmurR
		k *= murmurMagic
		h ^= k
		h *= murmurMagic
	}
	return h
}
