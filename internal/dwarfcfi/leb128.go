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

package dwarfcfi

import "bytes"

// DecodeULEB128 decodes an unsigned little-endian base-128 varint from buf.
func DecodeULEB128(buf *bytes.Buffer) uint64 {
	var (
		result uint64
		shift  uint64
	)
	for {
		b, err := buf.ReadByte()
		if err != nil {
			return result
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result
}

// DecodeSLEB128 decodes a signed little-endian base-128 varint from buf.
func DecodeSLEB128(buf *bytes.Buffer) int64 {
	var (
		result int64
		shift  uint64
		b      byte
		err    error
	)
	for {
		b, err = buf.ReadByte()
		if err != nil {
			return result
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result
}
