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

// Package unwinder implements a bounded-step simulation of the in-kernel
// unwinder program: a real deployment runs this logic verified and
// sandboxed inside the host's sampling interrupt; here it is expressed as
// an ordinary (but budget-enforced) Go function, so the walking algorithm
// and its counted error taxonomy are testable without a kernel.
package unwinder

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// MemoryReader reads 8-byte little-endian words out of a live process's
// address space, standing in for the kernel-side program's direct memory
// access to the interrupted task's user stack.
type MemoryReader interface {
	ReadU64(pid int, addr uint64) (uint64, error)
}

// ProcessVMReader reads target memory via process_vm_readv(2).
type ProcessVMReader struct{}

// ReadU64 reads 8 bytes at addr in pid's address space.
func (ProcessVMReader) ReadU64(pid int, addr uint64) (uint64, error) {
	var buf [8]byte
	local := []unix.Iovec{{Base: &buf[0], Len: 8}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: int(8)}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_readv(pid=%d, addr=0x%x): %w", pid, addr, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("process_vm_readv(pid=%d, addr=0x%x): short read of %d bytes", pid, addr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
