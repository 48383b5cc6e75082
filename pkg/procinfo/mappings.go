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

// Package procinfo implements the process-mapping tracker: it maintains,
// per live process, the ordered list of executable memory mappings and
// drives CFI publication for any executable not yet seen.
package procinfo

import (
	"encoding/gob"
	"fmt"
	"hash/maphash"
	"strings"

	"github.com/prometheus/procfs"
)

var mappingHashSeed = maphash.MakeSeed()

// rawMapping is one executable memory mapping as read from a process's
// /proc/<pid>/maps, before load-address resolution.
type rawMapping struct {
	StartAddr  uint64
	EndAddr    uint64
	Executable string
}

// IsJitted reports whether the mapping is not backed by any file, the
// signature of JIT-generated code.
func (m rawMapping) IsJitted() bool { return m.Executable == "" }

// IsJitDump reports whether the mapping looks like a jitdump[0] file.
//
// [0]: https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/tree/tools/perf/Documentation/jitdump-specification.txt
func (m rawMapping) IsJitDump() bool {
	return strings.Contains(m.Executable, "jit") && strings.HasSuffix(m.Executable, ".dump")
}

// IsSpecial reports whether the mapping is a "special" region such as
// `[vdso]`.
func (m rawMapping) IsSpecial() bool {
	return len(m.Executable) > 0 && m.Executable[0] == '['
}

// resolvedMapping additionally carries the load address computed by
// scanning backward through mappings sharing the same pathname.
type resolvedMapping struct {
	rawMapping
	LoadAddr uint64
	mainExec bool
}

// listExecutableMappings extracts the executable mappings from a raw
// /proc/<pid>/maps read, in file order, resolving each's load address:
// ELF executables are typically split across several mappings (.text
// executable, .rodata not), so the load address is the start of the
// first mapping in the contiguous run sharing the same pathname.
func listExecutableMappings(procMaps []*procfs.ProcMap) []resolvedMapping {
	var result []resolvedMapping
	firstSeen := false
	for idx, m := range procMaps {
		if !m.Perms.Execute {
			continue
		}
		var loadAddr uint64
		if m.Pathname != "" {
			for revIdx := idx; revIdx >= 0; revIdx-- {
				if procMaps[revIdx].Pathname != m.Pathname {
					break
				}
				loadAddr = uint64(procMaps[revIdx].StartAddr)
			}
		}
		rm := resolvedMapping{
			rawMapping: rawMapping{
				StartAddr:  uint64(m.StartAddr),
				EndAddr:    uint64(m.EndAddr),
				Executable: m.Pathname,
			},
			LoadAddr: loadAddr,
			mainExec: !firstSeen,
		}
		if rm.IsJitDump() {
			continue
		}
		result = append(result, rm)
		firstSeen = true
	}
	return result
}

// mappingSetHash summarizes a mapping list so the tracker can cheaply
// detect that a process's mapping set hasn't changed since the last
// refresh.
func mappingSetHash(mappings []resolvedMapping) (uint64, error) {
	var h maphash.Hash
	h.SetSeed(mappingHashSeed)
	// gob skips unexported fields, including the embedded rawMapping, so
	// the hashed fields are copied into an exported flat form first.
	type hashedMapping struct {
		StartAddr, EndAddr, LoadAddr uint64
		Executable                   string
	}
	flat := make([]hashedMapping, len(mappings))
	for i, m := range mappings {
		flat[i] = hashedMapping{m.StartAddr, m.EndAddr, m.LoadAddr, m.Executable}
	}
	if err := gob.NewEncoder(&h).Encode(flat); err != nil {
		return 0, fmt.Errorf("encode mappings: %w", err)
	}
	return h.Sum64(), nil
}
