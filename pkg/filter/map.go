// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package filter

import (
	"github.com/encprobe/encprobe/pkg/instr"
)

// Map indexes filters by the artifact that produced them and answers
// "which artifact covers instruction X?". Filters are bucketed on the
// fixed bits of their first byte, so a lookup scans only the filters
// that can possibly match. Overlapping and duplicate filters are fine;
// the lookup returns an arbitrary matching artifact.
type Map struct {
	buckets [256][]mapEntry
	count   int
}

type mapEntry struct {
	filter *Filter
	index  int
}

// Add registers a filter produced by the artifact with the given index.
// The entry is replicated into every first-byte bucket the filter can
// match; don't-care bits in the first byte multiply the replicas.
func (m *Map) Add(f *Filter, index int) {
	m.count++
	p := f.Pattern[0]
	entry := mapEntry{filter: f, index: index}
	// Enumerate all first-byte values compatible with the pattern by
	// iterating the don't-care bits as a packed sub-integer.
	wild := ^p.Mask
	sub := byte(0)
	for {
		m.buckets[p.Value|sub] = append(m.buckets[p.Value|sub], entry)
		sub = (sub + 1 + p.Mask) & wild
		if sub == 0 {
			break
		}
	}
}

// Filters returns the artifact index of some filter matching ins.
func (m *Map) Filters(ins instr.Instruction) (int, bool) {
	for _, e := range m.buckets[ins.Byte(0)] {
		if e.filter.Matches(ins) {
			return e.index, true
		}
	}
	return 0, false
}

// Len returns the number of registered filters.
func (m *Map) Len() int {
	return m.count
}
