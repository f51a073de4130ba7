// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package counter implements the instruction cursor that drives one
// enumeration worker: a position within a closed range of instruction
// space plus a growing set of filters describing the classes already
// covered. Advancing yields the smallest in-range instruction above the
// current position that no loaded filter matches.
package counter

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/encprobe/encprobe/pkg/filter"
	"github.com/encprobe/encprobe/pkg/instr"
)

// Counter is not safe for concurrent use; every worker owns its own.
type Counter struct {
	from    instr.Instruction
	to      instr.Instruction // empty = unbounded above
	current instr.Instruction
	started bool // current has been handed out at least once

	// Filters are bucketed on the first byte like filter.Map, but the
	// counter additionally keeps every filter in a flat list so the
	// skip structure can be recomputed from scratch.
	filters []*filter.Filter
	buckets [256][]*filter.Filter

	// Covered runs recorded by long skip chains. A run [lo, hi) means
	// every instruction in it was matched by some loaded filter when
	// the run was recorded; filters are only ever added between
	// rebuilds, so recorded runs stay covered. Runs are consulted only
	// in tunneling mode. The first sortedRuns entries are sorted and
	// disjoint; entries recorded since the last rebuild follow unsorted.
	runs       []run
	sortedRuns int
	tunnel     bool
}

type run struct {
	lo, hi instr.Instruction // half-open in enumeration order
}

// tunnelThreshold is the number of consecutive filter hops in a single
// advance after which the traversed window is recorded as a covered run.
const tunnelThreshold = 16

// Range creates a cursor over [from, to]. The upper bound is
// subtree-inclusive: to = [0x3F] admits [0x3F xx...]. An empty to
// means the range extends to the end of instruction space.
func Range(from, to instr.Instruction) *Counter {
	if from.Empty() {
		panic("counter range with empty from")
	}
	if !to.Empty() && to.Less(from) {
		panic(fmt.Sprintf("counter range [%v, %v] is inverted", from, to))
	}
	return &Counter{from: from, to: to, current: from}
}

func (c *Counter) From() instr.Instruction { return c.from }
func (c *Counter) To() instr.Instruction   { return c.to }

// Current returns the cursor position: the last instruction handed out,
// or from if the counter has not advanced yet.
func (c *Counter) Current() instr.Instruction { return c.current }

// Started reports whether the counter has handed out any instruction.
func (c *Counter) Started() bool { return c.started }

// EnableTunnel toggles covered-run jumps. Disabled counters advance
// filter by filter; results are identical, only speed differs.
func (c *Counter) EnableTunnel(on bool) { c.tunnel = on }

func (c *Counter) NumFilters() int { return len(c.filters) }

// Insert adds a filter to the skip set. Duplicates are tolerated and
// removed by the next RebuildInplace.
func (c *Counter) Insert(f *filter.Filter) {
	c.filters = append(c.filters, f)
	c.bucket(f)
}

func (c *Counter) bucket(f *filter.Filter) {
	p := f.Pattern[0]
	wild := ^p.Mask
	sub := byte(0)
	for {
		b := p.Value | sub
		c.buckets[b] = append(c.buckets[b], f)
		sub = (sub + 1 + p.Mask) & wild
		if sub == 0 {
			break
		}
	}
}

// Seek moves the cursor to an arbitrary position within the range.
// The worker uses it to rewind after a probe that did not complete.
func (c *Counter) Seek(pos instr.Instruction, started bool) {
	if pos.Less(c.from) || !c.inRange(pos) {
		panic(fmt.Sprintf("seek to %v outside range [%v, %v]", pos, c.from, c.to))
	}
	c.current = pos
	c.started = started
}

// ClearFilters removes all loaded filters and recorded runs.
func (c *Counter) ClearFilters() {
	c.filters = nil
	c.buckets = [256][]*filter.Filter{}
	c.runs = nil
	c.sortedRuns = 0
}

// Next advances to the smallest uncovered instruction above the current
// position (or the position itself on the first call) and returns it.
// Returns false when the range is exhausted.
func (c *Counter) Next() (instr.Instruction, bool) {
	cand := c.current
	if c.started {
		next, ok := cand.Next()
		if !ok {
			return instr.Instruction{}, false
		}
		cand = next
	}
	hops := 0
	chainStart := cand
	for c.inRange(cand) {
		if c.tunnel {
			if jump, ok := c.runJump(cand); ok {
				cand = jump
				continue
			}
		}
		f := c.match(cand)
		if f == nil {
			if hops >= tunnelThreshold {
				c.recordRun(chainStart, cand)
			}
			c.current = cand
			c.started = true
			return cand, true
		}
		next, ok := f.NextNotMatching(cand)
		if !ok {
			return instr.Instruction{}, false
		}
		cand = next
		hops++
	}
	return instr.Instruction{}, false
}

func (c *Counter) inRange(ins instr.Instruction) bool {
	return c.to.Empty() || ins.CmpPrefix(c.to) <= 0
}

func (c *Counter) match(ins instr.Instruction) *filter.Filter {
	for _, f := range c.buckets[ins.Byte(0)] {
		if f.Matches(ins) {
			return f
		}
	}
	return nil
}

func (c *Counter) recordRun(lo, hi instr.Instruction) {
	c.runs = append(c.runs, run{lo: lo, hi: hi})
}

// runJump returns the end of a recorded covered run containing ins.
func (c *Counter) runJump(ins instr.Instruction) (instr.Instruction, bool) {
	// The sorted prefix is binary searched; runs recorded since the
	// last rebuild are scanned linearly.
	i := sort.Search(c.sortedRuns, func(i int) bool {
		return ins.Less(c.runs[i].hi)
	})
	if i < c.sortedRuns && !ins.Less(c.runs[i].lo) {
		return c.runs[i].hi, true
	}
	for _, r := range c.runs[c.sortedRuns:] {
		if !ins.Less(r.lo) && ins.Less(r.hi) {
			return r.hi, true
		}
	}
	return instr.Instruction{}, false
}

// RebuildInplace recompacts the skip structure: deduplicates filters,
// drops filters that can no longer match anything at or above the
// current position, re-sorts buckets by smallest matching instruction,
// and merges recorded runs. Cheap to call repeatedly; after loading a
// few hundred thousand filters it is what keeps Next affordable.
func (c *Counter) RebuildInplace() {
	seen := make(map[string]bool, len(c.filters))
	kept := c.filters[:0]
	for _, f := range c.filters {
		key := f.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if c.started {
			// The filter's largest match is an n-byte value whose
			// subtree bounds everything the filter can ever match.
			if last := f.LargestMatching(); last.CmpPrefix(c.current) < 0 {
				continue
			}
		}
		kept = append(kept, f)
	}
	c.filters = kept
	c.buckets = [256][]*filter.Filter{}
	for _, f := range c.filters {
		c.bucket(f)
	}
	for b := range c.buckets {
		bucket := c.buckets[b]
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].SmallestMatching().Less(bucket[j].SmallestMatching())
		})
	}
	c.mergeRuns()
}

func (c *Counter) mergeRuns() {
	if len(c.runs) == 0 {
		c.sortedRuns = 0
		return
	}
	sort.Slice(c.runs, func(i, j int) bool {
		return c.runs[i].lo.Less(c.runs[j].lo)
	})
	merged := c.runs[:1]
	for _, r := range c.runs[1:] {
		last := &merged[len(merged)-1]
		if !last.hi.Less(r.lo) {
			if last.hi.Less(r.hi) {
				last.hi = r.hi
			}
			continue
		}
		merged = append(merged, r)
	}
	c.runs = merged
	c.sortedRuns = len(merged)
}

// state is the persisted form of a counter; filters are not saved,
// they are reinstalled from the artifact log on load.
type state struct {
	From    instr.Instruction `json:"from"`
	To      instr.Instruction `json:"to,omitempty"`
	Current instr.Instruction `json:"current"`
	Started bool              `json:"started"`
}

func (c *Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(state{From: c.from, To: c.to, Current: c.current, Started: c.started})
}

func (c *Counter) UnmarshalJSON(data []byte) error {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.From.Empty() {
		return fmt.Errorf("counter state with empty from")
	}
	if s.Current.Empty() || s.Current.Less(s.From) {
		return fmt.Errorf("counter state with current %v below from %v", s.Current, s.From)
	}
	if !s.To.Empty() && s.Current.CmpPrefix(s.To) > 0 {
		return fmt.Errorf("counter position %v exceeds range bound %v", s.Current, s.To)
	}
	c.from, c.to, c.current, c.started = s.From, s.To, s.Current, s.Started
	return nil
}
