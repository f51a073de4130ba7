// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package filter implements byte-sequence patterns describing the full
// equivalence class matched by one discovered encoding.
//
// A filter is a sequence of per-byte patterns (fixed bits + don't-care
// bits) plus optional register-field constraints that exclude specific
// values of a don't-care bit group. A filter of length n matches any
// instruction of length >= n whose first n bytes satisfy all patterns:
// once a byte prefix decodes as a complete instruction, every extension
// of it belongs to the same class.
package filter

import (
	"fmt"
	"strings"

	"github.com/encprobe/encprobe/pkg/instr"
)

// Pattern constrains one instruction byte. Bits set in Mask are fixed
// to the corresponding bits of Value; clear bits are don't-care.
type Pattern struct {
	Mask  byte `json:"mask"`
	Value byte `json:"value"`
}

// Field names a group of don't-care bits holding a register number and
// excludes specific register values from the class (the excluded values
// typically encode differently and are covered by other filters).
type Field struct {
	Byte    int    `json:"byte"`  // index of the byte holding the field
	Shift   uint   `json:"shift"` // low bit position within the byte
	Width   uint   `json:"width"`
	Exclude []byte `json:"exclude"`
}

func (f *Field) mask() byte {
	return byte((1<<f.Width - 1) << f.Shift)
}

func (f *Field) extract(b byte) byte {
	return (b >> f.Shift) & byte(1<<f.Width-1)
}

func (f *Field) excluded(v byte) bool {
	for _, x := range f.Exclude {
		if v == x {
			return true
		}
	}
	return false
}

type Filter struct {
	Pattern []Pattern `json:"pattern"`
	Fields  []Field   `json:"fields,omitempty"`
}

// New builds a filter and validates its shape: fields must lie within
// don't-care bits of their byte, must not overlap, and must leave at
// least one allowed value.
func New(pattern []Pattern, fields []Field) (*Filter, error) {
	if len(pattern) == 0 || len(pattern) > instr.MaxLen {
		return nil, fmt.Errorf("bad filter length %v", len(pattern))
	}
	used := make([]byte, len(pattern))
	for i, f := range fields {
		if f.Byte < 0 || f.Byte >= len(pattern) {
			return nil, fmt.Errorf("field %v byte index %v out of range", i, f.Byte)
		}
		if f.Width == 0 || f.Shift+f.Width > 8 {
			return nil, fmt.Errorf("field %v has bad shape shift=%v width=%v", i, f.Shift, f.Width)
		}
		m := f.mask()
		if m&pattern[f.Byte].Mask != 0 {
			return nil, fmt.Errorf("field %v overlaps fixed bits", i)
		}
		if m&used[f.Byte] != 0 {
			return nil, fmt.Errorf("field %v overlaps another field", i)
		}
		used[f.Byte] |= m
		if len(f.Exclude) >= 1<<f.Width {
			return nil, fmt.Errorf("field %v excludes all %v values", i, 1<<f.Width)
		}
	}
	norm := make([]Pattern, len(pattern))
	for i, p := range pattern {
		norm[i] = Pattern{Mask: p.Mask, Value: p.Value & p.Mask}
	}
	return &Filter{Pattern: norm, Fields: fields}, nil
}

// Exact returns the filter matching precisely the given byte pattern
// (and its extensions). Used to blacklist an instruction the oracle
// rejected so it is never probed again.
func Exact(ins instr.Instruction) *Filter {
	pattern := make([]Pattern, ins.Len())
	for i := range pattern {
		pattern[i] = Pattern{Mask: 0xff, Value: ins.Byte(i)}
	}
	return &Filter{Pattern: pattern}
}

func (f *Filter) Len() int {
	return len(f.Pattern)
}

func (f *Filter) Matches(ins instr.Instruction) bool {
	if ins.Len() < len(f.Pattern) {
		return false
	}
	for i, p := range f.Pattern {
		if ins.Byte(i)&p.Mask != p.Value {
			return false
		}
	}
	for i := range f.Fields {
		fld := &f.Fields[i]
		if fld.excluded(fld.extract(ins.Byte(fld.Byte))) {
			return false
		}
	}
	return true
}

// SmallestMatching returns the least instruction (in enumeration order)
// matched by the filter. Used to order filters reproducibly.
func (f *Filter) SmallestMatching() instr.Instruction {
	b := make([]byte, len(f.Pattern))
	for i, p := range f.Pattern {
		b[i] = p.Value
	}
	for i := range f.Fields {
		fld := &f.Fields[i]
		v := fld.extract(b[fld.Byte])
		for fld.excluded(v) {
			v++ // cannot wrap: New rejects fields with all values excluded
		}
		b[fld.Byte] = b[fld.Byte]&^fld.mask() | v<<fld.Shift
	}
	return instr.New(b)
}

// LargestMatching returns the greatest matching n-byte value, ignoring
// extensions (the subtree of the result is also matched).
func (f *Filter) LargestMatching() instr.Instruction {
	b := make([]byte, len(f.Pattern))
	for i, p := range f.Pattern {
		b[i] = p.Value | ^p.Mask
	}
	for i := range f.Fields {
		fld := &f.Fields[i]
		v := fld.extract(b[fld.Byte])
		for fld.excluded(v) {
			v--
		}
		b[fld.Byte] = b[fld.Byte]&^fld.mask() | v<<fld.Shift
	}
	return instr.New(b)
}

// NextNotMatching returns the smallest instruction greater than ins
// that the filter does not match, or false if the filter covers the
// entire remaining instruction space above ins. ins must match the
// filter; the counter relies on this to skip a whole covered class in
// one query without ever stepping over an uncovered instruction.
func (f *Filter) NextNotMatching(ins instr.Instruction) (instr.Instruction, bool) {
	if !f.Matches(ins) {
		panic(fmt.Sprintf("NextNotMatching(%v) on non-matching filter %v", ins, f))
	}
	n := len(f.Pattern)
	p := append([]byte(nil), ins.Bytes()[:n]...)
	for {
		// Saturate don't-care bits of the last byte below its lowest
		// fixed bit: all skipped values differ from p only in those
		// bits, so they match the byte patterns, and no shorter
		// sequence sorts between them. Skipping is unsound if an
		// exclusion field lives in the saturated bits, or if the last
		// byte has no fixed bits at all (then the whole byte is
		// saturated instead, which is equally safe).
		last := &f.Pattern[n-1]
		sat := byte(0xff)
		if last.Mask != 0 {
			sat = last.Mask&-last.Mask - 1 // bits below lowest fixed bit
		}
		if !f.fieldInBits(n-1, sat) {
			p[n-1] |= sat
		}
		q, ok := incSkipSubtree(p)
		if !ok {
			return instr.Instruction{}, false
		}
		next := instr.New(q)
		if len(q) < n || !f.Matches(next) {
			return next, true
		}
		p = q
	}
}

func (f *Filter) fieldInBits(byteIdx int, bits byte) bool {
	for i := range f.Fields {
		fld := &f.Fields[i]
		if fld.Byte == byteIdx && fld.mask()&bits != 0 {
			return true
		}
	}
	return false
}

// incSkipSubtree increments b as a big-endian integer, dropping
// trailing bytes that overflow. The result is the least instruction
// above the subtree of b. Returns false when b is all-0xff.
func incSkipSubtree(b []byte) ([]byte, bool) {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return b[:i+1], true
		}
	}
	return nil, false
}

// Key returns a canonical string identity for deduplication.
func (f *Filter) Key() string {
	var sb strings.Builder
	for _, p := range f.Pattern {
		fmt.Fprintf(&sb, "%02x/%02x:", p.Mask, p.Value)
	}
	for _, fld := range f.Fields {
		fmt.Fprintf(&sb, "f%v.%v.%v=%x:", fld.Byte, fld.Shift, fld.Width, fld.Exclude)
	}
	return sb.String()
}

// String renders the filter as bit patterns, one group per byte,
// with '*' marking don't-care bits.
func (f *Filter) String() string {
	parts := make([]string, len(f.Pattern))
	for i, p := range f.Pattern {
		var sb strings.Builder
		for bit := 7; bit >= 0; bit-- {
			m := byte(1) << uint(bit)
			switch {
			case p.Mask&m == 0:
				sb.WriteByte('*')
			case p.Value&m != 0:
				sb.WriteByte('1')
			default:
				sb.WriteByte('0')
			}
		}
		parts[i] = sb.String()
	}
	return strings.Join(parts, " ")
}
