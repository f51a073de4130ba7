// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package instr defines the Instruction value type: an immutable byte
// sequence of bounded length with a total order that drives enumeration.
// The order is lexicographic over bytes with shorter sequences ordered
// before their extensions ([0xAB] < [0xAB 0x00] < [0xAC]).
package instr

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MaxLen is the longest instruction the engine will ever probe.
// 15 bytes is the architectural limit on x86.
const MaxLen = 15

// Instruction is a value type and can be used as a map key.
// The zero value is the empty instruction, which is not valid
// as a probe candidate but serves as an "absent" marker.
type Instruction struct {
	len  uint8
	data [MaxLen]byte
}

func New(b []byte) Instruction {
	if len(b) == 0 || len(b) > MaxLen {
		panic(fmt.Sprintf("bad instruction length %v", len(b)))
	}
	var ins Instruction
	ins.len = uint8(len(b))
	copy(ins.data[:], b)
	return ins
}

func (ins Instruction) Empty() bool {
	return ins.len == 0
}

func (ins Instruction) Len() int {
	return int(ins.len)
}

// Bytes returns the instruction bytes. The receiver is a value,
// so the returned slice does not alias any shared storage.
func (ins Instruction) Bytes() []byte {
	return ins.data[:ins.len]
}

func (ins Instruction) Byte(i int) byte {
	if i < 0 || i >= int(ins.len) {
		panic(fmt.Sprintf("instruction byte index %v out of range (len %v)", i, ins.len))
	}
	return ins.data[i]
}

// Cmp implements the total enumeration order:
// lexicographic over bytes, shorter-is-smaller at equal prefixes.
func (ins Instruction) Cmp(other Instruction) int {
	if c := bytes.Compare(ins.commonPrefix(other), other.commonPrefix(ins)); c != 0 {
		return c
	}
	switch {
	case ins.len < other.len:
		return -1
	case ins.len > other.len:
		return 1
	}
	return 0
}

func (ins Instruction) Less(other Instruction) bool {
	return ins.Cmp(other) < 0
}

// CmpPrefix compares only the common-length prefixes of the two
// instructions. A result of 0 means one is a prefix of the other
// (or they are equal). Range upper bounds use this comparison so
// that a bound admits its whole byte subtree: with to = [0x3F],
// [0x3F 0x00] is still inside the range.
func (ins Instruction) CmpPrefix(other Instruction) int {
	return bytes.Compare(ins.commonPrefix(other), other.commonPrefix(ins))
}

func (ins Instruction) commonPrefix(other Instruction) []byte {
	n := ins.len
	if other.len < n {
		n = other.len
	}
	return ins.data[:n]
}

func (ins Instruction) HasPrefix(p Instruction) bool {
	return ins.len >= p.len && bytes.Equal(ins.data[:p.len], p.data[:p.len])
}

// Extend appends a 0x00 byte, producing the immediate successor
// in the enumeration order. Fails at MaxLen.
func (ins Instruction) Extend() (Instruction, bool) {
	if ins.len == MaxLen {
		return Instruction{}, false
	}
	next := ins
	next.data[next.len] = 0
	next.len++
	return next, true
}

// SkipSubtree returns the smallest instruction greater than ins that
// does not have ins as a prefix: the last byte is incremented, with
// exhausted 0xFF tail bytes dropped. Fails when ins and its subtree
// are the tail of the whole space.
func (ins Instruction) SkipSubtree() (Instruction, bool) {
	next := ins
	for next.len > 0 {
		i := next.len - 1
		if next.data[i] != 0xff {
			next.data[i]++
			return next, true
		}
		next.data[i] = 0
		next.len--
	}
	return Instruction{}, false
}

// Next returns the immediate successor in the enumeration order.
func (ins Instruction) Next() (Instruction, bool) {
	if next, ok := ins.Extend(); ok {
		return next, true
	}
	return ins.SkipSubtree()
}

func (ins Instruction) String() string {
	parts := make([]string, ins.len)
	for i := 0; i < int(ins.len); i++ {
		parts[i] = fmt.Sprintf("%02X", ins.data[i])
	}
	return strings.Join(parts, " ")
}

func Parse(s string) (Instruction, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Instruction{}, fmt.Errorf("failed to parse instruction %q: %w", s, err)
	}
	if len(b) == 0 || len(b) > MaxLen {
		return Instruction{}, fmt.Errorf("bad instruction length %v in %q", len(b), s)
	}
	return New(b), nil
}

func (ins Instruction) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(ins.Bytes()))
}

func (ins *Instruction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*ins = Instruction{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*ins = parsed
	return nil
}

// Gob encoding is needed to pass instructions over net/rpc.

func (ins Instruction) GobEncode() ([]byte, error) {
	return ins.Bytes(), nil
}

func (ins *Instruction) GobDecode(data []byte) error {
	if len(data) == 0 || len(data) > MaxLen {
		return fmt.Errorf("bad instruction length %v", len(data))
	}
	*ins = New(data)
	return nil
}

// Sort sorts instructions in the enumeration order.
func Sort(list []Instruction) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Less(list[j])
	})
}
