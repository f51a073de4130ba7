// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package filter

import (
	"math/rand"
	"testing"

	"github.com/encprobe/encprobe/pkg/instr"
	"github.com/encprobe/encprobe/pkg/testutil"
)

func TestMatches(t *testing.T) {
	// ADD r/m64, r64 style: fixed opcode byte, modrm with a 3-bit
	// register field excluding 4 (encodes with a SIB byte instead).
	f, err := New(
		[]Pattern{{Mask: 0xff, Value: 0x01}, {Mask: 0xc0, Value: 0xc0}},
		[]Field{{Byte: 1, Shift: 0, Width: 3, Exclude: []byte{4}}},
	)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		ins  string
		want bool
	}{
		{"01 C0", true},
		{"01 FB", true},
		{"01 C0 90", true}, // extensions of a match still match
		{"01 80", false},   // mod bits wrong
		{"02 C0", false},   // opcode wrong
		{"01 C4", false},   // excluded register value
		{"01", false},      // too short
	}
	for _, test := range tests {
		ins, err := instr.Parse(test.ins)
		if err != nil {
			t.Fatal(err)
		}
		if got := f.Matches(ins); got != test.want {
			t.Errorf("Matches(%v) = %v, want %v", ins, got, test.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	pat := []Pattern{{Mask: 0xf0, Value: 0x40}}
	for _, fields := range [][]Field{
		{{Byte: 1, Shift: 0, Width: 3}},                            // byte out of range
		{{Byte: 0, Shift: 6, Width: 3}},                            // spills past bit 8
		{{Byte: 0, Shift: 4, Width: 2}},                            // overlaps fixed bits
		{{Byte: 0, Shift: 0, Width: 2}, {Byte: 0, Shift: 1, Width: 2}}, // fields overlap
		{{Byte: 0, Shift: 0, Width: 1, Exclude: []byte{0, 1}}},     // nothing left
	} {
		if _, err := New(pat, fields); err == nil {
			t.Errorf("New with fields %+v did not fail", fields)
		}
	}
	if _, err := New(nil, nil); err == nil {
		t.Errorf("New with empty pattern did not fail")
	}
}

func TestSmallestLargest(t *testing.T) {
	f, err := New(
		[]Pattern{{Mask: 0xff, Value: 0x01}, {Mask: 0xc0, Value: 0xc0}},
		[]Field{{Byte: 1, Shift: 0, Width: 3, Exclude: []byte{0, 7}}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.SmallestMatching().String(); got != "01 C1" {
		t.Errorf("SmallestMatching = %v", got)
	}
	if got := f.LargestMatching().String(); got != "01 FE" {
		t.Errorf("LargestMatching = %v", got)
	}
	ex := Exact(instr.New([]byte{0x90}))
	if ex.SmallestMatching() != ex.LargestMatching() {
		t.Errorf("exact filter has distinct bounds")
	}
}

// allUpTo2 lists every instruction of length 1 or 2 in enumeration order.
func allUpTo2() []instr.Instruction {
	list := make([]instr.Instruction, 0, 256*257)
	for b0 := 0; b0 < 256; b0++ {
		list = append(list, instr.New([]byte{byte(b0)}))
		for b1 := 0; b1 < 256; b1++ {
			list = append(list, instr.New([]byte{byte(b0), byte(b1)}))
		}
	}
	return list
}

// TestNextNotMatching checks the skip primitive against brute force:
// for every matching instruction of length <= 2, the result must be the
// very next non-matching instruction in enumeration order. Any
// instruction the skip steps over would otherwise never be probed.
func TestNextNotMatching(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	list := allUpTo2()
	for iter := 0; iter < 30; iter++ {
		f := randFilter(r)
		// nextNot[i] is the index of the first non-matching instruction
		// at or after position i, len(list) if none.
		nextNot := make([]int, len(list)+1)
		nextNot[len(list)] = len(list)
		for i := len(list) - 1; i >= 0; i-- {
			if f.Matches(list[i]) {
				nextNot[i] = nextNot[i+1]
			} else {
				nextNot[i] = i
			}
		}
		checked := 0
		for i, ins := range list {
			if !f.Matches(ins) {
				continue
			}
			checked++
			got, ok := f.NextNotMatching(ins)
			want := nextNot[i+1]
			if want == len(list) {
				if ok {
					t.Fatalf("filter %v: NextNotMatching(%v) = %v, want exhausted", f, ins, got)
				}
				continue
			}
			if !ok || got != list[want] {
				t.Fatalf("filter %v: NextNotMatching(%v) = %v/%v, want %v", f, ins, got, ok, list[want])
			}
		}
		if checked == 0 {
			t.Fatalf("filter %v matched nothing", f)
		}
	}
}

func randFilter(r *rand.Rand) *Filter {
	n := 1 + r.Intn(2)
	pattern := make([]Pattern, n)
	for i := range pattern {
		mask := byte(r.Intn(256))
		pattern[i] = Pattern{Mask: mask, Value: byte(r.Intn(256)) & mask}
	}
	var fields []Field
	// Sometimes carve a field out of the don't-care bits of a byte.
	if b := r.Intn(n); r.Intn(2) == 0 {
		wild := ^pattern[b].Mask
		for shift := uint(0); shift+3 <= 8; shift++ {
			m := byte(0x7 << shift)
			if wild&m == m {
				fields = append(fields, Field{
					Byte: b, Shift: shift, Width: 3,
					Exclude: []byte{byte(r.Intn(8))},
				})
				break
			}
		}
	}
	f, err := New(pattern, fields)
	if err != nil {
		panic(err)
	}
	return f
}

func TestMap(t *testing.T) {
	var m Map
	f1, _ := New([]Pattern{{Mask: 0xff, Value: 0x0f}, {Mask: 0xff, Value: 0xa2}}, nil)
	f2, _ := New([]Pattern{{Mask: 0xfe, Value: 0x88}, {Mask: 0xc0, Value: 0xc0}}, nil)
	m.Add(f1, 0)
	m.Add(f2, 1)
	if m.Len() != 2 {
		t.Fatalf("Len = %v", m.Len())
	}
	tests := []struct {
		ins   string
		index int
		ok    bool
	}{
		{"0F A2", 0, true},
		{"0F A2 55", 0, true},
		{"88 C1", 1, true},
		{"89 D2", 1, true}, // don't-care low bit of the first byte
		{"0F A3", 0, false},
		{"88 01", 0, false},
		{"90", 0, false},
	}
	for _, test := range tests {
		ins, err := instr.Parse(test.ins)
		if err != nil {
			t.Fatal(err)
		}
		index, ok := m.Filters(ins)
		if ok != test.ok || (ok && index != test.index) {
			t.Errorf("Filters(%v) = %v/%v, want %v/%v", ins, index, ok, test.index, test.ok)
		}
	}
}
