// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scan loads externally supplied instruction lists: either the
// ground-truth scan used for auditing progress, or a pre-filtered seed
// list for creating an enumeration.
package scan

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/encprobe/encprobe/pkg/instr"
	"github.com/encprobe/encprobe/pkg/log"
)

// LoadFile reads a JSON array of hex-encoded instructions.
func LoadFile(filename string) ([]instr.Instruction, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan file: %w", err)
	}
	var list []instr.Instruction
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse scan file %v: %w", filename, err)
	}
	return list, nil
}

// Included reports whether the instruction takes part in enumeration.
// Overlong sequences and empty entries are excluded.
func Included(ins instr.Instruction) bool {
	return !ins.Empty() && ins.Len() <= instr.MaxLen
}

// rexAt returns the position of a REX prefix byte (0x40-0x4F) after any
// recognized legacy prefix combination, or -1. Mirrors the prefix
// shapes the enumerator encounters on x86-64:
// [F0 66 rex ...], [F0 rex ...], [66 rex ...], [F2 66 rex ...],
// [F3 66 rex ...], [F2 rex ...], [F3 rex ...], [rex ...].
func rexAt(b []byte) int {
	i := 0
	switch {
	case len(b) > 2 && (b[0] == 0xf0 || b[0] == 0xf2 || b[0] == 0xf3) && b[1] == 0x66:
		i = 2
	case len(b) > 1 && (b[0] == 0xf0 || b[0] == 0xf2 || b[0] == 0xf3 || b[0] == 0x66):
		i = 1
	}
	if i < len(b) && b[i]&0xf0 == 0x40 {
		return i
	}
	return -1
}

// Seeds prepares a scan list for partitioning: drops excluded entries,
// down-samples REX-prefixed instructions (the REX prefix mostly holds
// don't-care and register bits, so those entries get enumerated fast
// anyway; 2 entries per 16 are kept, accounting for 1 of the 4 low REX
// bits typically being significant), and forces a [00] seed so the
// first partition starts at the bottom of instruction space.
func Seeds(scan []instr.Instruction) []instr.Instruction {
	kept := make([]instr.Instruction, 0, len(scan))
	rexSeen := 0
	for n, ins := range scan {
		if n%1000000 == 0 && n > 0 {
			log.Logf(0, "%.1fk scan entries processed", float64(n)/1000)
		}
		if !Included(ins) {
			continue
		}
		if rexAt(ins.Bytes()) >= 0 {
			rexSeen++
			if rexSeen%8 != 0 {
				continue
			}
		}
		kept = append(kept, ins)
	}
	seeds := make([]instr.Instruction, 0, len(kept)+1)
	seeds = append(seeds, instr.New([]byte{0}))
	seeds = append(seeds, kept...)
	instr.Sort(seeds)
	// Scans can repeat instructions; partitioning needs strictly
	// increasing seeds.
	uniq := seeds[:1]
	for _, ins := range seeds[1:] {
		if ins != uniq[len(uniq)-1] {
			uniq = append(uniq, ins)
		}
	}
	return uniq
}

// AllBytes returns the default seed set: all 256 single-byte prefixes.
func AllBytes() []instr.Instruction {
	seeds := make([]instr.Instruction, 256)
	for i := 0; i < 256; i++ {
		seeds[i] = instr.New([]byte{byte(i)})
	}
	return seeds
}
