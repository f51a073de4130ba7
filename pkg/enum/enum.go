// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package enum implements the per-partition enumeration worker: a loop
// that pulls the next uncovered instruction from its counter, classifies
// it via the oracle, and on success derives a filter and records the new
// encoding as an artifact.
package enum

import (
	"fmt"

	"github.com/encprobe/encprobe/pkg/filter"
	"github.com/encprobe/encprobe/pkg/instr"
)

// OutcomeKind describes how the oracle judged a probed byte sequence.
type OutcomeKind int

const (
	// OutcomeOk: the bytes decode and execute as a complete instruction;
	// the outcome carries the observed equivalence class.
	OutcomeOk OutcomeKind = iota
	// OutcomeInvalid: the bytes can never decode (undefined opcode).
	OutcomeInvalid
	// OutcomeTooShort: the bytes are a proper prefix of one or more
	// longer instructions; enumeration must descend into extensions.
	OutcomeTooShort
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeTooShort:
		return "too-short"
	}
	return fmt.Sprintf("kind%v", int(k))
}

// Operand describes one declared input or output of an encoding.
type Operand struct {
	Name         string `json:"name"`
	NumInputs    int    `json:"num_inputs,omitempty"`
	MemoryAccess bool   `json:"memory_access,omitempty"`
}

// Outcome is what the oracle reports for one probed instruction.
type Outcome struct {
	Kind    OutcomeKind
	Filters []*filter.Filter  // the full equivalence class; non-empty iff Kind == OutcomeOk
	Best    instr.Instruction // canonical instruction of the class
	Inputs  []Operand
	Outputs []Operand
}

// Oracle executes one candidate instruction on real or virtual hardware
// and reports its observed behavior. Implementations live behind a
// narrow interface because the actual execution mechanism is a remote,
// privileged service; calls block and can fail like any other I/O.
type Oracle interface {
	Classify(ins instr.Instruction) (*Outcome, error)
}

// TransportError marks a failure to reach the oracle at all, as opposed
// to the oracle rejecting the probed instruction. Transport errors
// abort the run (which stays resumable from the last checkpoint)
// instead of being recorded as per-instruction probe failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("oracle unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Encoding is the artifact produced for one discovered equivalence
// class. Artifacts are append-only and never mutated after creation.
type Encoding struct {
	Instr   instr.Instruction `json:"instr"` // representative instruction
	Best    instr.Instruction `json:"best,omitempty"`
	Filters []*filter.Filter  `json:"filters"`
	Inputs  []Operand         `json:"inputs,omitempty"`
	Outputs []Operand         `json:"outputs,omitempty"`
}

func (e *Encoding) String() string {
	return fmt.Sprintf("%v (%v filters)", e.Instr, len(e.Filters))
}

// Sink receives newly discovered encodings and assigns artifact
// indices. Implementations must be safe for concurrent use; indices
// are never reused.
type Sink interface {
	Append(enc *Encoding) int
}
