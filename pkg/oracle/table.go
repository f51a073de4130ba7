// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package oracle

import (
	"github.com/encprobe/encprobe/pkg/enum"
	"github.com/encprobe/encprobe/pkg/filter"
	"github.com/encprobe/encprobe/pkg/instr"
)

// Table is a deterministic oracle built from a fixed rule list. It is
// used by tests and by local dry runs: each rule declares one encoding
// as a filter, and classification mimics a hardware decoder: a byte
// sequence extending a rule pattern is that encoding, a proper prefix
// of a pattern is too short, anything else is invalid.
type Table struct {
	rules []rule
}

type rule struct {
	pattern *filter.Filter
	inputs  []enum.Operand
	outputs []enum.Operand
}

func (t *Table) Add(pattern *filter.Filter, inputs, outputs []enum.Operand) {
	t.rules = append(t.rules, rule{pattern: pattern, inputs: inputs, outputs: outputs})
}

func (t *Table) Classify(ins instr.Instruction) (*enum.Outcome, error) {
	tooShort := false
	for _, r := range t.rules {
		if r.pattern.Matches(ins) {
			return &enum.Outcome{
				Kind:    enum.OutcomeOk,
				Filters: []*filter.Filter{r.pattern},
				Best:    r.pattern.SmallestMatching(),
				Inputs:  r.inputs,
				Outputs: r.outputs,
			}, nil
		}
		if prefixOf(ins, r.pattern) {
			tooShort = true
		}
	}
	if tooShort {
		return &enum.Outcome{Kind: enum.OutcomeTooShort}, nil
	}
	return &enum.Outcome{Kind: enum.OutcomeInvalid}, nil
}

// prefixOf reports whether ins could be extended into a match of the
// pattern: it is shorter than the pattern and satisfies all its byte
// patterns over the available bytes.
func prefixOf(ins instr.Instruction, f *filter.Filter) bool {
	if ins.Len() >= f.Len() {
		return false
	}
	for i := 0; i < ins.Len(); i++ {
		p := f.Pattern[i]
		if ins.Byte(i)&p.Mask != p.Value {
			return false
		}
	}
	return true
}
