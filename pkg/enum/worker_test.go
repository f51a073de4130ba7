// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package enum

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/encprobe/encprobe/pkg/filter"
	"github.com/encprobe/encprobe/pkg/instr"
)

// tableOracle mimics a decoder over a fixed rule list: matching a rule
// is a discovered encoding, a proper prefix of a rule is too short,
// everything else is invalid.
type tableOracle struct {
	rules  []*filter.Filter
	probes int
}

func (o *tableOracle) Classify(ins instr.Instruction) (*Outcome, error) {
	o.probes++
	tooShort := false
	for _, f := range o.rules {
		if f.Matches(ins) {
			return &Outcome{
				Kind:    OutcomeOk,
				Filters: []*filter.Filter{f},
				Best:    f.SmallestMatching(),
				Inputs:  []Operand{{Name: "Reg", NumInputs: 1}},
			}, nil
		}
		if ins.Len() < f.Len() && instrIsPrefix(ins, f) {
			tooShort = true
		}
	}
	if tooShort {
		return &Outcome{Kind: OutcomeTooShort}, nil
	}
	return &Outcome{Kind: OutcomeInvalid}, nil
}

func instrIsPrefix(ins instr.Instruction, f *filter.Filter) bool {
	for i := 0; i < ins.Len(); i++ {
		if ins.Byte(i)&f.Pattern[i].Mask != f.Pattern[i].Value {
			return false
		}
	}
	return true
}

type sliceSink struct {
	encodings []*Encoding
}

func (s *sliceSink) Append(enc *Encoding) int {
	s.encodings = append(s.encodings, enc)
	return len(s.encodings) - 1
}

func mustFilter(t *testing.T, pattern []filter.Pattern) *filter.Filter {
	t.Helper()
	f, err := filter.New(pattern, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func runToDone(t *testing.T, w *Worker, oracle Oracle, sink Sink, limit int) {
	t.Helper()
	for i := 0; i < limit; i++ {
		done, err := w.Step(oracle, sink)
		if err != nil {
			t.Fatalf("step %v: %v", i, err)
		}
		if done {
			return
		}
	}
	t.Fatalf("worker did not finish within %v steps", limit)
}

func TestWorkerWalk(t *testing.T) {
	oracle := &tableOracle{rules: []*filter.Filter{
		// [00 **]: one encoding covering the whole second byte.
		mustFilter(t, []filter.Pattern{{Mask: 0xff, Value: 0x00}, {Mask: 0x00, Value: 0x00}}),
		// [02 11xxxxxx]: register form only.
		mustFilter(t, []filter.Pattern{{Mask: 0xff, Value: 0x02}, {Mask: 0xc0, Value: 0xc0}}),
	}}
	w := NewWorker(instr.New([]byte{0x00}), instr.New([]byte{0x03}), false)
	sink := new(sliceSink)
	runToDone(t, w, oracle, sink, 1000)

	if len(sink.encodings) != 2 {
		t.Fatalf("found %v encodings, want 2", len(sink.encodings))
	}
	if got := sink.encodings[0].Instr.String(); got != "00 00" {
		t.Errorf("first encoding probed at %v, want 00 00", got)
	}
	if got := sink.encodings[1].Instr.String(); got != "02 C0" {
		t.Errorf("second encoding probed at %v, want 02 C0", got)
	}
	if w.UniqueSequences != 2 {
		t.Errorf("UniqueSequences = %v", w.UniqueSequences)
	}
	// [01], [03] and the 192 non-register forms of [02 xx] are invalid.
	if len(w.InstrsFailed) != 194 {
		t.Errorf("%v failed instructions, want 194", len(w.InstrsFailed))
	}
	// Probes: [00], [00 00], [01], [02], [02 00..BF], [02 C0], [03].
	if oracle.probes != 198 {
		t.Errorf("%v probes, want 198", oracle.probes)
	}
}

func TestWorkerSeenSkip(t *testing.T) {
	oracle := &tableOracle{}
	w := NewWorker(instr.New([]byte{0xe4}), instr.New([]byte{0xe4}), false)
	sink := new(sliceSink)
	if done, err := w.Step(oracle, sink); done || err != nil {
		t.Fatalf("step: done=%v err=%v", done, err)
	}
	if oracle.probes != 1 || w.NumSeen() != 1 {
		t.Fatalf("probes=%v seen=%v", oracle.probes, w.NumSeen())
	}
	// Rewind as a filter rebuild would and step again: the raw bytes
	// were already probed, so the oracle must not be consulted.
	w.Counter.ClearFilters()
	w.Counter.Seek(w.Counter.From(), false)
	if done, err := w.Step(oracle, sink); done || err != nil {
		t.Fatalf("step: done=%v err=%v", done, err)
	}
	if oracle.probes != 1 {
		t.Fatalf("duplicate probe went to the oracle (%v probes)", oracle.probes)
	}
	w.ClearSeen()
	if done, err := w.Step(oracle, sink); done || err != nil {
		t.Fatalf("step: done=%v err=%v", done, err)
	}
	if oracle.probes != 2 {
		t.Fatalf("probes=%v after ClearSeen, want 2", oracle.probes)
	}
}

type flakyOracle struct {
	inner Oracle
	fail  map[string]bool
}

func (o *flakyOracle) Classify(ins instr.Instruction) (*Outcome, error) {
	if o.fail[ins.String()] {
		delete(o.fail, ins.String())
		return nil, &TransportError{Err: errors.New("connection reset")}
	}
	return o.inner.Classify(ins)
}

func TestWorkerTransportError(t *testing.T) {
	oracle := &flakyOracle{
		inner: &tableOracle{},
		fail:  map[string]bool{"11": true},
	}
	w := NewWorker(instr.New([]byte{0x10}), instr.New([]byte{0x12}), false)
	sink := new(sliceSink)
	if _, err := w.Step(oracle, sink); err != nil {
		t.Fatalf("probe of 10: %v", err)
	}
	cur := w.Counter.Current()
	var terr *TransportError
	if _, err := w.Step(oracle, sink); !errors.As(err, &terr) {
		t.Fatalf("expected a transport error, got %v", err)
	}
	// The failed probe never completed: the cursor must rewind so a
	// checkpoint taken now does not lose the instruction.
	if got := w.Counter.Current(); got != cur {
		t.Fatalf("cursor at %v after aborted probe, want %v", got, cur)
	}
	// The same instruction is retried once the oracle recovers.
	if _, err := w.Step(oracle, sink); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := w.Counter.Current().String(); got != "11" {
		t.Fatalf("cursor at %v after retry, want 11", got)
	}
}

type badOracle struct {
	out Outcome
}

func (o *badOracle) Classify(ins instr.Instruction) (*Outcome, error) {
	return &o.out, nil
}

func TestWorkerFilterInvariant(t *testing.T) {
	sink := new(sliceSink)
	// An ok outcome without filters cannot advance enumeration soundly.
	w := NewWorker(instr.New([]byte{0x00}), instr.Instruction{}, false)
	if _, err := w.Step(&badOracle{out: Outcome{Kind: OutcomeOk}}, sink); err == nil {
		t.Fatalf("empty filter set was accepted")
	}
	// A filter that does not cover the probed instruction would let the
	// cursor revisit it forever.
	other := mustFilter(t, []filter.Pattern{{Mask: 0xff, Value: 0x77}})
	w = NewWorker(instr.New([]byte{0x00}), instr.Instruction{}, false)
	bad := &badOracle{out: Outcome{Kind: OutcomeOk, Filters: []*filter.Filter{other}}}
	if _, err := w.Step(bad, sink); err == nil {
		t.Fatalf("non-matching filter was accepted")
	}
	if len(sink.encodings) != 0 {
		t.Fatalf("%v encodings recorded from invalid outcomes", len(sink.encodings))
	}
}

func TestWorkerStateRoundTrip(t *testing.T) {
	oracle := &tableOracle{rules: []*filter.Filter{
		mustFilter(t, []filter.Pattern{{Mask: 0xff, Value: 0x20}, {Mask: 0x00, Value: 0x00}}),
	}}
	w := NewWorker(instr.New([]byte{0x20}), instr.New([]byte{0x22}), true)
	sink := new(sliceSink)
	for i := 0; i < 3; i++ {
		if _, err := w.Step(oracle, sink); err != nil {
			t.Fatal(err)
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	got := new(Worker)
	if err := json.Unmarshal(data, got); err != nil {
		t.Fatal(err)
	}
	if got.Counter.Current() != w.Counter.Current() || got.Counter.Started() != w.Counter.Started() {
		t.Fatalf("counter position not preserved")
	}
	if got.UniqueSequences != w.UniqueSequences || got.FastTunnel != w.FastTunnel {
		t.Fatalf("worker fields not preserved")
	}
	if got.NumSeen() != w.NumSeen() {
		t.Fatalf("seen set not preserved: %v vs %v", got.NumSeen(), w.NumSeen())
	}
	// Filters are restored separately (from the artifact log); with them
	// back in place the restored worker continues where the original is.
	for _, enc := range sink.encodings {
		for _, f := range enc.Filters {
			got.Counter.Insert(f)
			w.Counter.Insert(f)
		}
	}
	for _, ins := range w.InstrsFailed {
		got.Counter.Insert(filter.Exact(ins))
		w.Counter.Insert(filter.Exact(ins))
	}
	a, aerr := w.Step(oracle, sink)
	b, berr := got.Step(oracle, sink)
	if a != b || (aerr == nil) != (berr == nil) {
		t.Fatalf("diverged after restore: %v/%v vs %v/%v", a, aerr, b, berr)
	}
	if w.Counter.Current() != got.Counter.Current() {
		t.Fatalf("cursors diverged: %v vs %v", w.Counter.Current(), got.Counter.Current())
	}
}
