// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package enum

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/encprobe/encprobe/pkg/counter"
	"github.com/encprobe/encprobe/pkg/filter"
	"github.com/encprobe/encprobe/pkg/hash"
	"github.com/encprobe/encprobe/pkg/instr"
	"github.com/encprobe/encprobe/pkg/log"
	"github.com/encprobe/encprobe/pkg/stat"
)

var (
	statProbes      = stat.New("probes", "oracle probes issued", stat.Rate{}, stat.Prometheus("encprobe_probes_total"))
	statEncodings   = stat.New("encodings", "encodings discovered", stat.Rate{}, stat.Prometheus("encprobe_encodings_total"))
	statFailures    = stat.New("probe failures", "oracle probe failures", stat.Prometheus("encprobe_probe_failures_total"))
	statDuplicates  = stat.New("duplicate probes", "probes short-circuited by the seen set")
	statProbeTimeUS = stat.New("probe us", "oracle probe latency (us)", stat.Distribution{})
)

const (
	// maxSeen bounds the per-worker seen set; it exists to short-circuit
	// duplicate oracle calls, so dropping it (rarely) only costs probes.
	maxSeen = 1 << 16
	// maxFailed bounds the failed instruction list kept for diagnostics.
	maxFailed = 1 << 10
)

// Worker enumerates one partition of instruction space. It is driven by
// repeated Step calls from a single goroutine; the caller owns all
// synchronization.
type Worker struct {
	Counter *counter.Counter
	// UniqueSequences counts instructions probed with a distinct
	// observed class, for throughput reporting.
	UniqueSequences uint64
	// NextInstr caches the instruction the worker is about to probe;
	// only used for status display.
	NextInstr instr.Instruction
	// InstrsFailed records instructions the oracle rejected (bounded;
	// diagnostics only).
	InstrsFailed []instr.Instruction
	// FastTunnel enables heuristic skip-ahead in the counter. Soundness
	// does not depend on it; disable for correctness testing.
	FastTunnel bool

	seen     map[hash.Sig]struct{}
	seenList []instr.Instruction
}

func NewWorker(from, to instr.Instruction, fastTunnel bool) *Worker {
	w := &Worker{
		Counter:    counter.Range(from, to),
		FastTunnel: fastTunnel,
		seen:       make(map[hash.Sig]struct{}),
	}
	w.Counter.EnableTunnel(fastTunnel)
	return w
}

// Step runs one Probing -> Classifying -> (Recording|Skipping|Failing)
// cycle. It returns done=true when the counter exhausts the partition.
// A non-nil error indicates an enumeration-logic defect (invariant
// violation), not an oracle failure; oracle failures are recorded and
// enumeration continues.
func (w *Worker) Step(oracle Oracle, sink Sink) (done bool, err error) {
	w.Counter.EnableTunnel(w.FastTunnel)
	prev, prevStarted := w.Counter.Current(), w.Counter.Started()
	ins, ok := w.Counter.Next()
	if !ok {
		w.NextInstr = instr.Instruction{}
		return true, nil
	}
	w.NextInstr = ins

	sig := hash.Hash(ins.Bytes())
	if _, dup := w.seen[sig]; dup {
		// Already probed these raw bytes in an earlier pass (before a
		// filter rebuild); the class is already recorded, skip the
		// oracle call and keep the cursor moving.
		statDuplicates.Add(1)
		return false, nil
	}

	start := time.Now()
	out, probeErr := oracle.Classify(ins)
	statProbes.Add(1)
	statProbeTimeUS.Add(int(time.Since(start).Microseconds()))
	if probeErr != nil {
		var terr *TransportError
		if errors.As(probeErr, &terr) {
			// The probe never completed; rewind so that a checkpoint
			// taken after the abort cannot step over ins.
			w.Counter.Seek(prev, prevStarted)
			w.NextInstr = instr.Instruction{}
			return false, probeErr
		}
		// Treated like a rejected instruction: record it and make sure
		// the exact byte pattern is never probed again.
		log.Logf(2, "probe of %v failed: %v", ins, probeErr)
		statFailures.Add(1)
		w.noteSeen(sig, ins)
		w.noteFailed(ins)
		w.Counter.Insert(filter.Exact(ins))
		return false, nil
	}
	w.noteSeen(sig, ins)

	switch out.Kind {
	case OutcomeOk:
		if len(out.Filters) == 0 {
			return false, fmt.Errorf("oracle produced no filters for %v", ins)
		}
		for _, f := range out.Filters {
			if f.Matches(ins) {
				continue
			}
			return false, fmt.Errorf("filter %v does not match its own instruction %v", f, ins)
		}
		enc := &Encoding{
			Instr:   ins,
			Best:    out.Best,
			Filters: out.Filters,
			Inputs:  out.Inputs,
			Outputs: out.Outputs,
		}
		index := sink.Append(enc)
		for _, f := range out.Filters {
			w.Counter.Insert(f)
		}
		w.UniqueSequences++
		statEncodings.Add(1)
		log.Logf(3, "encoding #%v: %v", index, enc)
	case OutcomeInvalid:
		w.noteFailed(ins)
		w.Counter.Insert(filter.Exact(ins))
	case OutcomeTooShort:
		// No filter: the next counter advance descends into the
		// extensions of this prefix.
	default:
		return false, fmt.Errorf("oracle returned unknown outcome %v for %v", out.Kind, ins)
	}
	return false, nil
}

func (w *Worker) noteSeen(sig hash.Sig, ins instr.Instruction) {
	if len(w.seen) >= maxSeen {
		// The set only saves duplicate probes; resetting it is safe.
		w.seen = make(map[hash.Sig]struct{})
		w.seenList = nil
	}
	w.seen[sig] = struct{}{}
	w.seenList = append(w.seenList, ins)
}

func (w *Worker) noteFailed(ins instr.Instruction) {
	if len(w.InstrsFailed) < maxFailed {
		w.InstrsFailed = append(w.InstrsFailed, ins)
	}
}

// ClearSeen drops the seen set (the reset-instrs-seen maintenance verb).
func (w *Worker) ClearSeen() {
	w.seen = make(map[hash.Sig]struct{})
	w.seenList = nil
}

func (w *Worker) NumSeen() int {
	return len(w.seen)
}

type workerState struct {
	Counter         *counter.Counter    `json:"counter"`
	UniqueSequences uint64              `json:"unique_sequences"`
	NextInstr       instr.Instruction   `json:"next,omitempty"`
	InstrsFailed    []instr.Instruction `json:"instrs_failed,omitempty"`
	FastTunnel      bool                `json:"fast_tunnel,omitempty"`
	Seen            []instr.Instruction `json:"instrs_seen,omitempty"`
}

func (w *Worker) MarshalJSON() ([]byte, error) {
	return json.Marshal(workerState{
		Counter:         w.Counter,
		UniqueSequences: w.UniqueSequences,
		NextInstr:       w.NextInstr,
		InstrsFailed:    w.InstrsFailed,
		FastTunnel:      w.FastTunnel,
		Seen:            w.seenList,
	})
}

func (w *Worker) UnmarshalJSON(data []byte) error {
	var s workerState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Counter == nil {
		return fmt.Errorf("worker state without counter")
	}
	w.Counter = s.Counter
	w.UniqueSequences = s.UniqueSequences
	w.NextInstr = s.NextInstr
	w.InstrsFailed = s.InstrsFailed
	w.FastTunnel = s.FastTunnel
	w.Counter.EnableTunnel(s.FastTunnel)
	w.seen = make(map[hash.Sig]struct{}, len(s.Seen))
	w.seenList = s.Seen
	for _, ins := range s.Seen {
		w.seen[hash.Hash(ins.Bytes())] = struct{}{}
	}
	return nil
}
