// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package work

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"

	"github.com/encprobe/encprobe/pkg/filter"
	"github.com/encprobe/encprobe/pkg/instr"
	"github.com/encprobe/encprobe/pkg/log"
)

// WorkerStatus is a point-in-time snapshot of one worker, plus the
// results of the optional scan audit.
type WorkerStatus struct {
	ID        int
	From      instr.Instruction
	To        instr.Instruction
	Current   instr.Instruction
	Next      instr.Instruction // instruction about to be probed, if known
	Done      bool
	Filters   int
	Artifacts int
	Unique    uint64
	Seen      int
	Failed    int

	// Scan audit. Found counts known-good scan instructions covered by
	// some filter; Missed counts the ones this worker has passed (or
	// finished) without covering. Zero if no scan was supplied.
	ScanFound  int
	ScanMissed int
	ScanTotal  int
}

// ScanCoverage reports, across all workers, how many distinct artifacts
// the scan has at least one entry for.
type ScanCoverage struct {
	EncodingsSeen int
	Encodings     int
}

// Status snapshots all workers and, when scan is non-empty, audits the
// filter set against it: every instruction a scan found must end up
// covered by a filter once the owning worker's cursor has passed it.
// A miss means the enumeration skipped a real encoding, which the
// counter's invariants are supposed to make impossible. The returned
// coverage is nil when no scan was supplied.
func (w *Work) Status(scan []instr.Instruction) ([]*WorkerStatus, *ScanCoverage, error) {
	fm := new(filter.Map)
	artifacts := w.Artifacts()
	for index, enc := range artifacts {
		if len(enc.Filters) == 0 {
			return nil, nil, fmt.Errorf("artifact %v (%v) has no filters", index, enc.Instr)
		}
		for _, f := range enc.Filters {
			fm.Add(f, index)
		}
	}

	statuses := make([]*WorkerStatus, len(w.workers))
	for i, rec := range w.workers {
		rec.mu.Lock()
		statuses[i] = &WorkerStatus{
			ID:        rec.ID,
			From:      rec.From,
			To:        rec.To,
			Current:   rec.Inner.Counter.Current(),
			Next:      rec.Inner.NextInstr,
			Done:      rec.Done,
			Filters:   rec.Inner.Counter.NumFilters(),
			Artifacts: rec.ArtifactsProduced,
			Unique:    rec.Inner.UniqueSequences,
			Seen:      rec.Inner.NumSeen(),
			Failed:    len(rec.Inner.InstrsFailed),
		}
		rec.mu.Unlock()
	}
	if len(scan) == 0 {
		return statuses, nil, nil
	}

	log.Logf(0, "auditing %v scan instructions against %v filters...", len(scan), fm.Len())
	seen := make([]bool, len(artifacts))
	var mu sync.Mutex
	var eg errgroup.Group
	const chunk = 5000
	for start := 0; start < len(scan); start += chunk {
		part := scan[start:min(start+chunk, len(scan))]
		eg.Go(func() error {
			found := make([]int, len(w.workers))
			missed := make([]int, len(w.workers))
			total := make([]int, len(w.workers))
			partSeen := make([]bool, len(artifacts))
			for _, ins := range part {
				owner := -1
				for i, rec := range w.workers {
					if rec.Owns(ins) {
						owner = i
						break
					}
				}
				if owner < 0 {
					return fmt.Errorf("scan instruction %v is outside every worker range", ins)
				}
				total[owner]++
				if index, ok := fm.Filters(ins); ok {
					found[owner]++
					partSeen[index] = true
					continue
				}
				st := statuses[owner]
				if st.Done || st.Current.Cmp(ins) > 0 {
					log.Logf(0, "worker %02v has MISSED %v", st.ID, ins)
					missed[owner]++
				}
			}
			mu.Lock()
			for i := range statuses {
				statuses[i].ScanFound += found[i]
				statuses[i].ScanMissed += missed[i]
				statuses[i].ScanTotal += total[i]
			}
			for i, s := range partSeen {
				if s {
					seen[i] = true
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	cov := &ScanCoverage{Encodings: len(artifacts)}
	for _, s := range seen {
		if s {
			cov.EncodingsSeen++
		}
	}
	return statuses, cov, nil
}

// DumpInfo aggregates the artifact set for the dump verb.
type DumpInfo struct {
	Encodings  int
	Unique     int
	Duplicates int
	// MemoryAccesses histograms encodings by how many of their outputs
	// touch memory; MaxInputs histograms them by the largest input count
	// declared on any output.
	MemoryAccesses map[int]int
	MaxInputs      map[int]int
}

func (w *Work) Dump() *DumpInfo {
	info := &DumpInfo{
		MemoryAccesses: make(map[int]int),
		MaxInputs:      make(map[int]int),
	}
	seen := make(map[string]bool)
	for _, enc := range w.Artifacts() {
		info.Encodings++
		key := enc.Best.String()
		if key == "" {
			key = enc.Instr.String()
		}
		if seen[key] {
			info.Duplicates++
			continue
		}
		seen[key] = true
		info.Unique++
		mem, maxIn := 0, 0
		for _, op := range enc.Outputs {
			if op.MemoryAccess {
				mem++
			}
			if op.NumInputs > maxIn {
				maxIn = op.NumInputs
			}
		}
		info.MemoryAccesses[mem]++
		info.MaxInputs[maxIn]++
	}
	return info
}

// Keys returns a histogram's keys in ascending order.
func (info *DumpInfo) Keys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Extract writes the full artifact set to path as xz-compressed JSON,
// the interchange format consumed by the downstream synthesis tooling.
func (w *Work) Extract(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	xzw, err := xz.NewWriter(f)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(xzw).Encode(w.Artifacts()); err != nil {
		return err
	}
	if err := xzw.Close(); err != nil {
		return err
	}
	return f.Close()
}
