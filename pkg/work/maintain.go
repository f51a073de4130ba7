// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package work

import (
	"fmt"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/encprobe/encprobe/pkg/enum"
	"github.com/encprobe/encprobe/pkg/filter"
	"github.com/encprobe/encprobe/pkg/log"
)

// RebuildFilters recomputes the full filter set from the current
// artifacts and reloads it into every worker's counter. It needs
// exclusive access to all workers and must not overlap a Run; it is
// expected to run far less frequently than Run.
func (w *Work) RebuildFilters() error {
	log.Logf(0, "indexing filters...")
	var filters []*filter.Filter
	for index, enc := range w.artifacts {
		if index%1000 == 0 && index > 0 {
			log.Logf(1, "%v / %v", index, len(w.artifacts))
		}
		if len(enc.Filters) == 0 {
			return fmt.Errorf("artifact %v (%v) has no filters", index, enc.Instr)
		}
		filters = append(filters, enc.Filters...)
	}
	// Sort by smallest matching instruction so successive rebuilds see
	// the filters in the same order and produce identical skip sets.
	keys := make(map[*filter.Filter]string, len(filters))
	for _, f := range filters {
		keys[f] = f.SmallestMatching().String() + "|" + f.Key()
	}
	sort.SliceStable(filters, func(i, j int) bool {
		return keys[filters[i]] < keys[filters[j]]
	})

	for _, rec := range w.workers {
		rec.Inner.Counter.ClearFilters()
	}

	log.Logf(0, "inserting %v filters into %v workers...", len(filters), len(w.workers))
	remaining := int64(len(w.workers))
	var eg errgroup.Group
	for _, rec := range w.workers {
		rec := rec
		eg.Go(func() error {
			cnt := rec.Inner.Counter
			for index, f := range filters {
				if index%10000 == 0 && index > 0 {
					log.Logf(1, "worker #%v: %v / %v -- %v filters added",
						rec.ID, index, len(filters), cnt.NumFilters())
				}
				cnt.Insert(f)
			}
			for n := 0; n < 10; n++ {
				log.Logf(2, "worker #%v: optimization at %v%%...", rec.ID, n*10)
				cnt.RebuildInplace()
			}
			log.Logf(1, "remaining workers: %v", atomic.AddInt64(&remaining, -1))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	log.Logf(0, "saving...")
	return w.SaveAll()
}

// ResetWorker reinstalls a fresh counter over the worker's original
// range and clears its seen set. Artifacts already produced are kept;
// they are append-only and partition-independent.
func (w *Work) ResetWorker(num int) error {
	rec, err := w.Worker(num)
	if err != nil {
		return err
	}
	rec.Inner = enum.NewWorker(rec.From, rec.To, w.cfg.FastTunnel)
	rec.Done = false
	return w.SaveAll()
}

// ResumeWorker only clears the done flag, leaving the counter position
// intact. Useful when a worker entered the done state too early, which
// normally should not happen.
func (w *Work) ResumeWorker(num int) error {
	rec, err := w.Worker(num)
	if err != nil {
		return err
	}
	rec.Done = false
	return w.SaveAll()
}

// ResetSeen drops every worker's probed-instruction set, forcing raw
// bytes to be re-probed rather than short-circuited.
func (w *Work) ResetSeen() error {
	for _, rec := range w.workers {
		rec.Inner.ClearSeen()
	}
	return w.SaveAll()
}
