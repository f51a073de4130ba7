// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package work

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/encprobe/encprobe/pkg/enum"
	"github.com/encprobe/encprobe/pkg/log"
	"github.com/encprobe/encprobe/pkg/stat"
)

// OracleFactory produces one oracle connection per worker, so workers
// never share a connection and block only on their own probes.
type OracleFactory func(workerID int) (enum.Oracle, error)

// Run drives all unfinished workers to completion (or until ctx is
// cancelled), one goroutine per worker. State is checkpointed
// periodically, and a final checkpoint always runs before Run returns,
// so an interrupted run resumes with bounded lost work.
func (w *Work) Run(ctx context.Context, newOracle OracleFactory) error {
	if err := w.installFilters(); err != nil {
		return err
	}
	w.lastMark = time.Now()
	defer func() { w.lastMark = time.Time{} }()

	eg, ctx := errgroup.WithContext(ctx)
	workers, wctx := errgroup.WithContext(ctx)
	running := 0
	for _, rec := range w.workers {
		if rec.Done {
			continue
		}
		running++
		rec := rec
		workers.Go(func() error {
			return w.runWorker(wctx, rec, newOracle)
		})
	}
	if running == 0 {
		log.Logf(0, "all %v workers are done", len(w.workers))
		return nil
	}
	log.Logf(0, "running %v workers", running)

	// The checkpoint loop must not keep Run alive once every worker has
	// exhausted its range, so it watches the worker group's completion
	// alongside cancellation. A failed checkpoint cancels ctx, and wctx
	// with it, stopping the workers.
	workersDone := make(chan struct{})
	eg.Go(func() error {
		defer close(workersDone)
		return workers.Wait()
	})
	eg.Go(func() error {
		period := time.Duration(w.cfg.CheckpointSeconds) * time.Second
		if period <= 0 {
			period = time.Minute
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-workersDone:
				return nil
			case <-ticker.C:
				if err := w.SaveAll(); err != nil {
					return fmt.Errorf("checkpoint failed: %w", err)
				}
				log.Logf(1, "checkpointed %v artifacts", len(w.Artifacts()))
				for _, s := range stat.Collect() {
					log.Logf(2, "stat %v: %v", s.Name, s.Value)
				}
			}
		}
	})

	runErr := eg.Wait()
	if err := w.SaveAll(); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			log.Logf(0, "final checkpoint failed: %v", err)
		}
	}
	return runErr
}

func (w *Work) runWorker(ctx context.Context, rec *WorkerRecord, newOracle OracleFactory) error {
	oracle, err := newOracle(rec.ID)
	if err != nil {
		return fmt.Errorf("worker %v: failed to connect to oracle: %w", rec.ID, err)
	}
	if closer, ok := oracle.(io.Closer); ok {
		defer closer.Close()
	}
	sink := &recordSink{w: w, rec: rec}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		rec.mu.Lock()
		done, err := rec.Inner.Step(oracle, sink)
		if done {
			rec.Done = true
		}
		rec.mu.Unlock()
		if err != nil {
			return fmt.Errorf("worker %v: %w", rec.ID, err)
		}
		if done {
			log.Logf(0, "worker %v done: range [%v, %v] exhausted, %v artifacts",
				rec.ID, rec.From, rec.To, rec.ArtifactsProduced)
			return nil
		}
	}
}

// recordSink attributes appended artifacts to the producing worker.
// Step calls it with rec.mu held.
type recordSink struct {
	w   *Work
	rec *WorkerRecord
}

func (s *recordSink) Append(enc *enum.Encoding) int {
	index := s.w.Append(enc)
	s.rec.ArtifactsProduced++
	return index
}
