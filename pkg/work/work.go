// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package work coordinates and persists an enumeration: it partitions
// instruction space across independent workers, runs them, checkpoints
// their state together with the append-only artifact log, and hosts the
// maintenance operations (filter rebuild, worker resets, scan audits).
package work

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/encprobe/encprobe/pkg/config"
	"github.com/encprobe/encprobe/pkg/db"
	"github.com/encprobe/encprobe/pkg/enum"
	"github.com/encprobe/encprobe/pkg/instr"
	"github.com/encprobe/encprobe/pkg/log"
	"github.com/encprobe/encprobe/pkg/osutil"
)

// stateVersion guards the on-disk format; a mismatch means the save
// directory was produced by an incompatible build.
const stateVersion = 1

const (
	metaFile      = "meta.json"
	workersFile   = "workers.json"
	artifactsFile = "artifacts.db"
)

type Config struct {
	OracleAddr        string `json:"oracle_addr,omitempty"`
	CheckpointSeconds int    `json:"checkpoint_seconds"`
	FastTunnel        bool   `json:"fast_tunnel"`
}

func DefaultConfig() *Config {
	return &Config{CheckpointSeconds: 60}
}

// WorkerRecord is the persisted per-partition state: the range bounds,
// the inner enumeration worker and its bookkeeping. The mutex guards
// all mutable fields during Run; maintenance operations require
// exclusive access to the whole Work and do not take it.
type WorkerRecord struct {
	ID                int
	From              instr.Instruction
	To                instr.Instruction // empty = unbounded above
	Inner             *enum.Worker
	ArtifactsProduced int
	Done              bool

	mu sync.Mutex
}

// Owns reports whether the instruction falls into this record's range.
// The upper bound admits its whole byte subtree, matching the counter.
func (rec *WorkerRecord) Owns(ins instr.Instruction) bool {
	if ins.Less(rec.From) {
		return false
	}
	return rec.To.Empty() || ins.CmpPrefix(rec.To) <= 0
}

type Work struct {
	dir string
	cfg *Config
	id  string // stamped at Create, stable across saves

	workers []*WorkerRecord

	artifactsMu sync.Mutex
	artifacts   []*enum.Encoding
	artifactDB  *db.DB

	secondsRunning uint64
	lastMark       time.Time // non-zero while a run is active
}

type meta struct {
	Version        int     `json:"version"`
	ID             string  `json:"id"`
	SecondsRunning uint64  `json:"seconds_running"`
	Config         *Config `json:"config"`
}

// Create partitions the seed set into contiguous ranges, one per
// worker, and writes the initial state to dir. Seeds must be sorted;
// each worker's range starts at its first seed and extends through the
// subtree of its last seed, with the final range unbounded so the
// partition covers all of instruction space above the first seed.
func Create(dir string, seeds []instr.Instruction, numWorkers int, cfg *Config) (*Work, error) {
	if numWorkers < 1 {
		return nil, fmt.Errorf("bad worker count %v", numWorkers)
	}
	if len(seeds) < numWorkers {
		return nil, fmt.Errorf("%v seeds cannot seed %v workers", len(seeds), numWorkers)
	}
	for i := 1; i < len(seeds); i++ {
		if !seeds[i-1].Less(seeds[i]) {
			return nil, fmt.Errorf("seed list is not sorted at %v", i)
		}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if osutil.IsExist(filepath.Join(dir, metaFile)) {
		return nil, fmt.Errorf("%v already contains an enumeration", dir)
	}
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, err
	}
	w := &Work{
		dir: dir,
		cfg: cfg,
		id:  uuid.NewString(),
	}
	for i := 0; i < numWorkers; i++ {
		start := i * len(seeds) / numWorkers
		end := (i + 1) * len(seeds) / numWorkers
		from := seeds[start]
		var to instr.Instruction
		if i != numWorkers-1 {
			to = seeds[end-1]
		}
		w.workers = append(w.workers, &WorkerRecord{
			ID:    i,
			From:  from,
			To:    to,
			Inner: enum.NewWorker(from, to, cfg.FastTunnel),
		})
	}
	adb, err := db.Open(filepath.Join(dir, artifactsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact log: %w", err)
	}
	if err := adb.BumpVersion(stateVersion); err != nil {
		return nil, fmt.Errorf("failed to version artifact log: %w", err)
	}
	w.artifactDB = adb
	if err := w.SaveAll(); err != nil {
		return nil, err
	}
	return w, nil
}

// Load restores a Work from its save directory. Worker counters come
// back without filters; operations that advance counters (Run,
// RebuildFilters) reinstall them from the artifact log first.
func Load(dir string) (*Work, error) {
	var m meta
	if err := config.LoadFile(filepath.Join(dir, metaFile), &m); err != nil {
		return nil, err
	}
	if m.Version != stateVersion {
		return nil, fmt.Errorf("%v has state version %v, this build supports %v", dir, m.Version, stateVersion)
	}
	if m.Config == nil {
		return nil, fmt.Errorf("%v has no config in meta", dir)
	}
	w := &Work{
		dir:            dir,
		cfg:            m.Config,
		id:             m.ID,
		secondsRunning: m.SecondsRunning,
	}
	adb, err := db.Open(filepath.Join(dir, artifactsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact log: %w", err)
	}
	if adb.Version != stateVersion {
		return nil, fmt.Errorf("artifact log has version %v, this build supports %v", adb.Version, stateVersion)
	}
	w.artifactDB = adb
	if err := w.loadArtifacts(); err != nil {
		return nil, err
	}
	var records []*workerRecordState
	if err := config.LoadFile(filepath.Join(dir, workersFile), &records); err != nil {
		return nil, err
	}
	for i, rec := range records {
		if rec.ID != i {
			return nil, fmt.Errorf("worker record %v has id %v", i, rec.ID)
		}
		restored, err := rec.restore()
		if err != nil {
			return nil, fmt.Errorf("failed to restore worker %v: %w", i, err)
		}
		w.workers = append(w.workers, restored)
	}
	return w, nil
}

func (w *Work) loadArtifacts() error {
	for i, rec := range w.artifactDB.BySeq() {
		if rec.Seq != uint64(i) {
			return fmt.Errorf("artifact log has gap at index %v (seq %v)", i, rec.Seq)
		}
		enc := new(enum.Encoding)
		if err := config.LoadData(rec.Val, enc); err != nil {
			return fmt.Errorf("failed to decode artifact %v: %w", i, err)
		}
		// An artifact without filters indicates a filter-construction
		// defect; refuse to proceed on such state.
		if len(enc.Filters) == 0 {
			return fmt.Errorf("artifact %v (%v) has no filters", i, enc.Instr)
		}
		w.artifacts = append(w.artifacts, enc)
	}
	return nil
}

// Append adds a newly discovered encoding to the artifact log and
// returns its index. Safe for concurrent use by worker threads;
// indices are assigned under the lock and never reused.
func (w *Work) Append(enc *enum.Encoding) int {
	data, err := json.Marshal(enc)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal encoding %v: %v", enc, err))
	}
	w.artifactsMu.Lock()
	defer w.artifactsMu.Unlock()
	index := len(w.artifacts)
	w.artifacts = append(w.artifacts, enc)
	w.artifactDB.Save(fmt.Sprintf("%08d", index), data, uint64(index))
	return index
}

// Artifacts returns a snapshot of the append-only encoding log.
func (w *Work) Artifacts() []*enum.Encoding {
	w.artifactsMu.Lock()
	defer w.artifactsMu.Unlock()
	return append([]*enum.Encoding(nil), w.artifacts...)
}

func (w *Work) Workers() []*WorkerRecord {
	return w.workers
}

func (w *Work) Worker(num int) (*WorkerRecord, error) {
	if num < 0 || num >= len(w.workers) {
		return nil, fmt.Errorf("worker index %v out of range (have %v workers)", num, len(w.workers))
	}
	return w.workers[num], nil
}

func (w *Work) Config() *Config {
	return w.cfg
}

func (w *Work) ID() string {
	return w.id
}

// SecondsRunning returns cumulative wall-clock run time across all
// runs, including the active one.
func (w *Work) SecondsRunning() uint64 {
	secs := w.secondsRunning
	if !w.lastMark.IsZero() {
		secs += uint64(time.Since(w.lastMark).Seconds())
	}
	return secs
}

// SaveAll checkpoints the full state. Worker records are snapshotted in
// memory, then the artifact log is flushed to disk, and only then do the
// cursor and meta files get renamed into place. The log on disk can
// therefore only ever run ahead of the saved cursors: a crash at any
// point means resuming may re-discover an encoding (a harmless
// duplicate) but can never skip one.
func (w *Work) SaveAll() error {
	records := make([]*workerRecordState, len(w.workers))
	for i, rec := range w.workers {
		rec.mu.Lock()
		snap, err := rec.snapshot()
		rec.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to snapshot worker %v: %w", rec.ID, err)
		}
		records[i] = snap
	}
	w.artifactsMu.Lock()
	err := w.artifactDB.Flush()
	w.artifactsMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to flush artifact log: %w", err)
	}
	if err := config.SaveFile(filepath.Join(w.dir, workersFile), records); err != nil {
		return fmt.Errorf("failed to save worker state: %w", err)
	}
	if !w.lastMark.IsZero() {
		now := time.Now()
		w.secondsRunning += uint64(now.Sub(w.lastMark).Seconds())
		w.lastMark = now
	}
	m := &meta{
		Version:        stateVersion,
		ID:             w.id,
		SecondsRunning: w.secondsRunning,
		Config:         w.cfg,
	}
	if err := config.SaveFile(filepath.Join(w.dir, metaFile), m); err != nil {
		return fmt.Errorf("failed to save meta: %w", err)
	}
	return nil
}

// installFilters loads every filter from the artifact log into every
// worker's counter. Runs one goroutine per worker; each counter is
// independent, so no synchronization is needed beyond the join.
func (w *Work) installFilters() error {
	var eg errgroup.Group
	for _, rec := range w.workers {
		rec := rec
		eg.Go(func() error {
			for _, enc := range w.artifacts {
				for _, f := range enc.Filters {
					rec.Inner.Counter.Insert(f)
				}
			}
			rec.Inner.Counter.RebuildInplace()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if len(w.artifacts) > 0 {
		log.Logf(1, "installed %v filters from %v artifacts into %v workers",
			w.workers[0].Inner.Counter.NumFilters(), len(w.artifacts), len(w.workers))
	}
	return nil
}

// workerRecordState is the serialized form of a WorkerRecord. The
// inner worker is kept as raw JSON so snapshots taken under the record
// lock stay immutable while the file write happens outside it.
type workerRecordState struct {
	ID                int               `json:"id"`
	From              instr.Instruction `json:"from"`
	To                instr.Instruction `json:"to,omitempty"`
	Done              bool              `json:"done"`
	ArtifactsProduced int               `json:"artifacts_produced"`
	Inner             json.RawMessage   `json:"worker"`
}

// snapshot must be called with rec.mu held.
func (rec *WorkerRecord) snapshot() (*workerRecordState, error) {
	inner, err := json.Marshal(rec.Inner)
	if err != nil {
		return nil, err
	}
	return &workerRecordState{
		ID:                rec.ID,
		From:              rec.From,
		To:                rec.To,
		Done:              rec.Done,
		ArtifactsProduced: rec.ArtifactsProduced,
		Inner:             inner,
	}, nil
}

func (s *workerRecordState) restore() (*WorkerRecord, error) {
	inner := new(enum.Worker)
	if err := json.Unmarshal(s.Inner, inner); err != nil {
		return nil, err
	}
	cnt := inner.Counter
	if !cnt.From().Empty() && s.From != cnt.From() {
		return nil, fmt.Errorf("counter from %v does not match record from %v", cnt.From(), s.From)
	}
	return &WorkerRecord{
		ID:                s.ID,
		From:              s.From,
		To:                s.To,
		Done:              s.Done,
		ArtifactsProduced: s.ArtifactsProduced,
		Inner:             inner,
	}, nil
}
