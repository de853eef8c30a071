// Package db exposes the tree handle: an embedded ordered key-value
// store built from an in-memory nursery and a chain of immutable
// on-disk B-tree levels. One tree owns one directory.
package db

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"lsmtree/level"
	"lsmtree/nursery"
)

// levelFileRe recognizes level files and extracts their level number.
var levelFileRe = regexp.MustCompile(`^[^\d]+-(\d+)\.data$`)

// DB is a tree handle. Mutating operations serialize through an
// exclusive writer guard, which is held across the log sync and any
// nursery flush; lookups and fold subscriptions share its read side
// and may run concurrently with each other and with background merges.
type DB struct {
	dir string
	cfg *config

	mu sync.RWMutex

	// fsmu guards the published level-file set: merge commits retire
	// files under its write side, readers of the set hold its read
	// side.
	fsmu sync.RWMutex

	nursery *nursery.Nursery
	top     *level.Level

	closed bool
	cancel chan struct{}
	folds  sync.WaitGroup

	dmu      sync.Mutex
	degraded error
}

// Open opens or creates the tree stored in dir.
func Open(dir string, opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}

	d := &DB{
		dir:    dir,
		cfg:    cfg,
		cancel: make(chan struct{}),
	}

	maxDepth, err := d.scanDir()
	if err != nil {
		return nil, err
	}

	lcfg := &level.Config{
		Dir:        dir,
		NurseryMax: cfg.nurseryMax,
		FileLock:   &d.fsmu,
		Logger:     cfg.logger,
		OnDegrade:  d.degrade,
	}

	// Build the chain bottom-up so every level's deeper link exists
	// before the level above it, then attach files deepest first.
	levels := make([]*level.Level, maxDepth+1)
	var next *level.Level
	for n := maxDepth; n >= 0; n-- {
		levels[n] = level.New(lcfg, n, next)
		next = levels[n]
	}
	d.top = levels[0]
	for n := maxDepth; n >= 0; n-- {
		if err := levels[n].OpenExisting(); err != nil {
			return nil, err
		}
	}

	nrs, err := nursery.Recover(dir, cfg.nurseryMax, d.top, cfg.logger)
	if err != nil {
		return nil, err
	}
	d.nursery = nrs

	cfg.logger.Infow("tree opened", "dir", dir, "levels", maxDepth+1)
	return d, nil
}

// scanDir sweeps leftover temporaries and returns the deepest level
// number present, or 0 for a fresh directory.
func (d *DB) scanDir() (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", d.dir)
	}
	maxDepth := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".tmp-") || strings.Contains(name, ".wip-") {
			// An aborted writer left this behind.
			os.Remove(filepath.Join(d.dir, name))
			d.cfg.logger.Debugw("removed stale temporary", "name", name)
			continue
		}
		m := levelFileRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > maxDepth {
			maxDepth = n
		}
	}
	return maxDepth, nil
}

func (d *DB) degrade(err error) {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	if d.degraded == nil {
		d.degraded = err
		d.cfg.logger.Errorw("tree is now read-only", "error", err)
	}
}

func (d *DB) degradedErr() error {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	return d.degraded
}

// Put stores value under key. The write is durable when Put returns.
func (d *DB) Put(key, value []byte) error {
	return d.write(key, value, false)
}

// Delete removes key by storing a tombstone over it.
func (d *DB) Delete(key []byte) error {
	return d.write(key, nil, true)
}

func (d *DB) write(key, value []byte, tombstone bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if derr := d.degradedErr(); derr != nil {
		return errors.Wrap(derr, "tree is read-only")
	}
	full, err := d.nursery.Add(key, value, tombstone)
	if err != nil {
		return err
	}
	if full {
		return d.nursery.Finish(d.top)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound. A tombstone
// anywhere shallow enough to win reports ErrNotFound without
// consulting deeper levels.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	if rec, ok := d.nursery.Lookup(key); ok {
		if rec.Tombstone {
			return nil, ErrNotFound
		}
		return append([]byte(nil), rec.Value...), nil
	}

	d.fsmu.RLock()
	defer d.fsmu.RUnlock()
	rec, err := d.top.Lookup(key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Tombstone {
		return nil, ErrNotFound
	}
	// Copy out of the reader's mapping before the file set can
	// change.
	return append([]byte(nil), rec.Value...), nil
}

// startFold pins a snapshot (nursery copy plus private sequential
// readers over the current file set) and starts its worker.
func (d *DB) startFold(rng Range, chunk int) (*foldWorker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	d.fsmu.RLock()
	snap := d.nursery.Snapshot(rng.From, rng.FromInclusive, rng.To, rng.ToInclusive)
	readers, err := d.top.OpenFoldReaders()
	d.fsmu.RUnlock()
	if err != nil {
		return nil, err
	}

	srcs := make([]foldSource, 0, len(readers)+1)
	srcs = append(srcs, &memSource{recs: snap})
	for _, r := range readers {
		fs, err := newFileSource(r, rng)
		if err != nil {
			for _, s := range srcs[1:] {
				s.close()
			}
			r.Close()
			return nil, err
		}
		srcs = append(srcs, fs)
	}

	w := newFoldWorker(srcs, chunk, rng.Limit, d.cancel)
	d.folds.Add(1)
	go func() {
		defer d.folds.Done()
		w.run()
	}()
	return w, nil
}

// FoldRange applies fn to every live record in the range, in key
// order, threading acc through. It blocks until the range is
// exhausted.
func (d *DB) FoldRange(rng Range, acc any, fn func(acc any, key, value []byte) any) (any, error) {
	w, err := d.startFold(rng, 0)
	if err != nil {
		return nil, err
	}
	defer w.cancel()
	for {
		m, err := d.recv(w)
		if err != nil {
			return nil, err
		}
		switch m.kind {
		case foldResult:
			acc = fn(acc, m.key, m.value)
		case foldDone:
			return acc, nil
		}
	}
}

// SyncRange materializes the range as a slice of pairs.
func (d *DB) SyncRange(rng Range) ([]KV, error) {
	acc, err := d.FoldRange(rng, []KV(nil), func(acc any, key, value []byte) any {
		return append(acc.([]KV), KV{Key: key, Value: value})
	})
	if err != nil {
		return nil, err
	}
	return acc.([]KV), nil
}

// AsyncRange starts a chunked fold over the range. The returned
// stream observes the tree as it was at this call; writes issued
// while the stream is consumed do not appear.
func (d *DB) AsyncRange(rng Range) (*Stream, error) {
	w, err := d.startFold(rng, d.cfg.asyncChunkSize)
	if err != nil {
		return nil, err
	}
	return &Stream{d: d, w: w}, nil
}

// Stats reports the population of the tree's pieces.
type Stats struct {
	NurseryRecords int
	LevelFiles     map[int]int
}

func (d *DB) Stats() (Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Stats{}, ErrClosed
	}
	st := Stats{
		NurseryRecords: d.nursery.Len(),
		LevelFiles:     make(map[int]int),
	}
	for l := d.top; l != nil; l = l.NextLevel() {
		st.LevelFiles[l.Depth()] = l.FileCount()
	}
	return st, nil
}

// Close drains the nursery into level 0, cancels in-flight folds,
// waits for pending merges and releases every file. Operations after
// Close return ErrClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	err := d.nursery.Close(d.top)
	d.mu.Unlock()

	close(d.cancel)
	d.folds.Wait()

	if cerr := d.top.Close(); err == nil {
		err = cerr
	}
	d.cfg.logger.Infow("tree closed", "dir", d.dir)
	return err
}
