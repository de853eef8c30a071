// Package level maintains the chain of on-disk levels. Each level
// owns up to two immutable files: slot A (older) and slot B (newer).
// Injecting a second file enqueues a background merge whose single
// output is injected one level deeper; only after the output has been
// renamed into place are the inputs unlinked.
package level

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lsmtree/block"
	"lsmtree/btree"
)

// Top is the level number nursery flushes land on.
const Top = 0

// Config is shared by every level of one tree.
type Config struct {
	Dir        string
	NurseryMax int

	// FileLock guards the published file set. Lookups and fold
	// subscriptions hold its read side; retiring merged inputs takes
	// the write side.
	FileLock *sync.RWMutex

	Logger *zap.SugaredLogger

	// OnDegrade is called after a merge has failed twice.
	OnDegrade func(error)
}

type Level struct {
	cfg   *Config
	depth int

	mu      sync.Mutex
	cond    *sync.Cond
	a, b    *btree.Reader // a older, b newer
	next    *Level
	merging bool
	failed  error
	wg      sync.WaitGroup
}

// New creates a level handle. It does not touch the disk; use
// OpenExisting to attach files found in the directory.
func New(cfg *Config, depth int, next *Level) *Level {
	l := &Level{cfg: cfg, depth: depth, next: next}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Level) Depth() int {
	return l.depth
}

// NextLevel returns the next deeper level, or nil at the bottom of
// the chain.
func (l *Level) NextLevel() *Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

func (l *Level) aPath() string {
	return filepath.Join(l.cfg.Dir, fmt.Sprintf("BTree-%d.data", l.depth))
}

func (l *Level) bPath() string {
	return filepath.Join(l.cfg.Dir, fmt.Sprintf("BTreeB-%d.data", l.depth))
}

// FileCount returns how many files the level currently owns.
func (l *Level) FileCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	if l.a != nil {
		n++
	}
	if l.b != nil {
		n++
	}
	return n
}

// OpenExisting attaches the level's slot files found on disk. A lone
// B slot is promoted to A; a full pair re-enqueues the merge that was
// pending when the tree was last open.
func (l *Level) OpenExisting() error {
	aExists := fileExists(l.aPath())
	bExists := fileExists(l.bPath())
	if bExists && !aExists {
		if err := os.Rename(l.bPath(), l.aPath()); err != nil {
			return errors.Wrapf(err, "promote %s", l.bPath())
		}
		aExists, bExists = true, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if aExists {
		r, err := btree.OpenRandom(l.aPath())
		if err != nil {
			return err
		}
		l.a = r
	}
	if bExists {
		r, err := btree.OpenRandom(l.bPath())
		if err != nil {
			return err
		}
		l.b = r
	}
	if l.a != nil && l.b != nil {
		l.startMerge()
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Inject renames a finished temporary file into the level's free slot
// and triggers a merge when the slot was the second one. It blocks
// while both slots are occupied by a merge still in flight.
func (l *Level) Inject(tmp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.a != nil && l.b != nil && l.failed == nil {
		l.cond.Wait()
	}
	if l.failed != nil {
		return l.failed
	}

	dst := l.aPath()
	if l.a != nil {
		dst = l.bPath()
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmp, dst)
	}
	r, err := btree.OpenRandom(dst)
	if err != nil {
		return err
	}
	if l.a == nil {
		l.a = r
	} else {
		l.b = r
	}
	l.cfg.Logger.Debugw("level file attached", "level", l.depth, "path", dst)

	if l.a != nil && l.b != nil {
		l.startMerge()
	}
	return nil
}

// startMerge is called with l.mu held and both slots occupied.
func (l *Level) startMerge() {
	l.merging = true
	l.wg.Add(1)
	go l.runMerge(l.aPath(), l.bPath())
}

func (l *Level) runMerge(aPath, bPath string) {
	defer l.wg.Done()

	out, err := l.mergeOnce(aPath, bPath)
	if err != nil {
		l.cfg.Logger.Warnw("merge failed, retrying once", "level", l.depth, "error", err)
		out, err = l.mergeOnce(aPath, bPath)
	}
	if err == nil {
		err = l.ensureNext().Inject(out)
		if err != nil {
			os.Remove(out)
		}
	}
	if err != nil {
		l.cfg.Logger.Errorw("merge failed twice, leaving inputs in place", "level", l.depth, "error", err)
		l.mu.Lock()
		l.failed = errors.Wrapf(err, "merge of level %d", l.depth)
		l.merging = false
		l.cond.Broadcast()
		l.mu.Unlock()
		if l.cfg.OnDegrade != nil {
			l.cfg.OnDegrade(err)
		}
		return
	}

	// The output is in place one level deeper; the inputs are now
	// superseded and can be retired.
	l.cfg.FileLock.Lock()
	l.mu.Lock()
	a, b := l.a, l.b
	l.a, l.b = nil, nil
	l.merging = false
	l.cond.Broadcast()
	l.mu.Unlock()
	a.Close()
	b.Close()
	os.Remove(aPath)
	os.Remove(bPath)
	l.cfg.FileLock.Unlock()

	l.cfg.Logger.Infow("merge committed", "level", l.depth)
}

func (l *Level) mergeOnce(aPath, bPath string) (string, error) {
	// Newer data shadows older: slot B is the shallower source.
	bSrc, err := newMergeSource(bPath)
	if err != nil {
		return "", err
	}
	defer bSrc.close()
	aSrc, err := newMergeSource(aPath)
	if err != nil {
		return "", err
	}
	defer aSrc.close()

	out := filepath.Join(l.cfg.Dir, ".tmp-"+uuid.NewString())
	expected := uint(l.cfg.NurseryMax) << uint(l.depth+1)
	w, err := btree.NewWriter(out, expected)
	if err != nil {
		return "", err
	}
	if err := mergeStreams(w, []*mergeSource{bSrc, aSrc}, !l.hasDataBelow()); err != nil {
		w.Abort()
		return "", err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return "", err
	}
	return out, nil
}

// hasDataBelow reports whether any level deeper than this one still
// holds a file. When it does, tombstones in this merge's output still
// have older values to shadow and must survive.
func (l *Level) hasDataBelow() bool {
	for m := l.NextLevel(); m != nil; m = m.NextLevel() {
		if m.FileCount() > 0 {
			return true
		}
	}
	return false
}

func (l *Level) ensureNext() *Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next == nil {
		l.next = New(l.cfg, l.depth+1, nil)
	}
	return l.next
}

// Lookup consults this level's files newest-first and descends only
// when neither file knows the key. Tombstones are returned as-is;
// they are authoritative and stop the descent. The caller must hold
// the read side of the file lock.
func (l *Level) Lookup(key []byte) (*block.Record, error) {
	l.mu.Lock()
	b, a, next := l.b, l.a, l.next
	l.mu.Unlock()

	for _, r := range []*btree.Reader{b, a} {
		if r == nil {
			continue
		}
		rec, err := r.Lookup(key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	if next != nil {
		return next.Lookup(key)
	}
	return nil, nil
}

// OpenFoldReaders opens a fresh sequential reader for every file of
// this level and the levels below it, ordered shallowest source
// first. The caller must hold the read side of the file lock and owns
// the returned readers.
func (l *Level) OpenFoldReaders() ([]*btree.Reader, error) {
	l.mu.Lock()
	var paths []string
	if l.b != nil {
		paths = append(paths, l.b.Path())
	}
	if l.a != nil {
		paths = append(paths, l.a.Path())
	}
	next := l.next
	l.mu.Unlock()

	var readers []*btree.Reader
	for _, p := range paths {
		r, err := btree.OpenSequential(p)
		if err != nil {
			closeAll(readers)
			return nil, err
		}
		readers = append(readers, r)
	}
	if next != nil {
		deeper, err := next.OpenFoldReaders()
		if err != nil {
			closeAll(readers)
			return nil, err
		}
		readers = append(readers, deeper...)
	}
	return readers, nil
}

func closeAll(readers []*btree.Reader) {
	for _, r := range readers {
		r.Close()
	}
}

// Close waits for this level's in-flight merge, releases its readers,
// then closes the deeper levels.
func (l *Level) Close() error {
	l.wg.Wait()

	l.mu.Lock()
	a, b, next := l.a, l.b, l.next
	l.a, l.b = nil, nil
	l.mu.Unlock()

	var err error
	if a != nil {
		err = a.Close()
	}
	if b != nil {
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}
	if next != nil {
		if cerr := next.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
