// Package nursery implements the in-memory write buffer of the tree:
// a bounded ordered mapping backed by an append-only log so that
// acknowledged writes survive a crash. A full nursery drains through
// the level-file writer into level 0.
package nursery

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	gbtree "github.com/google/btree"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lsmtree/block"
	"lsmtree/btree"
	"lsmtree/encoder"
	"lsmtree/level"
)

// DefaultMax is the default record capacity.
const DefaultMax = 256

type item struct {
	key       []byte
	value     []byte
	tombstone bool
}

func itemLess(a, b *item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type Nursery struct {
	dir    string
	max    int
	tree   *gbtree.BTreeG[*item]
	wal    *logWriter
	logger *zap.SugaredLogger
}

// New creates an empty nursery with a fresh log.
func New(dir string, max int, logger *zap.SugaredLogger) (*Nursery, error) {
	if max <= 0 {
		max = DefaultMax
	}
	wal, err := openLog(filepath.Join(dir, LogName))
	if err != nil {
		return nil, err
	}
	return &Nursery{
		dir:    dir,
		max:    max,
		tree:   gbtree.NewG(16, itemLess),
		wal:    wal,
		logger: logger,
	}, nil
}

// Recover rebuilds the nursery from a log left behind by a crash. A
// missing log yields an empty nursery. A replayed nursery that is
// already full drains into top immediately.
func Recover(dir string, max int, top *level.Level, logger *zap.SugaredLogger) (*Nursery, error) {
	path := filepath.Join(dir, LogName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return New(dir, max, logger)
		}
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	if max <= 0 {
		max = DefaultMax
	}
	tree := gbtree.NewG(16, itemLess)
	replayed := 0
	torn, err := replayLog(path, func(key []byte, val *encoder.EncodedValue) error {
		tree.ReplaceOrInsert(&item{
			key:       key,
			value:     val.Value(),
			tombstone: val.IsTombstone(),
		})
		replayed++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if torn {
		logger.Warnw("nursery log ends in a torn record, replay stopped there", "path", path, "replayed", replayed)
	}
	logger.Infow("nursery recovered", "path", path, "records", tree.Len())

	wal, err := openLog(path)
	if err != nil {
		return nil, err
	}
	n := &Nursery{dir: dir, max: max, tree: tree, wal: wal, logger: logger}
	if n.tree.Len() >= n.max {
		if err := n.Finish(top); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Add durably records one write and applies it to the mapping. full
// reports that the nursery has reached capacity and must be finished.
func (n *Nursery) Add(key, value []byte, tombstone bool) (full bool, err error) {
	if err := n.wal.Append(key, value, tombstone); err != nil {
		return false, err
	}
	it := &item{
		key:       append([]byte(nil), key...),
		tombstone: tombstone,
	}
	if !tombstone {
		it.value = append([]byte(nil), value...)
	}
	n.tree.ReplaceOrInsert(it)
	return n.tree.Len() >= n.max, nil
}

// Lookup returns the record stored under key, tombstones included.
func (n *Nursery) Lookup(key []byte) (*block.Record, bool) {
	it, ok := n.tree.Get(&item{key: key})
	if !ok {
		return nil, false
	}
	return &block.Record{Key: it.key, Value: it.value, Tombstone: it.tombstone}, true
}

// Len returns the current record count.
func (n *Nursery) Len() int {
	return n.tree.Len()
}

// Finish drains the nursery: its records stream in key order into a
// new level-0 file which is handed to top, then the log is discarded
// and the mapping reset. An empty nursery is a no-op.
func (n *Nursery) Finish(top *level.Level) error {
	if n.tree.Len() == 0 {
		return nil
	}

	tmp := filepath.Join(n.dir, ".tmp-"+uuid.NewString())
	w, err := btree.NewWriter(tmp, uint(n.max))
	if err != nil {
		return err
	}
	n.tree.Ascend(func(it *item) bool {
		err = w.Add(block.Record{Key: it.key, Value: it.value, Tombstone: it.tombstone})
		return err == nil
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return err
	}
	n.logger.Infow("nursery flushed", "records", n.tree.Len())

	if err := top.Inject(tmp); err != nil {
		return err
	}

	if err := n.resetLog(); err != nil {
		return err
	}
	n.tree.Clear(false)
	return nil
}

func (n *Nursery) resetLog() error {
	if err := n.wal.Close(); err != nil {
		return err
	}
	path := filepath.Join(n.dir, LogName)
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "unlink %s", path)
	}
	wal, err := openLog(path)
	if err != nil {
		return err
	}
	n.wal = wal
	return nil
}

// Snapshot copies the in-range records out of the mapping, in key
// order, tombstones included. Fold workers use it to pin the state
// seen at subscription time.
func (n *Nursery) Snapshot(from []byte, fromInclusive bool, to []byte, toInclusive bool) []block.Record {
	recs := make([]block.Record, 0, n.tree.Len())
	iter := func(it *item) bool {
		if from != nil {
			cmp := bytes.Compare(it.key, from)
			if cmp < 0 || (cmp == 0 && !fromInclusive) {
				return true
			}
		}
		if to != nil {
			cmp := bytes.Compare(it.key, to)
			if cmp > 0 || (cmp == 0 && !toInclusive) {
				return false
			}
		}
		recs = append(recs, block.Record{Key: it.key, Value: it.value, Tombstone: it.tombstone})
		return true
	}
	if from == nil {
		n.tree.Ascend(iter)
	} else {
		n.tree.AscendGreaterOrEqual(&item{key: from}, iter)
	}
	return recs
}

// Close flushes any remaining records into top and removes the log,
// so that a cleanly shut down tree leaves no nursery file behind.
func (n *Nursery) Close(top *level.Level) error {
	if err := n.Finish(top); err != nil {
		return err
	}
	if err := n.wal.Close(); err != nil {
		return err
	}
	path := filepath.Join(n.dir, LogName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unlink %s", path)
	}
	return nil
}
