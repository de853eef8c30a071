package db

import (
	"bytes"
	"io"
	"sync"
	"time"

	"lsmtree/block"
	"lsmtree/btree"
)

// Range bounds a fold. Nil keys leave that side unbounded; Limit caps
// the total number of results when positive.
type Range struct {
	From          []byte
	FromInclusive bool
	To            []byte
	ToInclusive   bool
	Limit         int
}

func (r Range) contains(key []byte) (inside, past bool) {
	if r.From != nil {
		cmp := bytes.Compare(key, r.From)
		if cmp < 0 || (cmp == 0 && !r.FromInclusive) {
			return false, false
		}
	}
	if r.To != nil {
		cmp := bytes.Compare(key, r.To)
		if cmp > 0 || (cmp == 0 && !r.ToInclusive) {
			return false, true
		}
	}
	return true, false
}

// KV is one fold result.
type KV struct {
	Key   []byte
	Value []byte
}

type foldKind int

const (
	foldResult foldKind = iota
	foldLimit
	foldDone
)

type foldMsg struct {
	kind  foldKind
	key   []byte
	value []byte
}

// foldSource is one tagged record stream feeding a fold worker. The
// position of a source in the worker's slice is its shallowness rank:
// index 0 is the nursery, then each level's files newest first.
type foldSource interface {
	head() *block.Record
	advance() error
	close()
}

// memSource streams a nursery snapshot.
type memSource struct {
	recs []block.Record
	i    int
}

func (s *memSource) head() *block.Record {
	if s.i >= len(s.recs) {
		return nil
	}
	return &s.recs[s.i]
}

func (s *memSource) advance() error {
	s.i++
	return nil
}

func (s *memSource) close() {}

// fileSource streams the in-range records of one level file through a
// sequential reader owned by the fold.
type fileSource struct {
	r    *btree.Reader
	rng  Range
	recs []block.Record
	i    int
	done bool
}

func newFileSource(r *btree.Reader, rng Range) (*fileSource, error) {
	s := &fileSource{r: r, rng: rng}
	if err := r.SeekTo(rng.From); err != nil {
		return nil, err
	}
	if err := s.skipToRange(); err != nil {
		return nil, err
	}
	return s, nil
}

// skipToRange advances until the head record lies inside the range,
// or marks the source exhausted once the range is behind us.
func (s *fileSource) skipToRange() error {
	for !s.done {
		for s.i < len(s.recs) {
			inside, past := s.rng.contains(s.recs[s.i].Key)
			if past {
				s.done = true
				return nil
			}
			if inside {
				return nil
			}
			s.i++
		}
		recs, err := s.r.NextLeaf()
		if err == io.EOF {
			s.done = true
			return nil
		}
		if err != nil {
			return err
		}
		s.recs, s.i = recs, 0
	}
	return nil
}

func (s *fileSource) head() *block.Record {
	if s.done {
		return nil
	}
	return &s.recs[s.i]
}

func (s *fileSource) advance() error {
	s.i++
	return s.skipToRange()
}

func (s *fileSource) close() {
	s.r.Close()
}

// foldWorker owns a snapshot of the tree (nursery copy plus its own
// sequential readers) and streams the k-way merge of its sources to
// the consumer. The snapshot is retained across chunk pauses, which
// is what gives resumed async folds their isolation from later
// writes.
type foldWorker struct {
	srcs   []foldSource
	out    chan foldMsg
	resume chan struct{}
	stop   chan struct{}
	dead   chan struct{}
	closed chan struct{} // the tree's close signal
	once   sync.Once

	chunk int // results per chunk; <= 0 means unbounded
	total int // overall result cap; <= 0 means unbounded
}

func newFoldWorker(srcs []foldSource, chunk, total int, closed chan struct{}) *foldWorker {
	return &foldWorker{
		srcs:   srcs,
		out:    make(chan foldMsg),
		resume: make(chan struct{}),
		stop:   make(chan struct{}),
		dead:   make(chan struct{}),
		closed: closed,
		chunk:  chunk,
		total:  total,
	}
}

// cancel aborts the worker. Safe to call more than once.
func (w *foldWorker) cancel() {
	w.once.Do(func() { close(w.stop) })
}

func (w *foldWorker) send(m foldMsg) bool {
	select {
	case w.out <- m:
		return true
	case <-w.stop:
		return false
	case <-w.closed:
		return false
	}
}

func (w *foldWorker) awaitResume() bool {
	select {
	case <-w.resume:
		return true
	case <-w.stop:
		return false
	case <-w.closed:
		return false
	}
}

func (w *foldWorker) run() {
	defer close(w.dead)
	defer func() {
		for _, s := range w.srcs {
			s.close()
		}
	}()

	emitted, sent := 0, 0
	for {
		var minKey []byte
		for _, s := range w.srcs {
			h := s.head()
			if h == nil {
				continue
			}
			if minKey == nil || bytes.Compare(h.Key, minKey) < 0 {
				minKey = h.Key
			}
		}
		if minKey == nil {
			w.send(foldMsg{kind: foldDone})
			return
		}

		// The shallowest source holding the key wins; every source
		// at this key advances past it.
		var winner *block.Record
		for _, s := range w.srcs {
			h := s.head()
			if h == nil || !bytes.Equal(h.Key, minKey) {
				continue
			}
			if winner == nil {
				winner = h
			}
			if err := s.advance(); err != nil {
				// The snapshot turned unreadable under us; there is
				// nothing sensible left to stream.
				w.send(foldMsg{kind: foldDone})
				return
			}
		}

		if winner.Tombstone {
			continue
		}
		if w.total > 0 && sent == w.total {
			w.send(foldMsg{kind: foldDone})
			return
		}
		if w.chunk > 0 && emitted == w.chunk {
			if !w.send(foldMsg{kind: foldLimit, key: winner.Key}) {
				return
			}
			if !w.awaitResume() {
				return
			}
			emitted = 0
		}
		if !w.send(foldMsg{kind: foldResult, key: winner.Key, value: winner.Value}) {
			return
		}
		emitted++
		sent++
	}
}

// recv waits for the next worker message under the fold deadline.
func (d *DB) recv(w *foldWorker) (foldMsg, error) {
	t := time.NewTimer(d.cfg.foldTimeout)
	defer t.Stop()
	select {
	case m := <-w.out:
		return m, nil
	case <-t.C:
		w.cancel()
		return foldMsg{}, ErrTimeout
	case <-w.closed:
		return foldMsg{}, ErrCancelled
	}
}

// Stream is a resumable asynchronous range fold. Each NextChunk call
// yields up to the configured chunk size of results; io.EOF marks the
// end of the range.
type Stream struct {
	d        *DB
	w        *foldWorker
	started  bool
	finished bool
}

func (s *Stream) NextChunk() ([]KV, error) {
	if s.finished {
		return nil, io.EOF
	}
	if s.started {
		select {
		case s.w.resume <- struct{}{}:
		case <-s.w.dead:
			s.finished = true
			return nil, ErrCancelled
		case <-s.w.closed:
			s.finished = true
			return nil, ErrCancelled
		}
	}
	s.started = true

	var chunk []KV
	for {
		m, err := s.d.recv(s.w)
		if err != nil {
			s.finished = true
			return nil, err
		}
		switch m.kind {
		case foldResult:
			chunk = append(chunk, KV{Key: m.key, Value: m.value})
		case foldLimit:
			return chunk, nil
		case foldDone:
			s.finished = true
			if len(chunk) > 0 {
				return chunk, nil
			}
			return nil, io.EOF
		}
	}
}

// Close abandons the stream before its end.
func (s *Stream) Close() {
	s.finished = true
	s.w.cancel()
}
