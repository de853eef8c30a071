package level

import (
	"bytes"
	"io"

	"lsmtree/block"
	"lsmtree/btree"
)

// mergeSource walks one input file of a merge in leaf order.
type mergeSource struct {
	r    *btree.Reader
	recs []block.Record
	i    int
	done bool
}

func newMergeSource(path string) (*mergeSource, error) {
	r, err := btree.OpenSequential(path)
	if err != nil {
		return nil, err
	}
	if err := r.SeekFirst(); err != nil {
		r.Close()
		return nil, err
	}
	s := &mergeSource{r: r}
	if err := s.fill(); err != nil {
		r.Close()
		return nil, err
	}
	return s, nil
}

func (s *mergeSource) fill() error {
	for {
		recs, err := s.r.NextLeaf()
		if err == io.EOF {
			s.done = true
			return nil
		}
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			s.recs, s.i = recs, 0
			return nil
		}
	}
}

func (s *mergeSource) head() *block.Record {
	if s.done {
		return nil
	}
	return &s.recs[s.i]
}

func (s *mergeSource) advance() error {
	s.i++
	if s.i >= len(s.recs) {
		return s.fill()
	}
	return nil
}

func (s *mergeSource) close() {
	s.r.Close()
}

// mergeStreams emits the k-way merge of srcs to w in key order. srcs
// are ordered shallowest first; on equal keys the shallowest source
// wins and the older records are consumed silently. Tombstones are
// dropped only when the output becomes the deepest populated level,
// where there is nothing left for them to shadow.
func mergeStreams(w *btree.Writer, srcs []*mergeSource, dropTombstones bool) error {
	for {
		var minKey []byte
		for _, s := range srcs {
			h := s.head()
			if h == nil {
				continue
			}
			if minKey == nil || bytes.Compare(h.Key, minKey) < 0 {
				minKey = h.Key
			}
		}
		if minKey == nil {
			return nil
		}

		var winner *block.Record
		for _, s := range srcs {
			h := s.head()
			if h == nil || !bytes.Equal(h.Key, minKey) {
				continue
			}
			if winner == nil {
				winner = h
			}
			if err := s.advance(); err != nil {
				return err
			}
		}

		if winner.Tombstone && dropTombstones {
			continue
		}
		if err := w.Add(*winner); err != nil {
			return err
		}
	}
}
