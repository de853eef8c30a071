// Package btree reads and writes the immutable B-tree files that make
// up the levels of the store. A file starts with a leaf block at
// offset 0; each inner block is written as soon as its children are,
// so inner blocks sit between later leaves and the root comes last.
// The blocks are followed by a zero-length block terminator, the
// compressed bloom filter of every key in the file,
// and a fixed 12-byte trailer holding the bloom size and the root
// block offset.
package btree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"lsmtree/block"
	"lsmtree/bloom"
)

const (
	// LeafFanout is the number of records per leaf block.
	LeafFanout = 16
	// InnerFanout is the number of children per inner block.
	InnerFanout = 16

	trailerSize = 12
)

// Writer builds a level file from a strictly ascending record stream.
// The output accumulates under a temporary name and only reaches its
// final name through the atomic rename in Close.
type Writer struct {
	path string
	tmp  string
	file *os.File
	bw   *bufio.Writer

	offset  uint64
	last    []byte
	leaf    []block.Record
	staging [][]block.Child
	filter  *bloom.Filter
	count   int
}

// NewWriter opens a writer whose committed output will be path. The
// expected key count sizes the bloom filter.
func NewWriter(path string, expected uint) (*Writer, error) {
	tmp := fmt.Sprintf("%s.wip-%s", path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", tmp)
	}
	return &Writer{
		path:   path,
		tmp:    tmp,
		file:   f,
		bw:     bufio.NewWriter(f),
		filter: bloom.New(expected),
	}, nil
}

// Add appends one record. Keys must arrive in strictly ascending
// order with no duplicates.
func (w *Writer) Add(rec block.Record) error {
	if w.last != nil && bytes.Compare(rec.Key, w.last) <= 0 {
		return errors.Errorf("key %q is not above the previous key %q", rec.Key, w.last)
	}
	w.last = rec.Key
	w.filter.Add(rec.Key)
	w.count++
	w.leaf = append(w.leaf, rec)
	if len(w.leaf) == LeafFanout {
		return w.flushLeaf()
	}
	return nil
}

// Count returns the number of records added so far.
func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) writeBlock(buf []byte) (block.Child, error) {
	// The separator key for this block is its first key, read back
	// out of the encoded bytes so it stays valid after the caller's
	// buffers are reused.
	var first []byte
	if len(buf) > block.HeaderSize {
		klen := binary.BigEndian.Uint32(buf[block.HeaderSize:])
		first = buf[block.HeaderSize+4 : block.HeaderSize+4+int(klen)]
	}
	child := block.Child{
		Key:    first,
		Offset: w.offset,
		Size:   uint32(len(buf)),
	}
	if _, err := w.bw.Write(buf); err != nil {
		return block.Child{}, errors.Wrapf(err, "write %s", w.tmp)
	}
	w.offset += uint64(len(buf))
	return child, nil
}

func (w *Writer) flushLeaf() error {
	if len(w.leaf) == 0 {
		return nil
	}
	child, err := w.writeBlock(block.EncodeLeaf(w.leaf))
	if err != nil {
		return err
	}
	w.leaf = w.leaf[:0]
	return w.stage(0, child)
}

// stage records a finished block one level up, flushing that level
// when it fills.
func (w *Writer) stage(lvl int, child block.Child) error {
	for len(w.staging) <= lvl {
		w.staging = append(w.staging, nil)
	}
	w.staging[lvl] = append(w.staging[lvl], child)
	if len(w.staging[lvl]) == InnerFanout {
		return w.flushInner(lvl)
	}
	return nil
}

func (w *Writer) flushInner(lvl int) error {
	children := w.staging[lvl]
	w.staging[lvl] = nil
	child, err := w.writeBlock(block.EncodeInner(uint16(lvl+1), children))
	if err != nil {
		return err
	}
	return w.stage(lvl+1, child)
}

// Close flushes the partial leaf, collapses the staging levels into a
// single root, appends the terminator, the compressed bloom and the
// trailer, then fsyncs and renames the file into place.
func (w *Writer) Close() error {
	if err := w.flushLeaf(); err != nil {
		return err
	}
	if w.count == 0 {
		// A fileful of nothing still needs a root to point at.
		child, err := w.writeBlock(block.EncodeLeaf(nil))
		if err != nil {
			return err
		}
		if err := w.stage(0, child); err != nil {
			return err
		}
	}

	var root block.Child
	for lvl := 0; ; lvl++ {
		if lvl == len(w.staging)-1 && len(w.staging[lvl]) == 1 {
			root = w.staging[lvl][0]
			break
		}
		if len(w.staging[lvl]) > 0 {
			if err := w.flushInner(lvl); err != nil {
				return err
			}
		}
	}

	var terminator [4]byte
	if _, err := w.bw.Write(terminator[:]); err != nil {
		return errors.Wrapf(err, "write %s", w.tmp)
	}

	bloomBytes, err := w.filter.MarshalCompressed()
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(bloomBytes); err != nil {
		return errors.Wrapf(err, "write %s", w.tmp)
	}
	var trailer [trailerSize]byte
	binary.BigEndian.PutUint32(trailer[:], uint32(len(bloomBytes)))
	binary.BigEndian.PutUint64(trailer[4:], root.Offset)
	if _, err := w.bw.Write(trailer[:]); err != nil {
		return errors.Wrapf(err, "write %s", w.tmp)
	}

	if err := w.bw.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", w.tmp)
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", w.tmp)
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrapf(err, "close %s", w.tmp)
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", w.tmp, w.path)
	}
	w.file = nil
	return nil
}

// Abort discards the temporary output.
func (w *Writer) Abort() error {
	if w.file == nil {
		return nil
	}
	w.file.Close()
	w.file = nil
	return os.Remove(w.tmp)
}
