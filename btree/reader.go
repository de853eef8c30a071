package btree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"lsmtree/block"
	"lsmtree/bloom"
)

// Reader reads one immutable level file. RANDOM mode maps the file
// into memory for point lookups; SEQUENTIAL mode adds read-ahead
// buffering for leaf-order scans. Both modes bootstrap by reading the
// trailer, the bloom filter and the root pointer.
type Reader struct {
	path string
	file *os.File

	data []byte        // RANDOM mode: the mapped file
	br   *bufio.Reader // SEQUENTIAL mode: read-ahead cursor

	filter  *bloom.Filter
	rootOff uint64
	size    int64
}

// OpenRandom opens path for point lookups, mapping it read-only.
func OpenRandom(path string) (*Reader, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(r.file.Fd()), 0, int(r.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		r.file.Close()
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	r.data = data
	return r, nil
}

// OpenSequential opens path for leaf-order iteration.
func OpenSequential(path string) (*Reader, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	r.br = bufio.NewReaderSize(r.file, 1<<16)
	return r, nil
}

func open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	r := &Reader{path: path, file: f}
	if err := r.bootstrap(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) bootstrap() error {
	fi, err := r.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", r.path)
	}
	r.size = fi.Size()
	if r.size < trailerSize+block.HeaderSize {
		return errors.Wrapf(block.ErrCorrupt, "%s: %d bytes is too short for a level file", r.path, r.size)
	}

	var trailer [trailerSize]byte
	if _, err := r.file.ReadAt(trailer[:], r.size-trailerSize); err != nil {
		return errors.Wrapf(err, "read trailer of %s", r.path)
	}
	bloomSize := int64(binary.BigEndian.Uint32(trailer[:]))
	r.rootOff = binary.BigEndian.Uint64(trailer[4:])

	bloomStart := r.size - trailerSize - bloomSize
	if bloomSize <= 0 || bloomStart < block.HeaderSize {
		return errors.Wrapf(block.ErrCorrupt, "%s: bloom size %d does not fit the file", r.path, bloomSize)
	}
	if r.rootOff > uint64(bloomStart)-block.HeaderSize {
		return errors.Wrapf(block.ErrCorrupt, "%s: root offset %d points outside the block region", r.path, r.rootOff)
	}

	bloomBytes := make([]byte, bloomSize)
	if _, err := r.file.ReadAt(bloomBytes, bloomStart); err != nil {
		return errors.Wrapf(err, "read bloom of %s", r.path)
	}
	filter, err := bloom.UnmarshalCompressed(bloomBytes)
	if err != nil {
		return errors.Wrapf(err, "%s", r.path)
	}
	r.filter = filter
	return nil
}

// Path returns the file the reader was opened on.
func (r *Reader) Path() string {
	return r.path
}

// MightContain consults the bloom filter only.
func (r *Reader) MightContain(key []byte) bool {
	return r.filter.Test(key)
}

// nodeAt decodes the block starting at off, through the mapping in
// RANDOM mode and via pread otherwise.
func (r *Reader) nodeAt(off uint64) (*block.Node, error) {
	if r.data != nil {
		if off+4 > uint64(len(r.data)) {
			return nil, errors.Wrapf(block.ErrCorrupt, "%s: block offset %d past end of file", r.path, off)
		}
		length := binary.BigEndian.Uint32(r.data[off:])
		end := off + 4 + uint64(length)
		if length < 2 || end > uint64(len(r.data)) {
			return nil, errors.Wrapf(block.ErrCorrupt, "%s: block at %d has impossible length %d", r.path, off, length)
		}
		n, err := block.Decode(r.data[off:end:end])
		return n, errors.Wrapf(err, "%s", r.path)
	}
	var hdr [4]byte
	if _, err := r.file.ReadAt(hdr[:], int64(off)); err != nil {
		return nil, errors.Wrapf(block.ErrCorrupt, "%s: read block header at %d: %v", r.path, off, err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length < 2 || int64(off)+4+int64(length) > r.size {
		return nil, errors.Wrapf(block.ErrCorrupt, "%s: block at %d has impossible length %d", r.path, off, length)
	}
	buf := make([]byte, 4+length)
	if _, err := r.file.ReadAt(buf, int64(off)); err != nil {
		return nil, errors.Wrapf(block.ErrCorrupt, "%s: read block at %d: %v", r.path, off, err)
	}
	n, err := block.Decode(buf)
	return n, errors.Wrapf(err, "%s", r.path)
}

// childFor picks the child whose subtree covers key: the one with the
// greatest separator <= key. ok is false when key sorts below every
// separator.
func childFor(children []block.Child, key []byte) (block.Child, bool) {
	i := sort.Search(len(children), func(i int) bool {
		return bytes.Compare(children[i].Key, key) > 0
	})
	if i == 0 {
		return block.Child{}, false
	}
	return children[i-1], true
}

// Lookup returns the record stored under key, tombstones included, or
// nil when the file does not contain the key.
func (r *Reader) Lookup(key []byte) (*block.Record, error) {
	if !r.filter.Test(key) {
		return nil, nil
	}
	off := r.rootOff
	for {
		n, err := r.nodeAt(off)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			i := sort.Search(len(n.Records), func(i int) bool {
				return bytes.Compare(n.Records[i].Key, key) >= 0
			})
			if i < len(n.Records) && bytes.Equal(n.Records[i].Key, key) {
				return &n.Records[i], nil
			}
			return nil, nil
		}
		child, ok := childFor(n.Children, key)
		if !ok {
			return nil, nil
		}
		off = child.Offset
	}
}

// SeekFirst positions the sequential cursor at the first leaf. The
// writer always emits a leaf first, so this is offset 0.
func (r *Reader) SeekFirst() error {
	return r.seekOffset(0)
}

// SeekTo positions the sequential cursor at the first leaf that can
// contain from, located through the inner spine. A nil from behaves
// like SeekFirst.
func (r *Reader) SeekTo(from []byte) error {
	if from == nil {
		return r.SeekFirst()
	}
	off := r.rootOff
	for {
		n, err := r.nodeAt(off)
		if err != nil {
			return err
		}
		if n.IsLeaf() {
			return r.seekOffset(off)
		}
		child, ok := childFor(n.Children, from)
		if !ok {
			// from sorts below the whole file; start at its
			// first leaf.
			child = n.Children[0]
		}
		off = child.Offset
	}
}

func (r *Reader) seekOffset(off uint64) error {
	if _, err := r.file.Seek(int64(off), io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek %s", r.path)
	}
	if r.br == nil {
		r.br = bufio.NewReaderSize(r.file, 1<<16)
	} else {
		r.br.Reset(r.file)
	}
	return nil
}

// NextLeaf returns the members of the next leaf at the cursor,
// transparently skipping inner blocks, and io.EOF once the block
// terminator is reached.
func (r *Reader) NextLeaf() ([]block.Record, error) {
	for {
		n, err := block.ReadNode(r.br)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "%s", r.path)
		}
		if n.IsLeaf() {
			return n.Records, nil
		}
	}
}

// RangeFold streams every record whose key lies inside the given
// bounds to fn, in key order. A negative limit is unbounded. When the
// limit reaches zero the fold stops and returns the key that would
// have been emitted next, for resumption; otherwise next is nil at
// the end of the range or file.
func (r *Reader) RangeFold(from []byte, fromInclusive bool, to []byte, toInclusive bool, limit int, fn func(block.Record) error) (next []byte, err error) {
	if err := r.SeekTo(from); err != nil {
		return nil, err
	}
	remaining := limit
	for {
		recs, err := r.NextLeaf()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for i := range recs {
			rec := recs[i]
			if from != nil {
				cmp := bytes.Compare(rec.Key, from)
				if cmp < 0 || (cmp == 0 && !fromInclusive) {
					continue
				}
			}
			if to != nil {
				cmp := bytes.Compare(rec.Key, to)
				if cmp > 0 || (cmp == 0 && !toInclusive) {
					return nil, nil
				}
			}
			if remaining == 0 {
				return append([]byte(nil), rec.Key...), nil
			}
			if err := fn(rec); err != nil {
				return nil, err
			}
			if remaining > 0 {
				remaining--
			}
		}
	}
}

// Close releases the mapping and the file descriptor.
func (r *Reader) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return errors.Wrapf(err, "munmap %s", r.path)
		}
		r.data = nil
	}
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return errors.Wrapf(err, "close %s", r.path)
}
