package nursery

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"lsmtree/block"
	"lsmtree/encoder"
)

// LogName is the write-ahead log kept next to the level files while
// the tree is live. A clean shutdown removes it.
const LogName = "nursery.data"

const logHeaderSize = 12 // crc:u32 + klen:u32 + vlen:u32

// logWriter appends crc-framed records to the nursery log. Every
// append is synced before the in-memory state may change.
type logWriter struct {
	path string
	file *os.File
	enc  *encoder.Encoder
	buf  []byte
}

func openLog(path string) (*logWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &logWriter{path: path, file: f, enc: encoder.NewEncoder()}, nil
}

// Append logs one write. A nil value with tombstone set logs a
// deletion.
func (w *logWriter) Append(key, value []byte, tombstone bool) error {
	kind := encoder.OpKindSet
	if tombstone {
		kind = encoder.OpKindDelete
		value = nil
	}
	tagged := w.enc.Encode(kind, value)

	needed := logHeaderSize + len(key) + len(tagged)
	if cap(w.buf) < needed {
		w.buf = make([]byte, needed)
	}
	buf := w.buf[:needed]
	binary.BigEndian.PutUint32(buf[4:], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[8:], uint32(len(tagged)))
	copy(buf[logHeaderSize:], key)
	copy(buf[logHeaderSize+len(key):], tagged)
	crc := crc32.ChecksumIEEE(buf[logHeaderSize:])
	binary.BigEndian.PutUint32(buf, crc)

	if _, err := w.file.Write(buf); err != nil {
		return errors.Wrapf(err, "append %s", w.path)
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", w.path)
	}
	return nil
}

func (w *logWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return errors.Wrapf(err, "close %s", w.path)
}

// replayLog streams the records of an existing nursery log to fn in
// append order. A truncated or crc-mismatching final record terminates
// the replay: it is the torn tail of the write the crash interrupted.
// A crc mismatch with more bytes after it is reported as
// block.ErrCorrupt. torn reports whether the tail was torn.
func replayLog(path string, fn func(key []byte, val *encoder.EncodedValue) error) (torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	enc := encoder.NewEncoder()
	br := bufio.NewReader(f)
	var hdr [logHeaderSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return false, nil
			}
			return true, nil // torn header
		}
		crc := binary.BigEndian.Uint32(hdr[:])
		klen := binary.BigEndian.Uint32(hdr[4:])
		vlen := binary.BigEndian.Uint32(hdr[8:])
		payload := make([]byte, klen+vlen)
		if _, err := io.ReadFull(br, payload); err != nil {
			return true, nil // torn payload
		}
		if crc32.ChecksumIEEE(payload) != crc {
			if _, perr := br.Peek(1); perr == nil {
				return false, errors.Wrapf(block.ErrCorrupt, "%s: crc mismatch before the end of the log", path)
			}
			return true, nil
		}
		key := payload[:klen:klen]
		if err := fn(key, enc.Parse(payload[klen:])); err != nil {
			return false, err
		}
	}
}
