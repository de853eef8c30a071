// Package block implements the on-disk node block codec shared by the
// level file writer and readers.
//
// Every block is framed as
//
//	length:u32 || level:u16 || body[length-2]
//
// in big-endian byte order, so length counts the level field plus the
// body. Level 0 marks a leaf whose body is a sorted run of records;
// any higher level marks an inner node whose body is a sorted run of
// (separator key, child pointer) pairs. A length of zero where a block
// header is expected is the terminator for sequential iteration.
package block

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"lsmtree/encoder"
)

// HeaderSize is the framing overhead of a block: the u32 length prefix
// plus the u16 level field.
const HeaderSize = 6

// Leaf is the level number of leaf blocks.
const Leaf uint16 = 0

// ErrCorrupt reports a block or file that does not decode. It is never
// repaired automatically.
var ErrCorrupt = errors.New("corrupt block")

// Record is a single key-value pair. A tombstone record carries no
// value and marks the key as deleted.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Child points at one block of the next shallower tree level. Key is
// the smallest key reachable through the child; Size is the full
// on-disk size of the child block including its length prefix.
type Child struct {
	Key    []byte
	Offset uint64
	Size   uint32
}

// Node is a decoded block.
type Node struct {
	Level    uint16
	Records  []Record // level == Leaf
	Children []Child  // level > Leaf
}

func (n *Node) IsLeaf() bool {
	return n.Level == Leaf
}

// EncodeLeaf frames records as a leaf block. Records must already be
// in ascending key order.
func EncodeLeaf(recs []Record) []byte {
	size := HeaderSize
	for i := range recs {
		size += 4 + len(recs[i].Key) + 1 + 4 + len(recs[i].Value)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(size-4))
	binary.BigEndian.PutUint16(buf[4:], Leaf)
	off := HeaderSize
	for i := range recs {
		r := &recs[i]
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Key)))
		off += 4
		off += copy(buf[off:], r.Key)
		if r.Tombstone {
			buf[off] = byte(encoder.OpKindDelete)
			off++
			binary.BigEndian.PutUint32(buf[off:], 0)
			off += 4
			continue
		}
		buf[off] = byte(encoder.OpKindSet)
		off++
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Value)))
		off += 4
		off += copy(buf[off:], r.Value)
	}
	return buf
}

// EncodeInner frames children as an inner block at the given tree
// level (level >= 1).
func EncodeInner(level uint16, children []Child) []byte {
	size := HeaderSize
	for i := range children {
		size += 4 + len(children[i].Key) + 8 + 4
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(size-4))
	binary.BigEndian.PutUint16(buf[4:], level)
	off := HeaderSize
	for i := range children {
		c := &children[i]
		binary.BigEndian.PutUint32(buf[off:], uint32(len(c.Key)))
		off += 4
		off += copy(buf[off:], c.Key)
		binary.BigEndian.PutUint64(buf[off:], c.Offset)
		off += 8
		binary.BigEndian.PutUint32(buf[off:], c.Size)
		off += 4
	}
	return buf
}

// Decode parses a fully framed block, header included.
func Decode(buf []byte) (*Node, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrapf(ErrCorrupt, "block of %d bytes is shorter than the header", len(buf))
	}
	length := binary.BigEndian.Uint32(buf)
	if int(length) != len(buf)-4 {
		return nil, errors.Wrapf(ErrCorrupt, "length field %d disagrees with block size %d", length, len(buf))
	}
	level := binary.BigEndian.Uint16(buf[4:])
	body := buf[HeaderSize:]
	if level == Leaf {
		recs, err := decodeLeafBody(body)
		if err != nil {
			return nil, err
		}
		return &Node{Level: Leaf, Records: recs}, nil
	}
	children, err := decodeInnerBody(body)
	if err != nil {
		return nil, err
	}
	return &Node{Level: level, Children: children}, nil
}

func decodeLeafBody(body []byte) ([]Record, error) {
	var recs []Record
	off := 0
	for off < len(body) {
		if off+4 > len(body) {
			return nil, errors.Wrapf(ErrCorrupt, "leaf entry at %d: truncated key length", off)
		}
		klen := int(binary.BigEndian.Uint32(body[off:]))
		off += 4
		if off+klen+5 > len(body) {
			return nil, errors.Wrapf(ErrCorrupt, "leaf entry at %d: truncated key or value header", off)
		}
		key := body[off : off+klen : off+klen]
		off += klen
		tag := encoder.OpKind(body[off])
		off++
		vlen := int(binary.BigEndian.Uint32(body[off:]))
		off += 4
		switch tag {
		case encoder.OpKindDelete:
			if vlen != 0 {
				return nil, errors.Wrapf(ErrCorrupt, "leaf entry at %d: tombstone with %d value bytes", off, vlen)
			}
			recs = append(recs, Record{Key: key, Tombstone: true})
		case encoder.OpKindSet:
			if off+vlen > len(body) {
				return nil, errors.Wrapf(ErrCorrupt, "leaf entry at %d: truncated value", off)
			}
			recs = append(recs, Record{Key: key, Value: body[off : off+vlen : off+vlen]})
			off += vlen
		default:
			return nil, errors.Wrapf(ErrCorrupt, "leaf entry at %d: unknown value tag %#x", off, byte(tag))
		}
	}
	return recs, nil
}

func decodeInnerBody(body []byte) ([]Child, error) {
	var children []Child
	off := 0
	for off < len(body) {
		if off+4 > len(body) {
			return nil, errors.Wrapf(ErrCorrupt, "inner entry at %d: truncated key length", off)
		}
		klen := int(binary.BigEndian.Uint32(body[off:]))
		off += 4
		if off+klen+12 > len(body) {
			return nil, errors.Wrapf(ErrCorrupt, "inner entry at %d: truncated entry", off)
		}
		key := body[off : off+klen : off+klen]
		off += klen
		child := Child{
			Key:    key,
			Offset: binary.BigEndian.Uint64(body[off:]),
			Size:   binary.BigEndian.Uint32(body[off+8:]),
		}
		off += 12
		if child.Size < HeaderSize {
			return nil, errors.Wrapf(ErrCorrupt, "inner entry at %d: impossible child size %d", off, child.Size)
		}
		children = append(children, child)
	}
	return children, nil
}

// ReadNode reads the next framed block from r. It returns io.EOF when
// the zero-length terminator is reached, and ErrCorrupt when the
// stream ends mid-block.
func ReadNode(r io.Reader) (*Node, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(ErrCorrupt, "truncated block header: %v", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, io.EOF
	}
	if length < 2 {
		return nil, errors.Wrapf(ErrCorrupt, "block length %d is shorter than its level field", length)
	}
	buf := make([]byte, 4+length)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "truncated block body: %v", err)
	}
	return Decode(buf)
}
