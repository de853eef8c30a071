package encoder

// OpKind discriminates the two record flavors that flow through the
// engine. The byte value doubles as the on-disk value tag in leaf
// blocks and in the nursery log.
type OpKind uint8

const (
	OpKindDelete OpKind = iota
	OpKindSet
)

type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

type EncodedValue struct {
	val    []byte
	opKind OpKind
}

// Encode prefixes val with the operation tag. Tombstones carry no
// value bytes.
func (e *Encoder) Encode(opKind OpKind, val []byte) []byte {
	buf := make([]byte, len(val)+1)
	buf[0] = byte(opKind)
	copy(buf[1:], val)
	return buf
}

// Parse splits a tagged value back into its tag and payload.
func (e *Encoder) Parse(val []byte) *EncodedValue {
	if len(val) == 0 {
		return &EncodedValue{opKind: OpKindDelete}
	}
	buf := make([]byte, len(val)-1)
	opKind := val[0]
	copy(buf, val[1:])
	return &EncodedValue{val: buf, opKind: OpKind(opKind)}
}

func (ev *EncodedValue) Value() []byte {
	return ev.val
}

func (ev *EncodedValue) IsTombstone() bool {
	return ev.opKind == OpKindDelete
}
