// Package bloom wraps the bits-and-blooms filter with the snappy
// compressed serialization stored in the trailer region of level
// files.
package bloom

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	blooms "github.com/bits-and-blooms/bloom/v3"

	"lsmtree/block"
)

// FalsePositiveRate is the target rate every filter is sized for.
const FalsePositiveRate = 0.01

type Filter struct {
	bf *blooms.BloomFilter
}

// New sizes a filter for the expected number of keys.
func New(expected uint) *Filter {
	if expected == 0 {
		expected = 1
	}
	return &Filter{bf: blooms.NewWithEstimates(expected, FalsePositiveRate)}
}

func (f *Filter) Add(key []byte) {
	f.bf.Add(key)
}

// Test reports whether key may be in the set. False positives are
// possible, false negatives are not.
func (f *Filter) Test(key []byte) bool {
	return f.bf.Test(key)
}

// MarshalCompressed returns the snappy-compressed self-describing
// serialization (bit count, hash count, bits).
func (f *Filter) MarshalCompressed() ([]byte, error) {
	raw, err := f.bf.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "serialize bloom filter")
	}
	return snappy.Encode(nil, raw), nil
}

// UnmarshalCompressed is the inverse of MarshalCompressed.
func UnmarshalCompressed(buf []byte) (*Filter, error) {
	raw, err := snappy.Decode(nil, buf)
	if err != nil {
		return nil, errors.Wrapf(block.ErrCorrupt, "decompress bloom filter: %v", err)
	}
	var bf blooms.BloomFilter
	if err := bf.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrapf(block.ErrCorrupt, "decode bloom filter: %v", err)
	}
	return &Filter{bf: &bf}, nil
}
