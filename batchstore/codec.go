package batchstore

import (
	"bytes"

	"github.com/dziurwa/paxosrepl/wireio"
)

// EncodeValue packs a list of batch ids into the opaque consensus value a
// Propose carries (spec.md §4.4b "length-prefixed sequence of
// ClientBatchIDs").
func EncodeValue(ids []ID) []byte {
	var buf bytes.Buffer
	wireio.WriteInt32(&buf, int32(len(ids)))
	for _, id := range ids {
		wireio.WriteInt32(&buf, id.Proposer)
		wireio.WriteInt32(&buf, id.Seq)
	}
	return buf.Bytes()
}

// DecodeValue reverses EncodeValue. A malformed value (truncated or
// corrupt) is a StorageIO-class fault per spec.md §7: callers should treat
// a decode error as fatal, not attempt a heuristic partial decode.
func DecodeValue(value []byte) ([]ID, error) {
	r := bytes.NewReader(value)
	n, err := wireio.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	out := make([]ID, n)
	for i := range out {
		if out[i].Proposer, err = wireio.ReadInt32(r); err != nil {
			return nil, err
		}
		if out[i].Seq, err = wireio.ReadInt32(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsNoop reports whether value encodes the empty batch list the Proposer
// uses when no acceptor in a Prepare quorum reported a vote for an
// instance (spec.md §4.3).
func IsNoop(value []byte) bool {
	ids, err := DecodeValue(value)
	return err == nil && len(ids) == 0
}
