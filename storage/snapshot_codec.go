package storage

import (
	"bytes"
	"io"

	"github.com/dziurwa/paxosrepl/wireio"
)

// EncodeSnapshotBytes serializes s the same way PersistSnapshot does, for
// transmission over CatchUpSnapshot (spec.md §4.6) instead of to disk.
func EncodeSnapshotBytes(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeSnapshot(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshotBytes reverses EncodeSnapshotBytes.
func DecodeSnapshotBytes(b []byte) (*Snapshot, error) {
	return decodeSnapshot(bytes.NewReader(b))
}

func encodeSnapshot(w io.Writer, s *Snapshot) error {
	if err := wireio.WriteInt64(w, s.NextInstanceID); err != nil {
		return err
	}
	if err := wireio.WriteInt32(w, int32(len(s.LastReplies))); err != nil {
		return err
	}
	for clientID, reply := range s.LastReplies {
		if err := wireio.WriteInt64(w, clientID); err != nil {
			return err
		}
		if err := wireio.WriteInt32(w, reply.Seq); err != nil {
			return err
		}
		if err := wireio.WriteBytes(w, reply.Payload); err != nil {
			return err
		}
	}
	return wireio.WriteBytes(w, s.Value)
}

func decodeSnapshot(r io.Reader) (*Snapshot, error) {
	s := &Snapshot{LastReplies: make(map[int64]Reply)}
	var err error
	if s.NextInstanceID, err = wireio.ReadInt64(r); err != nil {
		return nil, err
	}
	n, err := wireio.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < n; i++ {
		clientID, err := wireio.ReadInt64(r)
		if err != nil {
			return nil, err
		}
		seq, err := wireio.ReadInt32(r)
		if err != nil {
			return nil, err
		}
		payload, err := wireio.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		s.LastReplies[clientID] = Reply{ClientID: clientID, Seq: seq, Payload: payload}
	}
	if s.Value, err = wireio.ReadBytes(r); err != nil {
		return nil, err
	}
	return s, nil
}
