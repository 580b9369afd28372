// Package wireio collects the little-endian primitive read/write helpers
// that every message codec in paxosproto otherwise repeats by hand, the way
// the teacher's per-type *protomarsh.go files do. Collecting them once keeps
// each message's Marshal/Unmarshal focused on its own field list.
package wireio

import (
	"encoding/binary"
	"io"
)

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func WriteInt32(w io.Writer, v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	_, err := w.Write(b[:])
	return err
}

func ReadInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func WriteInt64(w io.Writer, v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

func ReadInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func WriteBytes(w io.Writer, v []byte) error {
	if err := WriteInt32(w, int32(len(v))); err != nil {
		return err
	}
	if len(v) == 0 {
		return nil
	}
	_, err := w.Write(v)
	return err
}

func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func WriteInt32Slice(w io.Writer, v []int32) error {
	if err := WriteInt32(w, int32(len(v))); err != nil {
		return err
	}
	for _, x := range v {
		if err := WriteInt32(w, x); err != nil {
			return err
		}
	}
	return nil
}

func ReadInt32Slice(r io.Reader) ([]int32, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = ReadInt32(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}
