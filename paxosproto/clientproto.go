package paxosproto

import (
	"io"

	"github.com/dziurwa/paxosrepl/wireio"
)

// ClientCommandType distinguishes the one command kind this core
// recognizes from anything a future extension might add (spec.md §4.5
// "Any other command type: return NACK unknown command").
type ClientCommandType uint8

const ClientCommandRequest ClientCommandType = 1

// ClientCommand is what a client sends over its TCP connection to a
// replica (spec.md §6 "Client protocol").
type ClientCommand struct {
	Type     ClientCommandType
	ClientID int64
	Seq      int32
	Payload  []byte
}

func WriteClientCommand(w io.Writer, c *ClientCommand) error {
	if err := wireio.WriteUint8(w, uint8(c.Type)); err != nil {
		return err
	}
	if err := wireio.WriteInt64(w, c.ClientID); err != nil {
		return err
	}
	if err := wireio.WriteInt32(w, c.Seq); err != nil {
		return err
	}
	return wireio.WriteBytes(w, c.Payload)
}

func ReadClientCommand(r io.Reader) (*ClientCommand, error) {
	c := &ClientCommand{}
	t, err := wireio.ReadUint8(r)
	if err != nil {
		return nil, err
	}
	c.Type = ClientCommandType(t)
	if c.ClientID, err = wireio.ReadInt64(r); err != nil {
		return nil, err
	}
	if c.Seq, err = wireio.ReadInt32(r); err != nil {
		return nil, err
	}
	if c.Payload, err = wireio.ReadBytes(r); err != nil {
		return nil, err
	}
	return c, nil
}

// ReplyStatus is the outcome a replica reports back to a client.
type ReplyStatus uint8

const (
	StatusOK ReplyStatus = iota
	StatusNack
	StatusRedirect
	StatusBusy
)

// ClientReply answers a ClientCommand. On StatusRedirect, Payload carries
// the ASCII decimal leader replica id; on StatusNack, Payload carries a
// diagnostic string.
type ClientReply struct {
	Status  ReplyStatus
	Payload []byte
}

func WriteClientReply(w io.Writer, r *ClientReply) error {
	if err := wireio.WriteUint8(w, uint8(r.Status)); err != nil {
		return err
	}
	return wireio.WriteBytes(w, r.Payload)
}

func ReadClientReply(r io.Reader) (*ClientReply, error) {
	rep := &ClientReply{}
	st, err := wireio.ReadUint8(r)
	if err != nil {
		return nil, err
	}
	rep.Status = ReplyStatus(st)
	if rep.Payload, err = wireio.ReadBytes(r); err != nil {
		return nil, err
	}
	return rep, nil
}
