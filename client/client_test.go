package client

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/dziurwa/paxosrepl/paxosproto"
)

// fakeReplica accepts one connection and answers every received
// ClientCommand with whatever reply respond returns.
func fakeReplica(t *testing.T, respond func(cmd *paxosproto.ClientCommand) paxosproto.ClientReply) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		for {
			cmd, err := paxosproto.ReadClientCommand(r)
			if err != nil {
				return
			}
			reply := respond(cmd)
			if err := paxosproto.WriteClientReply(w, &reply); err != nil {
				return
			}
			w.Flush()
		}
	}()
	return ln.Addr().String()
}

func TestSendReturnsOKReply(t *testing.T) {
	addr := fakeReplica(t, func(cmd *paxosproto.ClientCommand) paxosproto.ClientReply {
		return paxosproto.ClientReply{Status: paxosproto.StatusOK, Payload: []byte("ack")}
	})

	p := New([]string{addr}, 0, 1)
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	reply, err := p.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Status != paxosproto.StatusOK || string(reply.Payload) != "ack" {
		t.Fatalf("got %+v, want OK ack", reply)
	}
}

func TestSendFollowsRedirectToTheNamedReplica(t *testing.T) {
	addr1 := fakeReplica(t, func(cmd *paxosproto.ClientCommand) paxosproto.ClientReply {
		return paxosproto.ClientReply{Status: paxosproto.StatusOK, Payload: []byte("from-1")}
	})
	addr0 := fakeReplica(t, func(cmd *paxosproto.ClientCommand) paxosproto.ClientReply {
		return paxosproto.ClientReply{Status: paxosproto.StatusRedirect, Payload: []byte("1")}
	})

	p := New([]string{addr0, addr1}, 0, 1)
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	reply, err := p.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(reply.Payload) != "from-1" {
		t.Fatalf("got %+v, want the reply from the redirected-to replica 1", reply)
	}
}

func TestSendRetriesAfterBusy(t *testing.T) {
	attempts := 0
	addr := fakeReplica(t, func(cmd *paxosproto.ClientCommand) paxosproto.ClientReply {
		attempts++
		if attempts == 1 {
			return paxosproto.ClientReply{Status: paxosproto.StatusBusy}
		}
		return paxosproto.ClientReply{Status: paxosproto.StatusOK, Payload: []byte("ok")}
	})

	p := New([]string{addr}, 0, 1)
	p.retryDelay = time.Millisecond
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	reply, err := p.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Status != paxosproto.StatusOK || attempts != 2 {
		t.Fatalf("got %+v after %d attempts, want OK after exactly 2", reply, attempts)
	}
}

func TestNewDefaultsClientIDFromUUIDWhenNegativeOne(t *testing.T) {
	p := New([]string{"127.0.0.1:0"}, 0, -1)
	if p.ClientID() == -1 {
		t.Fatal("clientID -1 should be replaced by a generated id, not kept as -1")
	}
}
