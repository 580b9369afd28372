package transport

import (
	"bytes"
	"net"

	"github.com/portmapping/go-reuse"

	"github.com/dziurwa/paxosrepl/dlog"
	"github.com/dziurwa/paxosrepl/paxosproto"
)

// UDP is a best-effort datagram fabric for catch-up queries and keepalives,
// bounded by maxPacketSize (config.Config.MaxUDPPacketSize, spec.md §6). It
// binds with SO_REUSEPORT via go-reuse so a replica process can share its
// UDP port across multiple listening goroutines without an EADDRINUSE race
// — the same capability the teacher's go.mod pulls in but the retrieved
// teacher subset never exercises over UDP; this is where it gets used.
type UDP struct {
	replicaID     int32
	addrs         []string
	maxPacketSize int
	conn          net.PacketConn
	handler       Handler
}

func NewUDP(replicaID int32, addrs []string, maxPacketSize int, handler Handler) *UDP {
	return &UDP{replicaID: replicaID, addrs: addrs, maxPacketSize: maxPacketSize, handler: handler}
}

func (u *UDP) Listen() error {
	conn, err := reuse.ListenPacket("udp", u.addrs[u.replicaID])
	if err != nil {
		return err
	}
	u.conn = conn
	go u.readLoop()
	return nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, u.maxPacketSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			dlog.ReplicaPrintf(u.replicaID, "transport(udp): read: %v", err)
			return
		}
		from := u.peerIDFor(addr)
		if from < 0 {
			continue
		}
		env, err := paxosproto.ReadEnvelope(bytes.NewReader(buf[:n]))
		if err != nil {
			dlog.ReplicaPrintf(u.replicaID, "transport(udp): decode from %s: %v", addr, err)
			continue
		}
		u.handler(from, env)
	}
}

func (u *UDP) peerIDFor(addr net.Addr) int32 {
	for i, a := range u.addrs {
		if int32(i) == u.replicaID {
			continue
		}
		if host, _, err := net.SplitHostPort(a); err == nil {
			if uHost, _, err2 := net.SplitHostPort(addr.String()); err2 == nil && host == uHost {
				return int32(i)
			}
		}
	}
	return -1
}

// Send writes env to dest as a single datagram. It does not fragment: an
// envelope whose encoding exceeds maxPacketSize is logged and dropped.
func (u *UDP) Send(dest int32, env *paxosproto.Envelope) {
	if int(dest) < 0 || int(dest) >= len(u.addrs) {
		return
	}
	var buf bytes.Buffer
	if err := paxosproto.WriteEnvelope(&buf, env); err != nil {
		dlog.ReplicaPrintf(u.replicaID, "transport(udp): encode: %v", err)
		return
	}
	if buf.Len() > u.maxPacketSize {
		dlog.ReplicaPrintf(u.replicaID, "transport(udp): message to %d exceeds max packet size (%d > %d), dropping", dest, buf.Len(), u.maxPacketSize)
		return
	}
	addr, err := net.ResolveUDPAddr("udp", u.addrs[dest])
	if err != nil {
		return
	}
	if _, err := u.conn.WriteTo(buf.Bytes(), addr); err != nil {
		dlog.ReplicaPrintf(u.replicaID, "transport(udp): write to %d: %v", dest, err)
	}
}
