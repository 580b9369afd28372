package transport

import (
	"bytes"

	"github.com/dziurwa/paxosrepl/paxosproto"
)

// Generic picks UDP for envelopes that fit within maxUDPPacketSize and TCP
// for everything larger (spec.md §6's Generic network mode: "small
// messages over UDP, large messages over TCP").
type Generic struct {
	tcp           *TCP
	udp           *UDP
	maxUDPPacketSize int
}

func NewGeneric(tcp *TCP, udp *UDP, maxUDPPacketSize int) *Generic {
	return &Generic{tcp: tcp, udp: udp, maxUDPPacketSize: maxUDPPacketSize}
}

func (g *Generic) Send(dest int32, env *paxosproto.Envelope) {
	var buf bytes.Buffer
	if err := paxosproto.WriteEnvelope(&buf, env); err == nil && buf.Len() <= g.maxUDPPacketSize {
		g.udp.Send(dest, env)
		return
	}
	g.tcp.Send(dest, env)
}

func (g *Generic) Broadcast(env *paxosproto.Envelope, peers []int32) {
	for _, p := range peers {
		g.Send(p, env)
	}
}
