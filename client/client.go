// Package client implements spec.md §6's client library: a TCP connection
// to a replica speaking the ClientCommand/ClientReply framing
// (paxosproto/clientproto.go), transparently following Redirect replies to
// the replica the cluster names as leader and retrying Busy replies.
//
// Grounded on the teacher's client/client.go: a connection to a configured
// replica and a default client id drawn from google/uuid when the caller
// doesn't supply one. Each dial is a single attempt, and Send reads the
// reply on the calling goroutine; there is no separate reader goroutine.
package client

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dziurwa/paxosrepl/paxosproto"
)

// Proxy is a single client's connection to the replica set: it starts
// against one address, and transparently reconnects to whichever replica a
// Redirect reply names.
type Proxy struct {
	mu       sync.Mutex
	addrs    []string
	cur      int
	conn     net.Conn
	w        *bufio.Writer
	r        *bufio.Reader
	clientID int64
	nextSeq  int32

	dialTimeout time.Duration
	retryDelay  time.Duration
}

// New constructs a Proxy against addrs (index == replica id), starting at
// addrs[connectTo]. clientID == -1 picks a default id derived from
// uuid.New() (spec.md §6 "client id ... MAY default to a locally-generated
// unique value").
func New(addrs []string, connectTo int, clientID int64) *Proxy {
	if clientID == -1 {
		clientID = int64(uuid.New().ID())
	}
	return &Proxy{
		addrs:       addrs,
		cur:         connectTo,
		clientID:    clientID,
		dialTimeout: 2 * time.Second,
		retryDelay:  200 * time.Millisecond,
	}
}

func (p *Proxy) ClientID() int64 { return p.clientID }

// Connect dials the currently targeted replica once, with the proxy's dial
// timeout, and returns the dial error if it fails; it does not retry.
func (p *Proxy) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *Proxy) connectLocked() error {
	conn, err := net.DialTimeout("tcp", p.addrs[p.cur], p.dialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", p.addrs[p.cur], err)
	}
	p.conn = conn
	p.w = bufio.NewWriter(conn)
	p.r = bufio.NewReader(conn)
	return nil
}

func (p *Proxy) redirectTo(peerID int32) error {
	if int(peerID) < 0 || int(peerID) >= len(p.addrs) {
		return fmt.Errorf("client: redirected to out-of-range replica %d", peerID)
	}
	p.cur = int(peerID)
	if p.conn != nil {
		p.conn.Close()
	}
	return p.connectLocked()
}

// Send submits payload as the next sequence number for this client,
// following any Redirect replies until an OK or Nack comes back, and
// retrying Busy after retryDelay (spec.md §4.5's back-pressure contract).
func (p *Proxy) Send(payload []byte) (*paxosproto.ClientReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.nextSeq
	p.nextSeq++

	for {
		cmd := &paxosproto.ClientCommand{
			Type:     paxosproto.ClientCommandRequest,
			ClientID: p.clientID,
			Seq:      seq,
			Payload:  payload,
		}
		if err := paxosproto.WriteClientCommand(p.w, cmd); err != nil {
			return nil, fmt.Errorf("client: write: %w", err)
		}
		if err := p.w.Flush(); err != nil {
			return nil, fmt.Errorf("client: flush: %w", err)
		}

		reply, err := paxosproto.ReadClientReply(p.r)
		if err != nil {
			return nil, fmt.Errorf("client: read reply: %w", err)
		}

		switch reply.Status {
		case paxosproto.StatusRedirect:
			leader, perr := parseLeaderID(reply.Payload)
			if perr != nil {
				return nil, perr
			}
			if err := p.redirectTo(leader); err != nil {
				return nil, err
			}
			continue
		case paxosproto.StatusBusy:
			time.Sleep(p.retryDelay)
			continue
		default:
			return reply, nil
		}
	}
}

func parseLeaderID(payload []byte) (int32, error) {
	var id int32
	for _, c := range payload {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("client: malformed redirect payload %q", payload)
		}
		id = id*10 + int32(c-'0')
	}
	return id, nil
}

// Close releases the underlying connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
