// Package replica wires every component into the running process spec.md
// §2 describes: Log/StableStorage (storage), Acceptor, Proposer, CatchUp,
// SnapshotMaintainer, Recovery, ClientRequestManager, the batching layers,
// the consensus and replica-apply dispatchers, and the transport fabric.
//
// Grounded on the teacher's genericsmr.Replica + twophase.Replica: one
// struct owning every subsystem, a single-threaded run loop driving message
// handling, RPC-style dispatch by message type.
package replica

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/dziurwa/paxosrepl/acceptor"
	"github.com/dziurwa/paxosrepl/batching"
	"github.com/dziurwa/paxosrepl/batchstore"
	"github.com/dziurwa/paxosrepl/catchup"
	"github.com/dziurwa/paxosrepl/clientmanager"
	"github.com/dziurwa/paxosrepl/config"
	"github.com/dziurwa/paxosrepl/dispatcher"
	"github.com/dziurwa/paxosrepl/dlog"
	"github.com/dziurwa/paxosrepl/paxosproto"
	"github.com/dziurwa/paxosrepl/proposer"
	"github.com/dziurwa/paxosrepl/quorum"
	"github.com/dziurwa/paxosrepl/recovery"
	"github.com/dziurwa/paxosrepl/snapshot"
	"github.com/dziurwa/paxosrepl/statemachine"
	"github.com/dziurwa/paxosrepl/storage"
	"github.com/dziurwa/paxosrepl/transport"
)

type Replica struct {
	cfg *config.Config
	id  int32
	n   int
	sm  statemachine.StateMachine

	log    *storage.Log
	stable storage.StableStorage

	acc        *acceptor.Acceptor
	prop       *proposer.Proposer
	batchStore *batchstore.Store
	batchMgr   *batching.Manager
	builder    *batching.Builder
	builderIn  chan batchstore.Request
	builderOut chan *batchstore.Batch

	clients *clientmanager.Manager
	catch   *catchup.Manager
	snap    *snapshot.Maintainer
	rec     *recovery.Manager

	consensus *dispatcher.Dispatcher
	apply     *dispatcher.Dispatcher

	net *transport.Generic
	tcp *transport.TCP
	udp *transport.UDP

	peers []int32

	// nextToApply/pendingApply enforce spec.md §5's delivery ordering
	// (property 6): instances are handed to the state machine in strict
	// ascending id with no gaps, never out of decision order. Both fields
	// are touched only from callbacks posted to r.apply, a single-goroutine
	// dispatcher, so no separate lock is needed.
	nextToApply  int64
	pendingApply map[int64][]byte
}

// New constructs every subsystem but does not start networking or recovery
// — call Start for that.
func New(cfg *config.Config, sm statemachine.StateMachine) (*Replica, error) {
	var stable storage.StableStorage
	if cfg.CrashModel == config.CrashModelCrashStop {
		// No durability at all: a crash loses this replica's state and it
		// must rejoin as fresh rather than recover (spec.md §6).
		stable = storage.NewMemoryStableStorage()
	} else {
		dataDir := filepath.Join(cfg.LogPath, fmt.Sprintf("replica-%d", cfg.ReplicaID))
		fileStable, err := storage.NewFileStableStorage(dataDir)
		if err != nil {
			return nil, err
		}
		stable = fileStable
	}

	log := storage.NewLog()
	majority := quorum.Majority(cfg.N())
	acc, err := acceptor.New(cfg.ReplicaID, majority, log, stable)
	if err != nil {
		return nil, err
	}

	r := &Replica{
		cfg:        cfg,
		id:         cfg.ReplicaID,
		n:          cfg.N(),
		sm:         sm,
		log:        log,
		stable:     stable,
		acc:        acc,
		batchStore: batchstore.New(),
		consensus:  dispatcher.New(),
		apply:      dispatcher.New(),
		builderIn:    make(chan batchstore.Request, 4096),
		builderOut:   make(chan *batchstore.Batch, 256),
		pendingApply: make(map[int64][]byte),
	}

	for i := int32(0); i < int32(r.n); i++ {
		if i != r.id {
			r.peers = append(r.peers, i)
		}
	}

	r.batchMgr = batching.NewManager(r.batchStore, cfg.WindowSize*8)
	r.builder = batching.NewBuilder(r.id, cfg.BatchSize, cfg.MaxBatchDelay, r.builderIn, r.builderOut, nil, r.batchStore)

	if snap, err := stable.LoadSnapshot(); err == nil && snap != nil {
		r.clients = clientmanager.New(cfg.MaxPendingRequests, snap.LastReplies)
		log.TruncateBelow(snap.NextInstanceID)
		sm.Restore(snap.Value)
	} else {
		r.clients = clientmanager.New(cfg.MaxPendingRequests, nil)
	}
	r.nextToApply = log.GetFirstUncommitted()

	r.snap = snapshot.New(log, cfg.FirstSnapshotEstimateBytes, cfg.MinLogSizeForRatioCheck, cfg.MinSnapshotSampling, cfg.SnapshotAskRatio, cfg.SnapshotForceRatio)

	r.prop = proposer.New(r.id, r.n, majority, cfg.WindowSize, log, acc, stable, r.batchMgr, r.sendEnvelope)
	acc.OnDecided(r.onDecided)

	r.catch = catchup.New(r.id, r.n, log, stable, r.sendEnvelope, r.installSnapshot)
	r.rec = recovery.New(r.id, r.n, majority, r.sendRecovery, r.onRecoveryFinished)
	r.prop.OnPreempted(r.onPreempted)

	return r, nil
}

// leaderPayload renders a replica id as the ASCII decimal bytes
// clientproto.go's StatusRedirect contract expects in ClientReply.Payload.
func leaderPayload(leaderID int32) []byte {
	return []byte(strconv.Itoa(int(leaderID)))
}

// currentLeader is our best guess at who leads the cluster right now, based
// on the view this replica last knew about — the same computation
// scheduleCatchUp already uses to pick who to catch up from.
func (r *Replica) currentLeader() int32 {
	return quorum.LeaderOf(int64(r.prop.View()), r.n)
}

// onPreempted is the Proposer's OnPreempted hook: once we're no longer
// leading, every client proxy still waiting on this replica should be told
// to retry against whoever the higher view now belongs to (spec.md §4.5).
func (r *Replica) onPreempted(higherView int32) {
	r.clients.Forget(leaderPayload(quorum.LeaderOf(int64(higherView), r.n)))
}

func (r *Replica) sendEnvelope(dest int32, env *paxosproto.Envelope) {
	r.net.Send(dest, env)
}

func (r *Replica) sendRecovery(dest int32, view int32) {
	r.net.Send(dest, &paxosproto.Envelope{Type: paxosproto.TypeRecovery, View: view, Body: &paxosproto.Recovery{ViewOnCrash: view, Ignored: -1}})
}

// Start brings up peer networking and the client listener, then either
// skips recovery (fresh replica, persisted view == 0, spec.md §4.8) or posts
// it to the consensus dispatcher; traffic is accepted while it runs.
func (r *Replica) Start() error {
	r.tcp = transport.NewTCP(r.id, r.cfg.Peers, r.dispatchIncoming)
	if err := r.tcp.Listen(); err != nil {
		return err
	}
	r.tcp.ConnectAll()

	if r.cfg.Network == config.NetworkGeneric && len(r.cfg.UDPPeers) == len(r.cfg.Peers) {
		r.udp = transport.NewUDP(r.id, r.cfg.UDPPeers, r.cfg.MaxUDPPacketSize, r.dispatchIncoming)
		if err := r.udp.Listen(); err != nil {
			return err
		}
		r.net = transport.NewGeneric(r.tcp, r.udp, r.cfg.MaxUDPPacketSize)
	} else {
		// TCP-only: a zero UDP threshold means Generic's size check never
		// picks UDP, so every send falls through to r.tcp regardless of
		// whether r.udp is nil.
		r.net = transport.NewGeneric(r.tcp, nil, 0)
	}

	if r.cfg.ClientListenAddr != "" {
		if err := r.ListenClients(r.cfg.ClientListenAddr); err != nil {
			return err
		}
	}

	go r.builder.Run()
	go r.drainBuiltBatches()
	r.scheduleCatchUp()

	view, err := r.stable.LoadView()
	if err != nil {
		return err
	}
	if view == 0 {
		r.consensus.Post(r.tryBecomeLeader)
		return nil
	}
	r.consensus.Post(func() {
		r.rec.Start(r.peers, view)
	})
	return nil
}

// scheduleCatchUp periodically re-arms a CatchUp liveness sweep on the
// consensus dispatcher (spec.md §4.6 "periodic=true" checks; this is the
// replica's only call to CheckCatchUp). Re-posted
// from inside itself rather than a ticker so it always runs with the
// dispatcher's single-writer affinity.
func (r *Replica) scheduleCatchUp() {
	r.consensus.PostAfter(2*r.cfg.RetransmitTimeout, func() {
		leader := quorum.LeaderOf(int64(r.prop.View()), r.n)
		r.catch.CheckCatchUp(true, r.prop.Status() != proposer.Prepared, leader)
		r.scheduleCatchUp()
	})
}

func (r *Replica) tryBecomeLeader() {
	if quorum.LeaderOf(0, r.n) == r.id {
		r.prop.PrepareNextView(r.peers)
	}
}

func (r *Replica) onRecoveryFinished(nextID int64) {
	r.consensus.Post(func() {
		if nextID < 0 {
			r.rec.Start(r.peers, r.rec.CurrentView())
			return
		}
		dlog.ReplicaPrintf(r.id, "recovery finished, resuming normal operation at instance %d", nextID)
		r.tryBecomeLeader()
	})
}

// installSnapshot is CatchUp's RestoreSnapshot callback.
func (r *Replica) installSnapshot(raw []byte) {
	snap, err := storage.DecodeSnapshotBytes(raw)
	if err != nil {
		dlog.ReplicaPrintf(r.id, "failed to decode received snapshot: %v", err)
		return
	}
	r.consensus.Post(func() {
		r.log.TruncateBelow(snap.NextInstanceID)
		r.sm.Restore(snap.Value)
	})
}

// dispatchIncoming routes a received envelope onto the consensus dispatcher
// by message type (spec.md §5: all protocol state mutation happens there).
func (r *Replica) dispatchIncoming(from int32, env *paxosproto.Envelope) {
	r.consensus.Post(func() {
		r.handle(from, env)
	})
}

func (r *Replica) handle(from int32, env *paxosproto.Envelope) {
	switch b := env.Body.(type) {
	case *paxosproto.Prepare:
		res, err := r.acc.HandlePrepare(env.View)
		if err != nil {
			dlog.ReplicaPrintf(r.id, "prepare handling: %v", err)
			return
		}
		if res.OK {
			wire := make([]paxosproto.WireInstance, len(res.UndecidedEntries))
			for i, ci := range res.UndecidedEntries {
				wire[i] = ci.ToWire()
			}
			r.net.Send(from, &paxosproto.Envelope{Type: paxosproto.TypePrepareOK, View: res.View, Body: &paxosproto.PrepareOK{Instances: wire}})
		} else {
			r.net.Send(from, &paxosproto.Envelope{Type: paxosproto.TypeNack, View: res.View, Body: &paxosproto.Nack{PromisedView: res.View}})
		}

	case *paxosproto.PrepareOK:
		r.prop.HandlePrepareOK(from, env.View, b.Instances)

	case *paxosproto.Nack:
		r.prop.Preempted(b.PromisedView)

	case *paxosproto.Propose:
		res, err := r.acc.HandlePropose(env.View, int64(b.ID), b.Value)
		if err != nil {
			dlog.ReplicaPrintf(r.id, "propose handling: %v", err)
			return
		}
		if !res.Accepted {
			r.prop.Preempted(env.View)
			return
		}
		// Every acceptor, not just the proposer, tallies Accepts toward its
		// own majority (spec.md §4.2): crediting our own vote here mirrors
		// the leader's self-accept in Propose, then broadcasting it lets
		// every other acceptor's tally see it too.
		if err := r.acc.HandleAccept(res.View, int64(b.ID), r.id); err != nil {
			dlog.ReplicaPrintf(r.id, "self-accept for instance %d: %v", b.ID, err)
		}
		r.net.Broadcast(&paxosproto.Envelope{Type: paxosproto.TypeAccept, View: res.View, Body: &paxosproto.Accept{ID: b.ID}}, r.peers)

	case *paxosproto.Accept:
		if err := r.acc.HandleAccept(env.View, int64(b.ID), from); err != nil {
			dlog.ReplicaPrintf(r.id, "accept handling: %v", err)
		}
		r.prop.HandleAccept(from, env.View, int64(b.ID))

	case *paxosproto.CatchUpQuery:
		r.catch.HandleQuery(from, b)

	case *paxosproto.CatchUpResponse:
		r.catch.HandleResponse(from, env.SentTime, b)

	case *paxosproto.CatchUpSnapshot:
		r.catch.HandleSnapshot(from, env.SentTime, b)

	case *paxosproto.Recovery:
		view, _ := r.stable.LoadView()
		answer := recovery.HandleRecoveryRequest(view, r.log.GetNextID())
		r.net.Send(from, &paxosproto.Envelope{Type: paxosproto.TypeRecoveryAnswer, View: view, Body: answer})

	case *paxosproto.RecoveryAnswer:
		r.rec.HandleAnswer(from, b)

	case *paxosproto.ForwardClientBatch:
		reqs := make([]batchstore.Request, len(b.Requests))
		for i, wr := range b.Requests {
			reqs[i] = batchstore.Request{RequestID: batchstore.RequestID{ClientID: wr.ClientID, Seq: wr.Seq}, Payload: wr.Payload}
		}
		r.batchStore.Put(&batchstore.Batch{ID: batchstore.ID{Proposer: b.Proposer, Seq: b.Seq}, Requests: reqs})
	}
}

// onDecided is the Acceptor's DecisionObserver. Instances can cross their
// Accept majority out of id order (ordinary network reordering lets instance
// i+1 decide before instance i when the pipelining window is wider than
// one), so delivery to the state machine cannot simply follow decision
// order: it is buffered here and drained strictly in ascending id, with no
// gaps, on the replica-apply dispatcher (spec.md §5 property 6).
func (r *Replica) onDecided(id int64, view int32, value []byte) {
	r.apply.Post(func() {
		r.bufferDecided(id, value)
	})
	// A decision frees a pipelining-window slot: retry proposing batches
	// left queued while the window was full. PostAfter never blocks, so
	// this is safe from the consensus dispatcher's own goroutine.
	r.consensus.PostAfter(0, r.tryProposeNext)
}

// bufferDecided stashes a freshly decided instance and applies every
// contiguous run starting at nextToApply that is now available, runs only
// ever on the apply dispatcher so nextToApply/pendingApply need no lock.
func (r *Replica) bufferDecided(id int64, value []byte) {
	if id < r.nextToApply {
		return // already applied (e.g. a retransmitted decision notice)
	}
	r.pendingApply[id] = value
	for {
		value, ok := r.pendingApply[r.nextToApply]
		if !ok {
			return
		}
		delete(r.pendingApply, r.nextToApply)
		r.applyInstance(r.nextToApply, value)
		r.nextToApply++
	}
}

func (r *Replica) applyInstance(id int64, value []byte) {
	if batchstore.IsNoop(value) {
		return
	}
	ids, err := batchstore.DecodeValue(value)
	if err != nil {
		dlog.ReplicaPrintf(r.id, "instance %d: corrupt value, cannot apply: %v", id, err)
		return
	}
	for _, bid := range ids {
		batch, ok := r.batchStore.Get(bid)
		if !ok {
			dlog.ReplicaPrintf(r.id, "instance %d: batch %v referenced but not present, skipping", id, bid)
			continue
		}
		for _, req := range batch.Requests {
			result := r.sm.Execute(req.Payload)
			r.clients.Executed(req.RequestID, result)
		}
	}

	if r.snap.OnInstanceDecided(id) == snapshot.NoAction {
		return
	}
	r.takeSnapshot()
}

func (r *Replica) takeSnapshot() {
	value := r.sm.Snapshot()
	nextID := r.log.GetFirstUncommitted()
	snap := &storage.Snapshot{NextInstanceID: nextID, LastReplies: r.clients.Snapshot(), Value: value}
	if err := r.stable.PersistSnapshot(snap); err != nil {
		dlog.ReplicaPrintf(r.id, "persist snapshot failed: %v", err)
		return
	}
	r.snap.RecordInstalled(int64(len(value)), nextID)
}

// SubmitClientRequest admits a freshly received client command (spec.md
// §4.5): if this replica is leading, it is handed to the local batch
// builder; otherwise its result is a Redirect and the caller should retry
// against the current leader.
func (r *Replica) SubmitClientRequest(clientID int64, seq int32, payload []byte, reply clientmanager.ReplyFunc) {
	req := batchstore.Request{RequestID: batchstore.RequestID{ClientID: clientID, Seq: seq}, Payload: payload}
	if !r.clients.Submit(req, reply) {
		return
	}
	if r.prop.Status() != proposer.Prepared {
		reply(paxosproto.ClientReply{Status: paxosproto.StatusRedirect, Payload: leaderPayload(r.currentLeader())})
		return
	}
	r.builderIn <- req
}

// drainBuiltBatches forwards every batch the builder assembles to peers and
// hands it to the proposer once there's room in the pipelining window.
func (r *Replica) drainBuiltBatches() {
	for batch := range r.builderOut {
		wireReqs := make([]paxosproto.WireClientRequest, len(batch.Requests))
		for i, req := range batch.Requests {
			wireReqs[i] = paxosproto.WireClientRequest{ClientID: req.RequestID.ClientID, Seq: req.RequestID.Seq, Payload: req.Payload}
		}
		r.net.Broadcast(&paxosproto.Envelope{Type: paxosproto.TypeForwardClientBatch, Body: &paxosproto.ForwardClientBatch{Proposer: r.id, Seq: batch.ID.Seq, Requests: wireReqs}}, r.peers)

		// Don't post a propose attempt that tryProposeNext would just drop
		// on the floor for not being Prepared yet: queue it to run once this
		// replica actually leads a view (or immediately, if it already does).
		r.prop.ExecuteOnPrepared(func() {
			r.consensus.Post(r.tryProposeNext)
		})
	}
}

// ListenClients accepts client connections on addr, one goroutine per
// connection, each decoding ClientCommands and feeding them to
// SubmitClientRequest — the teacher's WaitForClientConnections split out as
// its own listener rather than sharing the peer-to-peer TCP port, since
// spec.md §6 gives clients a distinct protocol framing from peer traffic.
func (r *Replica) ListenClients(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("replica: listen clients: %w", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				dlog.ReplicaPrintf(r.id, "client listener: accept: %v", err)
				return
			}
			go r.serveClient(conn)
		}
	}()
	return nil
}

func (r *Replica) serveClient(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	// Buffered by one: SubmitClientRequest answers synchronously (duplicate,
	// Busy, Redirect) from this same goroutine in several cases, so the
	// reply callback must not block waiting for the read below to start.
	replies := make(chan paxosproto.ClientReply, 1)
	for {
		cmd, err := paxosproto.ReadClientCommand(br)
		if err != nil {
			return
		}
		if cmd.Type != paxosproto.ClientCommandRequest {
			if err := writeClientReply(bw, paxosproto.ClientReply{Status: paxosproto.StatusNack, Payload: []byte("unknown command")}); err != nil {
				return
			}
			continue
		}
		r.SubmitClientRequest(cmd.ClientID, cmd.Seq, cmd.Payload, func(rep paxosproto.ClientReply) {
			replies <- rep
		})
		rep := <-replies
		if err := writeClientReply(bw, rep); err != nil {
			return
		}
	}
}

func writeClientReply(bw *bufio.Writer, rep paxosproto.ClientReply) error {
	if err := paxosproto.WriteClientReply(bw, &rep); err != nil {
		return err
	}
	return bw.Flush()
}

func (r *Replica) tryProposeNext() {
	if r.prop.Status() != proposer.Prepared || !r.prop.WindowHasRoom() {
		return
	}
	value, ids, ok := r.batchMgr.PackNext()
	if !ok {
		return
	}
	id, ok := r.prop.Propose(r.peers, value, ids)
	if !ok {
		return
	}
	view := r.prop.View()
	// The leader's self-accept inside Propose only updates its own
	// proposer-side tally; every acceptor (including this one) also tallies
	// Accepts independently, so the leader's vote needs to reach every
	// acceptor's tally too, itself included.
	if err := r.acc.HandleAccept(view, id, r.id); err != nil {
		dlog.ReplicaPrintf(r.id, "leader self-accept for instance %d: %v", id, err)
	}
	r.net.Broadcast(&paxosproto.Envelope{Type: paxosproto.TypeAccept, View: view, Body: &paxosproto.Accept{ID: int32(id)}}, r.peers)
}
