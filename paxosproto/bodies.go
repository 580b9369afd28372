package paxosproto

import (
	"io"

	"github.com/dziurwa/paxosrepl/fastrpc"
	"github.com/dziurwa/paxosrepl/wireio"
)

// WireInstance is a ConsensusInstance as it travels on the wire
// (PrepareOK, CatchUpResponse): id, view, state, and value.
type WireInstance struct {
	ID    int32
	View  int32
	State InstanceState
	Value []byte
}

func writeInstance(w io.Writer, in WireInstance) error {
	if err := wireio.WriteInt32(w, in.ID); err != nil {
		return err
	}
	if err := wireio.WriteInt32(w, in.View); err != nil {
		return err
	}
	if err := wireio.WriteUint8(w, uint8(in.State)); err != nil {
		return err
	}
	return wireio.WriteBytes(w, in.Value)
}

func readInstance(r io.Reader) (WireInstance, error) {
	var in WireInstance
	var err error
	if in.ID, err = wireio.ReadInt32(r); err != nil {
		return in, err
	}
	if in.View, err = wireio.ReadInt32(r); err != nil {
		return in, err
	}
	st, err := wireio.ReadUint8(r)
	if err != nil {
		return in, err
	}
	in.State = InstanceState(st)
	if in.Value, err = wireio.ReadBytes(r); err != nil {
		return in, err
	}
	return in, nil
}

func writeInstances(w io.Writer, ins []WireInstance) error {
	if err := wireio.WriteInt32(w, int32(len(ins))); err != nil {
		return err
	}
	for _, in := range ins {
		if err := writeInstance(w, in); err != nil {
			return err
		}
	}
	return nil
}

func readInstances(r io.Reader) ([]WireInstance, error) {
	n, err := wireio.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	out := make([]WireInstance, n)
	for i := range out {
		if out[i], err = readInstance(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Prepare carries no body fields of its own; view lives in the envelope.
type Prepare struct{}

func (p *Prepare) Marshal(w io.Writer) error    { return nil }
func (p *Prepare) Unmarshal(r io.Reader) error   { return nil }
func (p *Prepare) New() fastrpc.Serializable     { return &Prepare{} }

// PrepareOK reports every undecided entry the acceptor holds, so the
// proposer can adopt the highest-view vote per instance (spec.md §4.3).
type PrepareOK struct {
	Instances []WireInstance
}

func (m *PrepareOK) Marshal(w io.Writer) error  { return writeInstances(w, m.Instances) }
func (m *PrepareOK) Unmarshal(r io.Reader) error {
	ins, err := readInstances(r)
	if err != nil {
		return err
	}
	m.Instances = ins
	return nil
}
func (m *PrepareOK) New() fastrpc.Serializable { return &PrepareOK{} }

// Nack tells a proposer its view has already been superseded.
type Nack struct {
	PromisedView int32
}

func (m *Nack) Marshal(w io.Writer) error   { return wireio.WriteInt32(w, m.PromisedView) }
func (m *Nack) Unmarshal(r io.Reader) error {
	v, err := wireio.ReadInt32(r)
	m.PromisedView = v
	return err
}
func (m *Nack) New() fastrpc.Serializable { return &Nack{} }

// Propose asks an acceptor to vote for value at the given instance id.
type Propose struct {
	ID    int32
	Value []byte
}

func (m *Propose) Marshal(w io.Writer) error {
	if err := wireio.WriteInt32(w, m.ID); err != nil {
		return err
	}
	return wireio.WriteBytes(w, m.Value)
}
func (m *Propose) Unmarshal(r io.Reader) error {
	var err error
	if m.ID, err = wireio.ReadInt32(r); err != nil {
		return err
	}
	m.Value, err = wireio.ReadBytes(r)
	return err
}
func (m *Propose) New() fastrpc.Serializable { return &Propose{} }

// Accept is an acceptor's vote for an instance at the sender's view.
type Accept struct {
	ID int32
}

func (m *Accept) Marshal(w io.Writer) error { return wireio.WriteInt32(w, m.ID) }
func (m *Accept) Unmarshal(r io.Reader) error {
	v, err := wireio.ReadInt32(r)
	m.ID = v
	return err
}
func (m *Accept) New() fastrpc.Serializable { return &Accept{} }

// Alive is a liveness beacon carrying the sender's next-to-allocate
// instance id. The replica neither sends nor handles it.
type Alive struct {
	LogNextID int32
}

func (m *Alive) Marshal(w io.Writer) error { return wireio.WriteInt32(w, m.LogNextID) }
func (m *Alive) Unmarshal(r io.Reader) error {
	v, err := wireio.ReadInt32(r)
	m.LogNextID = v
	return err
}
func (m *Alive) New() fastrpc.Serializable { return &Alive{} }

// IDRange is the (lo,hi) pair used by CatchUpQuery's ranges field.
type IDRange struct {
	Lo int32
	Hi int32
}

// CatchUpQuery enumerates known-undecided ids plus range gaps: IDs names
// single instances and each IDRange covers Lo up to but not including Hi.
// No sentinel id is sent or interpreted, so a query covers only the ids
// and ranges it lists.
type CatchUpQuery struct {
	Periodic    bool
	SnapshotReq bool
	IDs         []int32
	Ranges      []IDRange
}

func (m *CatchUpQuery) Marshal(w io.Writer) error {
	flags := uint8(0)
	if m.Periodic {
		flags |= 1
	}
	if m.SnapshotReq {
		flags |= 2
	}
	if err := wireio.WriteUint8(w, flags); err != nil {
		return err
	}
	if err := wireio.WriteInt32Slice(w, m.IDs); err != nil {
		return err
	}
	if err := wireio.WriteInt32(w, int32(len(m.Ranges))); err != nil {
		return err
	}
	for _, rg := range m.Ranges {
		if err := wireio.WriteInt32(w, rg.Lo); err != nil {
			return err
		}
		if err := wireio.WriteInt32(w, rg.Hi); err != nil {
			return err
		}
	}
	return nil
}

func (m *CatchUpQuery) Unmarshal(r io.Reader) error {
	flags, err := wireio.ReadUint8(r)
	if err != nil {
		return err
	}
	m.Periodic = flags&1 != 0
	m.SnapshotReq = flags&2 != 0
	if m.IDs, err = wireio.ReadInt32Slice(r); err != nil {
		return err
	}
	n, err := wireio.ReadInt32(r)
	if err != nil {
		return err
	}
	m.Ranges = make([]IDRange, n)
	for i := range m.Ranges {
		if m.Ranges[i].Lo, err = wireio.ReadInt32(r); err != nil {
			return err
		}
		if m.Ranges[i].Hi, err = wireio.ReadInt32(r); err != nil {
			return err
		}
	}
	return nil
}
func (m *CatchUpQuery) New() fastrpc.Serializable { return &CatchUpQuery{} }

// CatchUpResponse answers a CatchUpQuery, possibly split across several
// UDP-sized fragments (lastPart=false on all but the last).
type CatchUpResponse struct {
	Periodic     bool
	SnapshotOnly bool
	LastPart     bool
	RequestTime  int64
	Instances    []WireInstance
}

func (m *CatchUpResponse) Marshal(w io.Writer) error {
	flags := uint8(0)
	if m.Periodic {
		flags |= 1
	}
	if m.SnapshotOnly {
		flags |= 2
	}
	if m.LastPart {
		flags |= 4
	}
	if err := wireio.WriteUint8(w, flags); err != nil {
		return err
	}
	if err := wireio.WriteInt64(w, m.RequestTime); err != nil {
		return err
	}
	return writeInstances(w, m.Instances)
}

func (m *CatchUpResponse) Unmarshal(r io.Reader) error {
	flags, err := wireio.ReadUint8(r)
	if err != nil {
		return err
	}
	m.Periodic = flags&1 != 0
	m.SnapshotOnly = flags&2 != 0
	m.LastPart = flags&4 != 0
	if m.RequestTime, err = wireio.ReadInt64(r); err != nil {
		return err
	}
	m.Instances, err = readInstances(r)
	return err
}
func (m *CatchUpResponse) New() fastrpc.Serializable { return &CatchUpResponse{} }

// CatchUpSnapshot delivers a full state-machine snapshot to a replica that
// requested one.
type CatchUpSnapshot struct {
	RequestTime   int64
	SnapshotBytes []byte
}

func (m *CatchUpSnapshot) Marshal(w io.Writer) error {
	if err := wireio.WriteInt64(w, m.RequestTime); err != nil {
		return err
	}
	return wireio.WriteBytes(w, m.SnapshotBytes)
}
func (m *CatchUpSnapshot) Unmarshal(r io.Reader) error {
	var err error
	if m.RequestTime, err = wireio.ReadInt64(r); err != nil {
		return err
	}
	m.SnapshotBytes, err = wireio.ReadBytes(r)
	return err
}
func (m *CatchUpSnapshot) New() fastrpc.Serializable { return &CatchUpSnapshot{} }

// Recovery is broadcast at startup by recovery.Manager and resent until a
// majority of peers answer.
type Recovery struct {
	ViewOnCrash int32
	Ignored     int32
}

func (m *Recovery) Marshal(w io.Writer) error {
	if err := wireio.WriteInt32(w, m.ViewOnCrash); err != nil {
		return err
	}
	return wireio.WriteInt32(w, m.Ignored)
}
func (m *Recovery) Unmarshal(r io.Reader) error {
	var err error
	if m.ViewOnCrash, err = wireio.ReadInt32(r); err != nil {
		return err
	}
	m.Ignored, err = wireio.ReadInt32(r)
	return err
}
func (m *Recovery) New() fastrpc.Serializable { return &Recovery{} }

// RecoveryAnswer is the reply to Recovery.
type RecoveryAnswer struct {
	View   int32
	NextID int64
}

func (m *RecoveryAnswer) Marshal(w io.Writer) error {
	if err := wireio.WriteInt32(w, m.View); err != nil {
		return err
	}
	return wireio.WriteInt64(w, m.NextID)
}
func (m *RecoveryAnswer) Unmarshal(r io.Reader) error {
	var err error
	if m.View, err = wireio.ReadInt32(r); err != nil {
		return err
	}
	m.NextID, err = wireio.ReadInt64(r)
	return err
}
func (m *RecoveryAnswer) New() fastrpc.Serializable { return &RecoveryAnswer{} }

// WireClientRequest is a ClientRequest as it travels inside a
// ForwardClientBatch.
type WireClientRequest struct {
	ClientID int64
	Seq      int32
	Payload  []byte
}

func writeClientRequest(w io.Writer, cr WireClientRequest) error {
	if err := wireio.WriteInt64(w, cr.ClientID); err != nil {
		return err
	}
	if err := wireio.WriteInt32(w, cr.Seq); err != nil {
		return err
	}
	return wireio.WriteBytes(w, cr.Payload)
}

func readClientRequest(r io.Reader) (WireClientRequest, error) {
	var cr WireClientRequest
	var err error
	if cr.ClientID, err = wireio.ReadInt64(r); err != nil {
		return cr, err
	}
	if cr.Seq, err = wireio.ReadInt32(r); err != nil {
		return cr, err
	}
	cr.Payload, err = wireio.ReadBytes(r)
	return cr, err
}

// ForwardClientBatch propagates a client batch to peers, named by its
// ClientBatchID = (proposer, seq).
type ForwardClientBatch struct {
	Proposer int32
	Seq      int32
	Requests []WireClientRequest
}

func (m *ForwardClientBatch) Marshal(w io.Writer) error {
	if err := wireio.WriteInt32(w, m.Proposer); err != nil {
		return err
	}
	if err := wireio.WriteInt32(w, m.Seq); err != nil {
		return err
	}
	if err := wireio.WriteInt32(w, int32(len(m.Requests))); err != nil {
		return err
	}
	for _, req := range m.Requests {
		if err := writeClientRequest(w, req); err != nil {
			return err
		}
	}
	return nil
}

func (m *ForwardClientBatch) Unmarshal(r io.Reader) error {
	var err error
	if m.Proposer, err = wireio.ReadInt32(r); err != nil {
		return err
	}
	if m.Seq, err = wireio.ReadInt32(r); err != nil {
		return err
	}
	n, err := wireio.ReadInt32(r)
	if err != nil {
		return err
	}
	m.Requests = make([]WireClientRequest, n)
	for i := range m.Requests {
		if m.Requests[i], err = readClientRequest(r); err != nil {
			return err
		}
	}
	return nil
}
func (m *ForwardClientBatch) New() fastrpc.Serializable { return &ForwardClientBatch{} }

// ClientRequest is a single client-submitted command.
type ClientRequest struct {
	ClientID int64
	Seq      int32
	Payload  []byte
}

func (m *ClientRequest) Marshal(w io.Writer) error {
	return writeClientRequest(w, WireClientRequest{m.ClientID, m.Seq, m.Payload})
}
func (m *ClientRequest) Unmarshal(r io.Reader) error {
	cr, err := readClientRequest(r)
	if err != nil {
		return err
	}
	m.ClientID, m.Seq, m.Payload = cr.ClientID, cr.Seq, cr.Payload
	return nil
}
func (m *ClientRequest) New() fastrpc.Serializable { return &ClientRequest{} }
