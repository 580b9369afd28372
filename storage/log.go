// Package storage implements the Log and StableStorage of spec.md §4.1: an
// in-memory, dispatcher-exclusive mapping from instance id to
// ConsensusInstance, plus durable view/snapshot persistence. The sparse
// map is backed by gods' ordered treemap (a teacher go.mod dependency never
// exercised in the retrieved subset) instead of a plain Go map, since
// truncateBelow and byteSizeBetween both need ordered range scans.
package storage

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"

	"github.com/dziurwa/paxosrepl/paxosproto"
)

// InstanceState mirrors spec.md §3's ConsensusInstance.state.
type InstanceState uint8

const (
	Unknown InstanceState = iota
	Known
	Decided
)

// ConsensusInstance is the tuple (id, view, value, state) of spec.md §3.
type ConsensusInstance struct {
	ID    int64
	View  int32
	Value []byte
	State InstanceState
}

func (ci *ConsensusInstance) toWire() paxosproto.WireInstance {
	return paxosproto.WireInstance{
		ID:    int32(ci.ID),
		View:  ci.View,
		State: paxosproto.InstanceState(ci.State),
		Value: ci.Value,
	}
}

// FromWire builds a ConsensusInstance from its wire representation, used by
// proposer and catchup when ingesting PrepareOK/CatchUpResponse entries.
func FromWire(w paxosproto.WireInstance) *ConsensusInstance {
	return &ConsensusInstance{
		ID:    int64(w.ID),
		View:  w.View,
		Value: w.Value,
		State: InstanceState(w.State),
	}
}

func (ci *ConsensusInstance) ToWire() paxosproto.WireInstance { return ci.toWire() }

// SizeObserver is notified after every Log mutation, synchronously, on the
// dispatcher goroutine (spec.md §4.1 "logSizeChanged" callback).
type SizeObserver func(newSize int64)

// Log is the sparse instanceId -> ConsensusInstance mapping plus
// bookkeeping fields. It is dispatcher-exclusive: spec.md §5 requires every
// mutation to happen on the single consensus dispatcher goroutine, so unlike
// batchstore.Store, Log takes no lock of its own — callers on any other
// goroutine are a bug, not a race to paper over.
type Log struct {
	entries          *treemap.Map
	nextID           int64
	firstUncommitted int64
	firstSnapshotID  int64
	size             int64 // cumulative byte size of Known/Decided values currently retained
	observers        []SizeObserver
}

func NewLog() *Log {
	return &Log{
		entries: treemap.NewWith(godsutils.Int64Comparator),
	}
}

// OnSizeChanged registers an observer fired synchronously after every
// mutation (spec.md §4.1).
func (l *Log) OnSizeChanged(obs SizeObserver) {
	l.observers = append(l.observers, obs)
}

func (l *Log) fireSizeChanged() {
	for _, obs := range l.observers {
		obs(l.size)
	}
}

func (l *Log) GetInstance(id int64) (*ConsensusInstance, bool) {
	v, found := l.entries.Get(id)
	if !found {
		return nil, false
	}
	return v.(*ConsensusInstance), true
}

// GetOrCreate returns the instance at id, creating an UNKNOWN placeholder
// if absent.
func (l *Log) GetOrCreate(id int64) *ConsensusInstance {
	if ci, ok := l.GetInstance(id); ok {
		return ci
	}
	ci := &ConsensusInstance{ID: id, State: Unknown}
	l.entries.Put(id, ci)
	if id >= l.nextID {
		l.nextID = id + 1
	}
	return ci
}

// Append allocates the next instance id for value at view, marking it
// KNOWN, and returns the allocated id (spec.md §4.3 "propose(value)").
func (l *Log) Append(view int32, value []byte) int64 {
	id := l.nextID
	l.nextID++
	ci := &ConsensusInstance{ID: id, View: view, Value: value, State: Known}
	l.entries.Put(id, ci)
	l.size += int64(len(value))
	l.fireSizeChanged()
	return id
}

// Put installs or overwrites the instance at id with (view, value, KNOWN),
// the Acceptor's Propose handling and the Proposer's own self-accept share
// this path. It refuses to overwrite a DECIDED entry with a different
// value, enforcing spec.md §3's "once state=DECIDED, neither view nor
// value may change" invariant.
func (l *Log) Put(id int64, view int32, value []byte) error {
	existing, ok := l.GetInstance(id)
	if ok && existing.State == Decided {
		if existing.View != view || string(existing.Value) != string(value) {
			return fmt.Errorf("storage: protocol violation: instance %d already decided at view %d, refusing overwrite at view %d", id, existing.View, view)
		}
		return nil
	}
	var oldLen int
	if ok {
		oldLen = len(existing.Value)
	}
	ci := &ConsensusInstance{ID: id, View: view, Value: value, State: Known}
	l.entries.Put(id, ci)
	if id >= l.nextID {
		l.nextID = id + 1
	}
	l.size += int64(len(value) - oldLen)
	l.fireSizeChanged()
	return nil
}

// SetDecided marks instance id DECIDED at (view, value). If the instance is
// already DECIDED, the value must match (ProtocolViolation otherwise,
// spec.md §7).
func (l *Log) SetDecided(id int64, view int32, value []byte) error {
	if err := l.Put(id, view, value); err != nil {
		return err
	}
	ci, _ := l.GetInstance(id)
	ci.State = Decided
	l.advanceFirstUncommitted()
	l.fireSizeChanged()
	return nil
}

func (l *Log) advanceFirstUncommitted() {
	for {
		ci, ok := l.GetInstance(l.firstUncommitted)
		if !ok || ci.State != Decided {
			return
		}
		l.firstUncommitted++
	}
}

// TruncateBelow removes every entry with id < id and records id as the new
// first-retained (snapshot) boundary (spec.md §4.1, §4.7). Every truncated
// entry is necessarily DECIDED (a snapshot only ever covers a decided
// prefix), so firstUncommitted never needs to look below this boundary
// again either.
func (l *Log) TruncateBelow(id int64) {
	for _, k := range l.entries.Keys() {
		kid := k.(int64)
		if kid >= id {
			break // treemap.Keys() is sorted ascending
		}
		if v, ok := l.entries.Get(kid); ok {
			l.size -= int64(len(v.(*ConsensusInstance).Value))
		}
		l.entries.Remove(kid)
	}
	if id > l.firstSnapshotID {
		l.firstSnapshotID = id
	}
	if id > l.firstUncommitted {
		l.firstUncommitted = id
	}
	l.fireSizeChanged()
}

// ByteSizeBetween sums the value sizes of every retained instance with
// lo <= id < hi, the input SnapshotMaintainer uses to decide whether to ask
// for or force a snapshot (spec.md §4.7).
func (l *Log) ByteSizeBetween(lo, hi int64) int64 {
	var total int64
	for _, k := range l.entries.Keys() {
		kid := k.(int64)
		if kid < lo {
			continue
		}
		if kid >= hi {
			break
		}
		v, _ := l.entries.Get(kid)
		total += int64(len(v.(*ConsensusInstance).Value))
	}
	return total
}

func (l *Log) GetNextID() int64           { return l.nextID }
func (l *Log) GetFirstUncommitted() int64 { return l.firstUncommitted }
func (l *Log) GetFirstSnapshotID() int64  { return l.firstSnapshotID }

// UndecidedIDs returns every id in [firstUncommitted, nextID) that is not
// currently DECIDED, used by CatchUp to build a CatchUpQuery.
func (l *Log) UndecidedIDs() []int64 {
	var out []int64
	for id := l.firstUncommitted; id < l.nextID; id++ {
		ci, ok := l.GetInstance(id)
		if !ok || ci.State != Decided {
			out = append(out, id)
		}
	}
	return out
}
