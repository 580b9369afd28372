// Package fastrpc defines the tagged-variant message contract shared by
// every wire message: a type that knows how to marshal itself, unmarshal
// itself, and hand back a fresh zero value of its own type so a dispatcher
// can pool/recycle instances by message code.
package fastrpc

import "io"

// Serializable is the capability every wire message type implements. It
// plays the role the teacher's abstract Message base class plays in the
// original Java source: serialization dispatches on a per-type method set
// instead of on inheritance.
type Serializable interface {
	Marshal(w io.Writer) error
	Unmarshal(r io.Reader) error
	New() Serializable
}
