package gen

import (
	"fmt"
	"time"
)

const (
	// Infinity makes Receive, Call and session operations wait without a deadline.
	Infinity time.Duration = -1

	// DefaultCallTimeout is used by Call if the given timeout is zero.
	DefaultCallTimeout = 5 * time.Second
)

// Atom is a name of the node or registered process.
type Atom string

func (a Atom) String() string {
	return string(a)
}

// PID identifies exactly one process. Two PIDs are equal if they point to the
// same process of the same node, so PID can be used as a map key.
// PID does not own the process. The node does.
type PID struct {
	Node Atom   `msgpack:"n" json:"n"`
	ID   uint64 `msgpack:"i" json:"i"`
}

func (p PID) String() string {
	return fmt.Sprintf("<%s.%d>", p.Node, p.ID)
}

// IsZero returns true if the PID is empty.
func (p PID) IsZero() bool {
	return p.ID == 0 && p.Node == ""
}

// Tag is a correlation identifier. It is unique within the lifetime of
// the origin process and monotonically increasing. Requests are made with
// a new Tag and replies echo it back.
type Tag struct {
	PID PID    `msgpack:"p" json:"p"`
	ID  uint64 `msgpack:"t" json:"t"`
}

func (t Tag) String() string {
	return fmt.Sprintf("#%s.%d", t.PID, t.ID)
}

// IsZero returns true for an empty Tag.
func (t Tag) IsZero() bool {
	return t.ID == 0
}

// Handle is a typed reference to a process accepting messages of type M.
// It adds compile-time checking of the message type to the regular PID.
type Handle[M any] struct {
	pid PID
}

// NewHandle wraps the given PID.
func NewHandle[M any](pid PID) Handle[M] {
	return Handle[M]{pid: pid}
}

// PID returns the process identifier.
func (h Handle[M]) PID() PID {
	return h.pid
}

// Send sends the message on behalf of the given process.
func (h Handle[M]) Send(from Process, message M) error {
	return from.Send(h.pid, message)
}

// Link creates a link between the given process and the referenced one.
func (h Handle[M]) Link(from Process) error {
	return from.Link(h.pid)
}

// Monitor makes the given process monitor the referenced one.
func (h Handle[M]) Monitor(from Process) (Tag, error) {
	return from.Monitor(h.pid)
}

func (h Handle[M]) String() string {
	return h.pid.String()
}
