package node

import (
	"ergo.services/hive/gen"
	"ergo.services/hive/lib"

	"go.uber.org/atomic"
)

// mailboxItem is the unit of the inbound queue. Messages arrive encoded,
// exit signals and monitor notifications are delivered by the node as is.
type mailboxItem struct {
	data   []byte
	signal *gen.Envelope
	kill   bool
}

// mailbox has two parts. The inbound queue is written by any goroutine.
// The pending list holds decoded envelopes that have not been matched by
// Receive yet, it belongs to the owner of the mailbox.
type mailbox struct {
	inbound *lib.QueueMPSC[mailboxItem]
	wakeup  chan struct{}

	pending    []gen.Envelope
	pendingLen atomic.Int64
}

func newMailbox() *mailbox {
	return &mailbox{
		inbound: lib.NewQueueMPSC[mailboxItem](),
		wakeup:  make(chan struct{}, 1),
	}
}

func (m *mailbox) push(item mailboxItem) {
	m.inbound.Push(item)
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *mailbox) append(env gen.Envelope) {
	m.pending = append(m.pending, env)
	m.pendingLen.Store(int64(len(m.pending)))
}

// take removes the pending envelope keeping the order of the rest.
func (m *mailbox) take(i int) gen.Envelope {
	env := m.pending[i]
	copy(m.pending[i:], m.pending[i+1:])
	m.pending[len(m.pending)-1] = gen.Envelope{}
	m.pending = m.pending[:len(m.pending)-1]
	m.pendingLen.Store(int64(len(m.pending)))
	return env
}

// purge removes all the pending envelopes accepted by the filter.
func (m *mailbox) purge(filter gen.Filter) {
	kept := m.pending[:0]
	for _, env := range m.pending {
		if filter(env) {
			continue
		}
		kept = append(kept, env)
	}
	for i := len(kept); i < len(m.pending); i++ {
		m.pending[i] = gen.Envelope{}
	}
	m.pending = kept
	m.pendingLen.Store(int64(len(m.pending)))
}

func (m *mailbox) len() int {
	return int(m.inbound.Len() + m.pendingLen.Load())
}
