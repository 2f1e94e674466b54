package gen

import (
	"fmt"
	"reflect"
)

// EnvelopeKind discriminates the envelopes stored in the mailbox.
type EnvelopeKind uint8

const (
	// EnvelopeMessage is a one-way message made with Process.Send.
	EnvelopeMessage EnvelopeKind = 1
	// EnvelopeRequest is a request made with Process.Call. Tag is set.
	EnvelopeRequest EnvelopeKind = 2
	// EnvelopeResponse is a reply on the request. Tag echoes the request's one.
	EnvelopeResponse EnvelopeKind = 3
	// EnvelopeExit is an exit signal delivered by the node. Message is MessageExit.
	EnvelopeExit EnvelopeKind = 4
	// EnvelopeDown is a monitor notification. Message is MessageDown,
	// Tag is the one returned by Process.Monitor.
	EnvelopeDown EnvelopeKind = 5
	// EnvelopeSession is a message of the protocol session. Tag is the session ID.
	EnvelopeSession EnvelopeKind = 6
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeMessage:
		return "message"
	case EnvelopeRequest:
		return "request"
	case EnvelopeResponse:
		return "response"
	case EnvelopeExit:
		return "exit"
	case EnvelopeDown:
		return "down"
	case EnvelopeSession:
		return "session"
	}
	return fmt.Sprintf("kind#%d", uint8(k))
}

// Envelope is the unit stored in the process mailbox: the decoded payload
// with the sender, optional correlation Tag and the kind of the message.
// Dynamic type of the Message is the type discriminator used by MatchType.
type Envelope struct {
	Kind    EnvelopeKind
	From    PID
	Tag     Tag
	Message any
}

func (e Envelope) String() string {
	if e.Tag.IsZero() {
		return fmt.Sprintf("%s from %s: %#v", e.Kind, e.From, e.Message)
	}
	return fmt.Sprintf("%s %s from %s: %#v", e.Kind, e.Tag, e.From, e.Message)
}

// Filter selects envelopes in Process.Receive.
type Filter func(env Envelope) bool

// MatchAny accepts any envelope.
func MatchAny() Filter {
	return func(Envelope) bool { return true }
}

// MatchKind accepts envelopes of the given kinds.
func MatchKind(kinds ...EnvelopeKind) Filter {
	return func(env Envelope) bool {
		for _, k := range kinds {
			if env.Kind == k {
				return true
			}
		}
		return false
	}
}

// MatchTag accepts envelopes carrying the given Tag.
func MatchTag(tag Tag) Filter {
	return func(env Envelope) bool {
		return env.Tag == tag
	}
}

// MatchFrom accepts envelopes sent by the given process.
func MatchFrom(pid PID) Filter {
	return func(env Envelope) bool {
		return env.From == pid
	}
}

// MatchType accepts regular messages of the type T.
func MatchType[T any]() Filter {
	t := reflect.TypeOf((*T)(nil)).Elem()
	return func(env Envelope) bool {
		if env.Kind != EnvelopeMessage || env.Message == nil {
			return false
		}
		mt := reflect.TypeOf(env.Message)
		if t.Kind() == reflect.Interface {
			return mt.Implements(t)
		}
		return mt == t
	}
}

// And accepts an envelope if all the filters accept it.
func And(filters ...Filter) Filter {
	return func(env Envelope) bool {
		for _, f := range filters {
			if f(env) == false {
				return false
			}
		}
		return true
	}
}

// Or accepts an envelope if any of the filters accepts it.
func Or(filters ...Filter) Filter {
	return func(env Envelope) bool {
		for _, f := range filters {
			if f(env) {
				return true
			}
		}
		return false
	}
}
