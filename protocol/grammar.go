package protocol

import (
	"fmt"
	"reflect"
	"strings"

	"ergo.services/hive/gen"
)

// StepKind is the kind of the protocol step.
type StepKind int

const (
	StepEnd StepKind = iota
	StepSend
	StepRecv
	StepChoose
	StepOffer
	StepLoop
	StepAgain
)

func (k StepKind) String() string {
	switch k {
	case StepEnd:
		return "end"
	case StepSend:
		return "send"
	case StepRecv:
		return "recv"
	case StepChoose:
		return "choose"
	case StepOffer:
		return "offer"
	case StepLoop:
		return "loop"
	case StepAgain:
		return "again"
	}
	return fmt.Sprintf("step#%d", int(k))
}

// Step is a state of the session protocol. The protocol is the graph of
// steps built with Send, Recv, Choose, Offer, Loop and End. Steps are
// immutable once built and can be shared by any number of sessions.
type Step struct {
	kind     StepKind
	payload  reflect.Type
	next     *Step
	branches []*Step
	// body of the loop
	body *Step
	// loop the StepAgain step returns to
	loop *Step
}

// Kind returns the kind of the step.
func (s *Step) Kind() StepKind {
	return s.kind
}

// End is the final step of the protocol.
func End() *Step {
	return &Step{kind: StepEnd}
}

// Send is the step sending the value of the type T to the peer.
func Send[T any](next *Step) *Step {
	return &Step{kind: StepSend, payload: typeOf[T](), next: next}
}

// Recv is the step receiving the value of the type T from the peer.
func Recv[T any](next *Step) *Step {
	return &Step{kind: StepRecv, payload: typeOf[T](), next: next}
}

// Choose is the step where this side picks one of the branches and
// the peer follows it.
func Choose(branches ...*Step) *Step {
	return &Step{kind: StepChoose, branches: branches}
}

// Offer is the step where the peer picks one of the branches.
func Offer(branches ...*Step) *Step {
	return &Step{kind: StepOffer, branches: branches}
}

// Loop makes the recursive protocol. The body gets the step continuing
// the loop from its beginning:
//
//	stream := Loop(func(again *Step) *Step {
//		return Choose(
//			Send[Item](again),
//			End(),
//		)
//	})
func Loop(body func(again *Step) *Step) *Step {
	loop := &Step{kind: StepLoop}
	loop.body = body(&Step{kind: StepAgain, loop: loop})
	return loop
}

// Dual returns the protocol of the peer: sends become receives and
// choices become offers.
func Dual(s *Step) *Step {
	return dual(s, make(map[*Step]*Step))
}

func dual(s *Step, seen map[*Step]*Step) *Step {
	if s == nil {
		return nil
	}
	if d, found := seen[s]; found {
		return d
	}
	d := &Step{kind: s.kind, payload: s.payload}
	seen[s] = d
	switch s.kind {
	case StepSend:
		d.kind = StepRecv
	case StepRecv:
		d.kind = StepSend
	case StepChoose:
		d.kind = StepOffer
	case StepOffer:
		d.kind = StepChoose
	}
	d.next = dual(s.next, seen)
	for _, b := range s.branches {
		d.branches = append(d.branches, dual(b, seen))
	}
	d.body = dual(s.body, seen)
	d.loop = dual(s.loop, seen)
	return d
}

// Validate checks that every step reachable from the given one is complete
// and can reach End.
func Validate(s *Step) error {
	if s == nil {
		return gen.ErrIncorrect.GenWithStackByArgs("empty protocol")
	}

	var steps []*Step
	edges := make(map[*Step][]*Step)
	queue := []*Step{s}
	edges[s] = nil
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		steps = append(steps, step)

		var out []*Step
		switch step.kind {
		case StepSend, StepRecv:
			out = []*Step{step.next}
		case StepChoose, StepOffer:
			if len(step.branches) == 0 {
				return gen.ErrIncorrect.GenWithStackByArgs(step.kind.String() + " without branches")
			}
			out = step.branches
		case StepLoop:
			out = []*Step{step.body}
		case StepAgain:
			out = []*Step{step.loop}
		}
		for _, o := range out {
			if o == nil {
				return gen.ErrIncorrect.GenWithStackByArgs("incomplete " + step.kind.String() + " step")
			}
			if _, found := edges[o]; found == false {
				edges[o] = nil
				queue = append(queue, o)
			}
		}
		edges[step] = out
	}

	// steps reaching End, until nothing changes
	done := make(map[*Step]bool)
	for changed := true; changed; {
		changed = false
		for _, step := range steps {
			if done[step] {
				continue
			}
			if step.kind == StepEnd {
				done[step] = true
				changed = true
				continue
			}
			for _, o := range edges[step] {
				if done[o] {
					done[step] = true
					changed = true
					break
				}
			}
		}
	}
	for _, step := range steps {
		if done[step] == false {
			return gen.ErrIncorrect.GenWithStackByArgs(describe(step) + " never reaches end")
		}
	}
	return nil
}

// resolve skips the loop markers. The protocol must be valid.
func resolve(s *Step) *Step {
	for {
		switch s.kind {
		case StepLoop:
			s = s.body
		case StepAgain:
			s = s.loop.body
		default:
			return s
		}
	}
}

func describe(s *Step) string {
	switch s.kind {
	case StepSend, StepRecv:
		return s.kind.String() + " " + s.payload.String()
	case StepChoose, StepOffer:
		return fmt.Sprintf("%s of %d", s.kind, len(s.branches))
	}
	return s.kind.String()
}

// String returns the protocol in the notation of the session types
// (!T for send, ?T for recv, + for choose, & for offer, μ for loops).
func (s *Step) String() string {
	var b strings.Builder
	format(&b, s, make(map[*Step]int))
	return b.String()
}

func format(b *strings.Builder, s *Step, loops map[*Step]int) {
	for s != nil {
		switch s.kind {
		case StepEnd:
			b.WriteString("end")
			return
		case StepSend:
			b.WriteString("!" + s.payload.String() + ".")
		case StepRecv:
			b.WriteString("?" + s.payload.String() + ".")
		case StepChoose, StepOffer:
			if s.kind == StepChoose {
				b.WriteString("+{")
			} else {
				b.WriteString("&{")
			}
			for i, branch := range s.branches {
				if i > 0 {
					b.WriteString(", ")
				}
				format(b, branch, loops)
			}
			b.WriteString("}")
			return
		case StepLoop:
			loops[s] = len(loops)
			fmt.Fprintf(b, "μX%d.", loops[s])
			s = s.body
			continue
		case StepAgain:
			fmt.Fprintf(b, "X%d", loops[s.loop])
			return
		}
		s = s.next
	}
	b.WriteString("?")
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
