package protocol

import (
	"fmt"
	"reflect"
	"time"

	"ergo.services/hive/gen"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// control messages of the session
type (
	sessionOpen   struct{}
	sessionChoice struct {
		Branch int
	}
	sessionClose struct {
		Reason string
	}
)

// Session is the conversation of two processes following the protocol.
// Each operation checks the current step of the protocol and moves to the
// next one. An operation the current step doesn't allow fails with
// gen.ErrProtocolViolation without waiting and breaks the session on both
// sides.
//
// Session belongs to the process that opened it and must be used only in
// the goroutine of this process.
type Session struct {
	process gen.Process
	peer    gen.PID
	tag     gen.Tag
	// monitor of the peer
	mtag  gen.Tag
	step  *Step
	err   error
	close bool
	// removes the termination callback
	undefer gen.CancelFunc
}

// Open starts the session with the given process. The peer joins it with
// Accept using the dual protocol.
func Open(p gen.Process, peer gen.PID, proto *Step) (*Session, error) {
	if err := Validate(proto); err != nil {
		return nil, err
	}
	s, err := newSession(p, peer, p.MakeTag(), proto)
	if err != nil {
		return nil, err
	}
	if err := p.SendEnvelope(peer, gen.EnvelopeSession, s.tag, sessionOpen{}); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// Accept waits for the session opened by any process with Open.
func Accept(p gen.Process, proto *Step, timeout time.Duration) (*Session, error) {
	if err := Validate(proto); err != nil {
		return nil, err
	}
	filter := gen.And(gen.MatchKind(gen.EnvelopeSession), func(env gen.Envelope) bool {
		_, ok := env.Message.(sessionOpen)
		return ok
	})
	env, ok, err := p.Receive(filter, timeout)
	if err != nil {
		return nil, err
	}
	if ok == false {
		return nil, gen.ErrTimeout.GenWithStackByArgs()
	}
	return newSession(p, env.From, env.Tag, proto)
}

// Spawn spawns the process linked to the given one and opens the session
// with it. The spawned process runs entry with the session of the dual
// protocol. The session of entry is closed once entry returns.
func Spawn(p gen.Process, proto *Step, entry func(s *Session, args ...any) error, options gen.ProcessOptions, args ...any) (*Session, error) {
	if err := Validate(proto); err != nil {
		return nil, err
	}
	tag := p.MakeTag()
	opener := p.PID()
	peer := Dual(proto)

	factory := gen.FuncFactory(func(process gen.Process, args ...any) error {
		s, err := newSession(process, opener, tag, peer)
		if err != nil {
			return err
		}
		defer s.Close()
		return entry(s, args...)
	})
	pid, err := p.SpawnLink(factory, options, args...)
	if err != nil {
		return nil, err
	}
	return newSession(p, pid, tag, proto)
}

func newSession(p gen.Process, peer gen.PID, tag gen.Tag, proto *Step) (*Session, error) {
	mtag, err := p.Monitor(peer)
	if err != nil {
		return nil, err
	}
	s := &Session{
		process: p,
		peer:    peer,
		tag:     tag,
		mtag:    mtag,
		step:    proto,
	}
	// abandoned session is closed on the process termination
	s.undefer = p.Defer(func(reason error) {
		if s.close {
			return
		}
		s.abort(fmt.Sprintf("process %s terminated: %s", p.PID(), reason))
	})
	sessionsOpened.Inc()
	return s, nil
}

// Process returns the process owning the session.
func (s *Session) Process() gen.Process {
	return s.process
}

// Peer returns the PID of the peer process.
func (s *Session) Peer() gen.PID {
	return s.peer
}

// Tag returns the identifier of the session.
func (s *Session) Tag() gen.Tag {
	return s.tag
}

// Step returns the current step of the protocol.
func (s *Session) Step() *Step {
	return resolve(s.step)
}

// Err returns the reason the session is broken with.
func (s *Session) Err() error {
	return s.err
}

// Send sends the value to the peer.
func (s *Session) Send(value any) error {
	step, err := s.expect(StepSend)
	if err != nil {
		return err
	}
	if value == nil || reflect.TypeOf(value).AssignableTo(step.payload) == false {
		return s.violation(fmt.Sprintf("send %T, expected %s", value, step.payload))
	}
	if err := s.process.SendEnvelope(s.peer, gen.EnvelopeSession, s.tag, value); err != nil {
		return s.broken(err)
	}
	s.step = step.next
	return nil
}

// Recv waits for the value sent by the peer. Timeout doesn't break the
// session, the operation can be repeated.
func (s *Session) Recv(timeout time.Duration) (any, error) {
	step, err := s.expect(StepRecv)
	if err != nil {
		return nil, err
	}
	value, err := s.receive(timeout)
	if err != nil {
		return nil, err
	}
	if reflect.TypeOf(value).AssignableTo(step.payload) == false {
		return nil, s.violation(fmt.Sprintf("received %T, expected %s", value, step.payload))
	}
	s.step = step.next
	return value, nil
}

// RecvAs waits for the value of the type T sent by the peer.
func RecvAs[T any](s *Session, timeout time.Duration) (T, error) {
	var empty T
	value, err := s.Recv(timeout)
	if err != nil {
		return empty, err
	}
	// Recv checks the type against the protocol, so it fails only if T
	// is not the one of the current step
	result, ok := value.(T)
	if ok == false {
		return empty, gen.ErrIncorrect.GenWithStackByArgs(fmt.Sprintf("received %T", value))
	}
	return result, nil
}

// Choose picks the branch of the protocol and informs the peer.
func (s *Session) Choose(branch int) error {
	step, err := s.expect(StepChoose)
	if err != nil {
		return err
	}
	if branch < 0 || branch >= len(step.branches) {
		return s.violation(fmt.Sprintf("unknown branch %d of %d", branch, len(step.branches)))
	}
	if err := s.process.SendEnvelope(s.peer, gen.EnvelopeSession, s.tag, sessionChoice{Branch: branch}); err != nil {
		return s.broken(err)
	}
	s.step = step.branches[branch]
	return nil
}

// Offer waits for the branch picked by the peer.
func (s *Session) Offer(timeout time.Duration) (int, error) {
	step, err := s.expect(StepOffer)
	if err != nil {
		return -1, err
	}
	value, err := s.receive(timeout)
	if err != nil {
		return -1, err
	}
	choice, ok := value.(sessionChoice)
	if ok == false {
		return -1, s.violation(fmt.Sprintf("received %T, expected choice", value))
	}
	if choice.Branch < 0 || choice.Branch >= len(step.branches) {
		return -1, s.violation(fmt.Sprintf("unknown branch %d of %d", choice.Branch, len(step.branches)))
	}
	s.step = step.branches[choice.Branch]
	return choice.Branch, nil
}

// Close finishes the session. Closing the session before the end of
// the protocol aborts it: the peer gets gen.ErrSessionAborted.
// Close is idempotent.
func (s *Session) Close() {
	if s.close {
		return
	}
	if s.err == nil && resolve(s.step).kind != StepEnd {
		s.abort("closed before the end of the protocol")
		return
	}
	s.release()
}

func (s *Session) expect(kind StepKind) (*Step, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.close {
		return nil, gen.ErrProtocolViolation.GenWithStackByArgs("session is closed")
	}
	step := resolve(s.step)
	if step.kind != kind {
		return nil, s.violation(fmt.Sprintf("%s is not allowed, expected %s", kind, describe(step)))
	}
	return step, nil
}

// receive waits for the next message of the session.
func (s *Session) receive(timeout time.Duration) (any, error) {
	filter := gen.Or(
		gen.And(gen.MatchKind(gen.EnvelopeSession), gen.MatchTag(s.tag)),
		gen.And(gen.MatchKind(gen.EnvelopeDown), gen.MatchTag(s.mtag)),
	)
	env, ok, err := s.process.Receive(filter, timeout)
	if err != nil {
		if gen.ErrSerialization.Equal(err) {
			return nil, s.violation(err.Error())
		}
		return nil, err
	}
	if ok == false {
		return nil, gen.ErrTimeout.GenWithStackByArgs()
	}

	switch m := env.Message.(type) {
	case gen.MessageDown:
		s.mtag = gen.Tag{}
		return nil, s.broken(gen.ErrSessionAborted.GenWithStackByArgs(
			fmt.Sprintf("process %s terminated: %s", m.PID, m.Reason)))
	case sessionClose:
		return nil, s.broken(gen.ErrSessionAborted.GenWithStackByArgs(m.Reason))
	case sessionOpen:
		return nil, s.violation("session is opened twice")
	case nil:
		return nil, s.violation("empty message")
	}
	return env.Message, nil
}

// violation breaks the session and informs the peer.
func (s *Session) violation(reason string) error {
	violations.Inc()
	err := gen.ErrProtocolViolation.GenWithStackByArgs(reason)
	s.process.Log().Warn("session is broken",
		zap.Stringer("session", s.tag),
		zap.Stringer("peer", s.peer),
		zap.String("protocol", s.step.String()),
		zap.Error(err))
	s.notify(err.Error())
	s.err = err
	s.release()
	return err
}

// abort informs the peer and closes the session.
func (s *Session) abort(reason string) {
	sessionsAborted.Inc()
	s.notify(reason)
	s.release()
}

func (s *Session) broken(err error) error {
	if gen.ErrSessionAborted.Equal(err) == false {
		err = gen.ErrSessionAborted.GenWithStackByArgs(errors.Cause(err))
	}
	s.err = err
	s.release()
	return err
}

func (s *Session) notify(reason string) {
	err := s.process.SendEnvelope(s.peer, gen.EnvelopeSession, s.tag, sessionClose{Reason: reason})
	if err != nil {
		s.process.Log().Debug("unable to notify peer", zap.Stringer("peer", s.peer), zap.Error(err))
	}
}

func (s *Session) release() {
	if s.close {
		return
	}
	s.close = true
	if s.undefer != nil {
		s.undefer()
	}
	if s.mtag.IsZero() == false {
		s.process.Demonitor(s.mtag)
		s.mtag = gen.Tag{}
	}
}
