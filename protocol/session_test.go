package protocol

import (
	"fmt"
	"testing"
	"time"

	"ergo.services/hive/gen"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSessionOrdering(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)
	proto := Send[int](Recv[string](End()))

	entry := func(s *Session, args ...any) error {
		v, err := RecvAs[int](s, 3*time.Second)
		if err != nil {
			return nil
		}
		return s.Send(fmt.Sprintf("got %d", v))
	}

	s, err := Spawn(p, proto, entry, gen.ProcessOptions{})
	require.NoError(t, err)
	tag, err := p.Monitor(s.Peer())
	require.NoError(t, err)

	require.NoError(t, s.Send(42))
	reply, err := RecvAs[string](s, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, "got 42", reply)
	require.Equal(t, StepEnd, s.Step().Kind())
	s.Close()
	s.Close()

	env, ok, err := p.Receive(gen.And(gen.MatchKind(gen.EnvelopeDown), gen.MatchTag(tag)), 3*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, gen.IsNormalReason(env.Message.(gen.MessageDown).Reason))

	// closed session
	err = s.Send(1)
	require.True(t, gen.ErrProtocolViolation.Equal(err))
}

func TestSessionViolation(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)
	proto := Send[int](Recv[string](End()))

	entry := func(s *Session, args ...any) error {
		_, err := RecvAs[int](s, 3*time.Second)
		observer := args[0].(gen.PID)
		return s.Process().Send(observer, report{Aborted: gen.ErrSessionAborted.Equal(err)})
	}

	s, err := Spawn(p, proto, entry, gen.ProcessOptions{}, p.PID())
	require.NoError(t, err)

	// recv before send fails without waiting
	before := testutil.ToFloat64(violations)
	start := time.Now()
	_, err = s.Recv(5 * time.Second)
	require.True(t, gen.ErrProtocolViolation.Equal(err))
	require.Less(t, time.Since(start), time.Second)
	require.GreaterOrEqual(t, testutil.ToFloat64(violations), before+1)

	// the session stays broken
	err = s.Send(42)
	require.True(t, gen.ErrProtocolViolation.Equal(err))
	require.Equal(t, err, s.Err())

	require.True(t, waitReport(t, p).Aborted)
}

func TestSessionWrongType(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	entry := func(s *Session, args ...any) error {
		_, err := s.Recv(3 * time.Second)
		return s.Process().Send(args[0].(gen.PID), report{Aborted: gen.ErrSessionAborted.Equal(err)})
	}
	s, err := Spawn(p, Send[int](End()), entry, gen.ProcessOptions{}, p.PID())
	require.NoError(t, err)

	err = s.Send("forty two")
	require.True(t, gen.ErrProtocolViolation.Equal(err))
	require.True(t, waitReport(t, p).Aborted)
}

func TestSessionTimeout(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	entry := func(s *Session, args ...any) error {
		time.Sleep(300 * time.Millisecond)
		return s.Send("late")
	}
	s, err := Spawn(p, Recv[string](End()), entry, gen.ProcessOptions{})
	require.NoError(t, err)

	_, err = s.Recv(50 * time.Millisecond)
	require.True(t, gen.ErrTimeout.Equal(err))
	require.NoError(t, s.Err())

	value, err := s.Recv(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "late", value)
	s.Close()
}

func TestSessionAbandon(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	// the peer returns without following the protocol
	entry := func(s *Session, args ...any) error {
		return nil
	}
	s, err := Spawn(p, Recv[int](End()), entry, gen.ProcessOptions{})
	require.NoError(t, err)

	_, err = s.Recv(3 * time.Second)
	require.True(t, gen.ErrSessionAborted.Equal(err))
	require.Contains(t, err.Error(), "closed before the end")

	// the peer is killed
	entry = func(s *Session, args ...any) error {
		_, _, err := s.Process().Receive(gen.MatchType[string](), gen.Infinity)
		return err
	}
	s, err = Spawn(p, Recv[int](End()), entry, gen.ProcessOptions{})
	require.NoError(t, err)
	require.NoError(t, n.Kill(s.Peer()))

	_, err = s.Recv(3 * time.Second)
	require.True(t, gen.ErrSessionAborted.Equal(err))
}

func TestSessionAbandonOnTermination(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)
	other := attach(t, n)

	s, err := Open(p, other.PID(), Send[int](End()))
	require.NoError(t, err)
	peer, err := Accept(other, Dual(Send[int](End())), time.Second)
	require.NoError(t, err)
	require.Equal(t, s.Tag(), peer.Tag())

	// p is gone with the session left open
	require.NoError(t, n.Detach(p))
	_, err = peer.Recv(3 * time.Second)
	require.True(t, gen.ErrSessionAborted.Equal(err))
	require.Contains(t, err.Error(), "terminated")
}

func TestSessionStream(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)
	proto := Send[string](Recv[bool](stream()))

	entry := func(s *Session, args ...any) error {
		if _, err := RecvAs[string](s, time.Second); err != nil {
			return err
		}
		if err := s.Send(true); err != nil {
			return err
		}
		sum := 0
		for {
			branch, err := s.Offer(time.Second)
			if err != nil {
				return err
			}
			if branch == 1 {
				break
			}
			v, err := RecvAs[int](s, time.Second)
			if err != nil {
				return err
			}
			sum += v
		}
		return s.Process().Send(args[0].(gen.PID), report{Value: fmt.Sprint(sum)})
	}

	s, err := Spawn(p, proto, entry, gen.ProcessOptions{}, p.PID())
	require.NoError(t, err)
	require.NoError(t, s.Send("numbers"))
	ack, err := RecvAs[bool](s, time.Second)
	require.NoError(t, err)
	require.True(t, ack)

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Choose(0))
		require.NoError(t, s.Send(i))
	}
	require.NoError(t, s.Choose(1))
	require.Equal(t, StepEnd, s.Step().Kind())
	s.Close()

	require.Equal(t, "55", waitReport(t, p).Value)
}

func TestSessionChoice(t *testing.T) {
	n := startTestNode(t)
	p1 := attach(t, n)
	p2 := attach(t, n)
	proto := Choose(
		Send[int](End()),
		Recv[string](End()),
	)

	_, err := Open(p1, p2.PID(), Choose())
	require.True(t, gen.ErrIncorrect.Equal(err))
	_, err = Accept(p2, Dual(proto), 50*time.Millisecond)
	require.True(t, gen.ErrTimeout.Equal(err))

	s1, err := Open(p1, p2.PID(), proto)
	require.NoError(t, err)
	s2, err := Accept(p2, Dual(proto), time.Second)
	require.NoError(t, err)
	require.Equal(t, p1.PID(), s2.Peer())

	require.NoError(t, s1.Choose(1))
	branch, err := s2.Offer(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, branch)
	require.NoError(t, s2.Send("second"))
	value, err := RecvAs[string](s1, time.Second)
	require.NoError(t, err)
	require.Equal(t, "second", value)
	s1.Close()
	s2.Close()

	// unknown branch breaks both sides
	s1, err = Open(p1, p2.PID(), proto)
	require.NoError(t, err)
	s2, err = Accept(p2, Dual(proto), time.Second)
	require.NoError(t, err)
	err = s1.Choose(5)
	require.True(t, gen.ErrProtocolViolation.Equal(err))
	_, err = s2.Offer(time.Second)
	require.True(t, gen.ErrSessionAborted.Equal(err))
	require.Contains(t, errors.Cause(err).Error(), "unknown branch")
}
