package node

import (
	"testing"
	"time"

	"ergo.services/hive/gen"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

type msgA struct{ X string }
type msgB struct{ Y int }
type msgC struct{ X string }

func TestSelectiveReceive(t *testing.T) {
	node := startTestNode(t, "node1", nil)
	p := attach(t, node, gen.ProcessOptions{})
	sender := attach(t, node, gen.ProcessOptions{})

	require.NoError(t, sender.Send(p.PID(), msgA{X: "a"}))
	require.NoError(t, sender.Send(p.PID(), msgB{Y: 1}))
	require.NoError(t, sender.Send(p.PID(), msgC{X: "c"}))

	env := receive(t, p, gen.MatchType[msgB]())
	require.Equal(t, msgB{Y: 1}, env.Message)

	// skipped messages keep their order
	env = receive(t, p, gen.MatchAny())
	require.Equal(t, msgA{X: "a"}, env.Message)
	env = receive(t, p, gen.MatchAny())
	require.Equal(t, msgC{X: "c"}, env.Message)

	_, ok, err := p.Receive(gen.MatchAny(), 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReceiveFilters(t *testing.T) {
	node := startTestNode(t, "node1", nil)
	p := attach(t, node, gen.ProcessOptions{})
	s1 := attach(t, node, gen.ProcessOptions{})
	s2 := attach(t, node, gen.ProcessOptions{})

	tag := s1.MakeTag()
	require.NoError(t, s1.Send(p.PID(), "one"))
	require.NoError(t, s2.Send(p.PID(), "two"))
	require.NoError(t, s1.SendEnvelope(p.PID(), gen.EnvelopeRequest, tag, "three"))

	env := receive(t, p, gen.MatchFrom(s2.PID()))
	require.Equal(t, "two", env.Message)

	env = receive(t, p, gen.And(gen.MatchKind(gen.EnvelopeRequest), gen.MatchTag(tag)))
	require.Equal(t, "three", env.Message)
	require.Equal(t, s1.PID(), env.From)

	info, err := node.ProcessInfo(p.PID())
	require.NoError(t, err)
	require.Equal(t, 1, info.MessageQueueLen)
}

func TestReceiveTimeout(t *testing.T) {
	node := startTestNode(t, "node1", nil)
	p := attach(t, node, gen.ProcessOptions{})

	start := time.Now()
	_, ok, err := p.Receive(gen.MatchAny(), 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// the message arriving while waiting
	pid, err := node.Spawn(gen.FuncFactory(func(process gen.Process, args ...any) error {
		time.Sleep(50 * time.Millisecond)
		return process.Send(args[0].(gen.PID), msgB{Y: 7})
	}), gen.ProcessOptions{}, p.PID())
	require.NoError(t, err)
	require.False(t, pid.IsZero())

	env, ok, err := p.Receive(gen.MatchType[msgB](), gen.Infinity)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msgB{Y: 7}, env.Message)
}

func TestExitSignal(t *testing.T) {
	node := startTestNode(t, "node1", nil)

	// normal exit of the linked process is ignored
	p := attach(t, node, gen.ProcessOptions{})
	pid, err := node.Spawn(gen.FuncFactory(echo), gen.ProcessOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Link(pid))
	tag, err := p.Monitor(pid)
	require.NoError(t, err)
	require.NoError(t, p.Send(pid, "stop"))
	waitDown(t, p, tag)
	_, ok, err := p.Receive(gen.MatchAny(), 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	// abnormal exit terminates the process
	pid, err = node.Spawn(gen.FuncFactory(echo), gen.ProcessOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Link(pid))
	require.NoError(t, p.Send(pid, "fail"))
	_, _, err = p.Receive(gen.MatchType[msgA](), gen.Infinity)
	require.True(t, gen.ErrProcessTerminated.Equal(err))
	_, err = node.ProcessInfo(p.PID())
	require.True(t, gen.ErrProcessUnknown.Equal(err))
}

func TestTrapExit(t *testing.T) {
	node := startTestNode(t, "node1", nil)
	p := attach(t, node, gen.ProcessOptions{TrapExit: true})
	sender := attach(t, node, gen.ProcessOptions{})

	pid, err := node.Spawn(gen.FuncFactory(echo), gen.ProcessOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Link(pid))
	require.NoError(t, p.Send(pid, "panic"))

	env := receive(t, p, gen.MatchKind(gen.EnvelopeExit))
	exit := env.Message.(gen.MessageExit)
	require.Equal(t, pid, exit.PID)
	require.Equal(t, gen.TerminateReasonPanic, errors.Cause(exit.Reason))

	// trapped exit sent by a process
	reason := errors.New("custom")
	require.NoError(t, sender.SendExit(p.PID(), reason))
	env = receive(t, p, gen.MatchKind(gen.EnvelopeExit))
	require.Equal(t, sender.PID(), env.From)
	require.Equal(t, reason, env.Message.(gen.MessageExit).Reason)

	// kill can't be trapped
	require.NoError(t, node.Kill(p.PID()))
	_, _, err = p.Receive(gen.MatchAny(), time.Second)
	require.True(t, gen.ErrProcessTerminated.Equal(err))
}

func TestExitFromNode(t *testing.T) {
	node := startTestNode(t, "node1", nil)
	observer := attach(t, node, gen.ProcessOptions{})

	trapping := func(process gen.Process, args ...any) error {
		process.SetTrapExit(true)
		return echo(process)
	}
	pid, err := node.Spawn(gen.FuncFactory(trapping), gen.ProcessOptions{})
	require.NoError(t, err)
	tag, err := observer.Monitor(pid)
	require.NoError(t, err)

	require.NoError(t, node.SendExit(pid, gen.TerminateReasonShutdown))
	down := waitDown(t, observer, tag)
	require.Equal(t, gen.TerminateReasonShutdown, errors.Cause(down.Reason))
}
