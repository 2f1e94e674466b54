package act

import (
	"testing"
	"time"

	"ergo.services/hive/codec"
	"ergo.services/hive/gen"
	"ergo.services/hive/node"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func startSupervisor(t *testing.T, n *node.Node, typ SupervisorType, children ...ChildSpec) gen.PID {
	spec := SupervisorSpec{
		Type:     typ,
		Children: children,
	}
	sup, err := SpawnSupervisor(n, spec, gen.ProcessOptions{})
	require.NoError(t, err)
	return sup
}

func crash(t *testing.T, p gen.Process, pid gen.PID) {
	require.NoError(t, Cast(p, pid, "crash"))
}

func TestSupervisorOneForOne(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	sup := startSupervisor(t, n, SupervisorTypeOneForOne,
		workerSpec("a", RestartPermanent, p.PID()),
		workerSpec("b", RestartPermanent, p.PID()),
		workerSpec("c", RestartPermanent, p.PID()),
	)
	a := started(t, p, "a")
	b := started(t, p, "b")
	started(t, p, "c")

	crash(t, p, a)
	a2 := started(t, p, "a")
	require.NotEqual(t, a, a2)
	notStarted(t, p, "b")
	notStarted(t, p, "c")

	reply, err := Call(p, b, "ping", 0)
	require.NoError(t, err)
	require.Equal(t, "ping", reply)

	children, err := WhichChildren(p, sup)
	require.NoError(t, err)
	require.Len(t, children, 3)
	require.Equal(t, gen.Atom("a"), children[0].Name)
	require.Equal(t, a2, children[0].PID)
	require.Equal(t, ChildRunning, children[0].State)
	require.Equal(t, b, children[1].PID)

	info, err := n.ProcessInfo(a2)
	require.NoError(t, err)
	require.Equal(t, sup, info.Parent)
}

func TestSupervisorAllForOne(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	startSupervisor(t, n, SupervisorTypeAllForOne,
		workerSpec("a", RestartPermanent, p.PID()),
		workerSpec("b", RestartPermanent, p.PID()),
		workerSpec("c", RestartPermanent, p.PID()),
	)
	a := started(t, p, "a")
	b := started(t, p, "b")
	c := started(t, p, "c")

	crash(t, p, b)
	require.NotEqual(t, a, started(t, p, "a"))
	require.NotEqual(t, b, started(t, p, "b"))
	require.NotEqual(t, c, started(t, p, "c"))

	// siblings are stopped in reverse start order
	for _, name := range []gen.Atom{"b", "c", "a"} {
		env, ok, err := p.Receive(gen.MatchType[workerStopped](), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, name, env.Message.(workerStopped).Name)
	}
}

func TestSupervisorRestForOne(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	startSupervisor(t, n, SupervisorTypeRestForOne,
		workerSpec("a", RestartPermanent, p.PID()),
		workerSpec("b", RestartPermanent, p.PID()),
		workerSpec("c", RestartPermanent, p.PID()),
	)
	a := started(t, p, "a")
	b := started(t, p, "b")
	c := started(t, p, "c")

	crash(t, p, b)
	require.NotEqual(t, b, started(t, p, "b"))
	require.NotEqual(t, c, started(t, p, "c"))
	notStarted(t, p, "a")

	reply, err := Call(p, a, "ping", 0)
	require.NoError(t, err)
	require.Equal(t, "ping", reply)
}

func TestSupervisorRestForOneStartOrder(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	sup := startSupervisor(t, n, SupervisorTypeRestForOne,
		workerSpec("a", RestartPermanent, p.PID()),
		workerSpec("b", RestartPermanent, p.PID()),
		workerSpec("c", RestartPermanent, p.PID()),
	)
	started(t, p, "a")
	b := started(t, p, "b")
	started(t, p, "c")

	// a becomes the last started child
	require.NoError(t, TerminateChild(p, sup, "a"))
	_, err := RestartChild(p, sup, "a")
	require.NoError(t, err)
	started(t, p, "a")

	crash(t, p, b)
	for _, name := range []gen.Atom{"b", "c", "a"} {
		started(t, p, name)
	}
	for _, name := range []gen.Atom{"a", "b", "a", "c"} {
		env, ok, err := p.Receive(gen.MatchType[workerStopped](), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, name, env.Message.(workerStopped).Name)
	}
}

func TestSupervisorSimpleOneForOne(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	sup := startSupervisor(t, n, SupervisorTypeSimpleOneForOne, ChildSpec{
		Name:    "w",
		Factory: Factory(newWorker),
		Restart: RestartTransient,
	})
	children, err := WhichChildren(p, sup)
	require.NoError(t, err)
	require.Empty(t, children)

	w1, err := StartChild(p, sup, ChildSpec{Args: codec.Values{gen.Atom("w1"), p.PID()}})
	require.NoError(t, err)
	require.Equal(t, w1, started(t, p, "w1"))
	w2, err := StartChild(p, sup, ChildSpec{Name: "w", Args: codec.Values{gen.Atom("w2"), p.PID()}})
	require.NoError(t, err)
	require.Equal(t, w2, started(t, p, "w2"))

	children, err = WhichChildren(p, sup)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, gen.Atom("w"), children[0].Name)
	require.Equal(t, w1, children[0].PID)
	require.Equal(t, w2, children[1].PID)

	// restarted with the same args
	crash(t, p, w1)
	w1 = started(t, p, "w1")
	notStarted(t, p, "w2")

	// normal termination removes the transient child
	tag, err := p.Monitor(w2)
	require.NoError(t, err)
	require.NoError(t, Cast(p, w2, "stop"))
	waitDown(t, p, tag)
	notStarted(t, p, "w2")
	children, err = WhichChildren(p, sup)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, w1, children[0].PID)

	err = TerminateChild(p, sup, "w")
	require.True(t, gen.ErrNotAllowed.Equal(err), err)
	_, err = RestartChild(p, sup, "w")
	require.True(t, gen.ErrNotAllowed.Equal(err), err)
	err = DeleteChild(p, sup, "w")
	require.True(t, gen.ErrNotAllowed.Equal(err), err)
	_, err = StartChild(p, sup, ChildSpec{Name: "other"})
	require.True(t, ErrChildUnknown.Equal(err), err)

	tag, err = p.Monitor(w1)
	require.NoError(t, err)
	require.NoError(t, TerminateChildPID(p, sup, w1))
	down := waitDown(t, p, tag)
	require.Equal(t, gen.TerminateReasonShutdown, errors.Cause(down.Reason))
	children, err = WhichChildren(p, sup)
	require.NoError(t, err)
	require.Empty(t, children)

	err = TerminateChildPID(p, sup, w1)
	require.True(t, ErrChildUnknown.Equal(err), err)
}

func TestSupervisorTransient(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	sup := startSupervisor(t, n, SupervisorTypeOneForOne,
		workerSpec("t", RestartTransient, p.PID()),
	)
	pid := started(t, p, "t")

	// abnormal termination
	crash(t, p, pid)
	pid = started(t, p, "t")

	// normal termination
	tag, err := p.Monitor(pid)
	require.NoError(t, err)
	require.NoError(t, Cast(p, pid, "stop"))
	waitDown(t, p, tag)
	notStarted(t, p, "t")

	children, err := WhichChildren(p, sup)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, ChildExited, children[0].State)
	require.Equal(t, "normal", children[0].Reason)
	require.True(t, children[0].PID.IsZero())

	restarted, err := RestartChild(p, sup, "t")
	require.NoError(t, err)
	require.Equal(t, restarted, started(t, p, "t"))
}

func TestSupervisorTemporary(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	sup := startSupervisor(t, n, SupervisorTypeAllForOne,
		workerSpec("a", RestartPermanent, p.PID()),
		workerSpec("tmp", RestartTemporary, p.PID()),
	)
	a := started(t, p, "a")
	tmp := started(t, p, "tmp")

	// the temporary sibling is stopped, but never restarted
	crash(t, p, a)
	started(t, p, "a")
	notStarted(t, p, "tmp")
	_, err := n.ProcessInfo(tmp)
	require.True(t, gen.ErrProcessUnknown.Equal(err))

	children, err := WhichChildren(p, sup)
	require.NoError(t, err)
	require.Equal(t, ChildRunning, children[0].State)
	require.Equal(t, ChildExited, children[1].State)
}

func TestSupervisorIntensity(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)
	mock := clock.NewMock()

	spec := SupervisorSpec{
		Type: SupervisorTypeOneForOne,
		Children: []ChildSpec{
			workerSpec("a", RestartPermanent, p.PID()),
			workerSpec("b", RestartPermanent, p.PID()),
		},
		Intensity: Intensity{MaxRestarts: 2, Period: 5 * time.Second},
		Clock:     mock,
	}
	sup, err := SpawnSupervisor(n, spec, gen.ProcessOptions{})
	require.NoError(t, err)
	suptag, err := p.Monitor(sup)
	require.NoError(t, err)

	a := started(t, p, "a")
	b := started(t, p, "b")
	btag, err := p.Monitor(b)
	require.NoError(t, err)

	crash(t, p, a)
	a = started(t, p, "a")

	// the first restart leaves the window
	mock.Add(6 * time.Second)
	crash(t, p, a)
	a = started(t, p, "a")
	crash(t, p, a)
	a = started(t, p, "a")

	crash(t, p, a)
	down := waitDown(t, p, suptag)
	require.True(t, gen.ErrRestartLimitExceeded.Equal(down.Reason), down.Reason)
	notStarted(t, p, "a")

	down = waitDown(t, p, btag)
	require.Equal(t, gen.TerminateReasonShutdown, errors.Cause(down.Reason))
}

func TestSupervisorZeroPeriod(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	spec := SupervisorSpec{
		Children:  []ChildSpec{workerSpec("a", RestartPermanent, p.PID())},
		Intensity: Intensity{MaxRestarts: 2},
	}
	_, err := SpawnSupervisor(n, spec, gen.ProcessOptions{})
	require.True(t, gen.ErrSpawn.Equal(err))
	require.Contains(t, err.Error(), "zero intensity period")
	notStarted(t, p, "a")
}

func TestSupervisorShutdown(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	sup := startSupervisor(t, n, SupervisorTypeOneForOne,
		workerSpec("a", RestartPermanent, p.PID()),
		workerSpec("b", RestartTransient, p.PID()),
		workerSpec("c", RestartTemporary, p.PID()),
	)
	for _, name := range []gen.Atom{"a", "b", "c"} {
		started(t, p, name)
	}
	tag, err := p.Monitor(sup)
	require.NoError(t, err)

	require.NoError(t, n.SendExit(sup, gen.TerminateReasonShutdown))
	for _, name := range []gen.Atom{"c", "b", "a"} {
		env, ok, err := p.Receive(gen.MatchType[workerStopped](), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, name, env.Message.(workerStopped).Name)
	}
	down := waitDown(t, p, tag)
	require.Equal(t, gen.TerminateReasonShutdown, errors.Cause(down.Reason))
}

func TestSupervisorStartFailure(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)

	spec := SupervisorSpec{
		Children: []ChildSpec{
			workerSpec("a", RestartPermanent, p.PID()),
			{
				Name:    "broken",
				Factory: Factory(newCounter),
				Args:    []any{errors.New("unable to init")},
			},
			workerSpec("c", RestartPermanent, p.PID()),
		},
	}
	_, err := SpawnSupervisor(n, spec, gen.ProcessOptions{})
	require.True(t, gen.ErrSpawn.Equal(err))

	started(t, p, "a")
	env, ok, err := p.Receive(gen.MatchType[workerStopped](), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, gen.Atom("a"), env.Message.(workerStopped).Name)
	notStarted(t, p, "c")

	_, err = SpawnSupervisor(n, SupervisorSpec{Type: 7}, gen.ProcessOptions{})
	require.True(t, gen.ErrSpawn.Equal(err))
}

func TestSupervisorManagement(t *testing.T) {
	n := startTestNode(t)
	p := attach(t, n)
	require.NoError(t, n.EnableSpawn("worker", Factory(newWorker)))

	sup := startSupervisor(t, n, SupervisorTypeOneForOne,
		workerSpec("a", RestartPermanent, p.PID()),
	)
	started(t, p, "a")

	// args keep their types across the encoder
	pid, err := StartChild(p, sup, ChildSpec{
		Name:    "d",
		Spawn:   "worker",
		Args:    codec.Values{gen.Atom("d"), p.PID()},
		Restart: RestartTransient,
	})
	require.NoError(t, err)
	require.Equal(t, pid, started(t, p, "d"))
	reply, err := Call(p, pid, "ping", 0)
	require.NoError(t, err)
	require.Equal(t, "ping", reply)

	info, err := n.ProcessInfo(pid)
	require.NoError(t, err)
	require.Contains(t, info.Links, sup)

	_, err = StartChild(p, sup, ChildSpec{Name: "d", Spawn: "worker"})
	require.True(t, ErrChildDuplicate.Equal(err), err)
	_, err = StartChild(p, sup, ChildSpec{Name: "e"})
	require.True(t, ErrSupervisorSpec.Equal(err), err)
	_, err = StartChild(p, sup, ChildSpec{Name: "e", Spawn: "unknown"})
	require.Error(t, err)

	children, err := WhichChildren(p, sup)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, gen.Atom("d"), children[1].Name)
	require.Equal(t, RestartTransient, children[1].Restart)

	err = DeleteChild(p, sup, "d")
	require.True(t, ErrChildRunning.Equal(err), err)
	_, err = RestartChild(p, sup, "d")
	require.True(t, ErrChildRunning.Equal(err), err)

	tag, err := p.Monitor(pid)
	require.NoError(t, err)
	require.NoError(t, TerminateChild(p, sup, "d"))
	down := waitDown(t, p, tag)
	require.Equal(t, gen.TerminateReasonShutdown, errors.Cause(down.Reason))

	// terminated child stays stopped until restarted
	children, err = WhichChildren(p, sup)
	require.NoError(t, err)
	require.Equal(t, ChildExited, children[1].State)

	pid2, err := RestartChild(p, sup, "d")
	require.NoError(t, err)
	require.NotEqual(t, pid, pid2)
	require.Equal(t, pid2, started(t, p, "d"))

	require.NoError(t, TerminateChild(p, sup, "d"))
	require.NoError(t, DeleteChild(p, sup, "d"))
	children, err = WhichChildren(p, sup)
	require.NoError(t, err)
	require.Len(t, children, 1)

	err = TerminateChild(p, sup, "d")
	require.True(t, ErrChildUnknown.Equal(err), err)
	err = DeleteChild(p, sup, "d")
	require.True(t, ErrChildUnknown.Equal(err), err)
}
