package act

import (
	"testing"
	"time"

	"ergo.services/hive/gen"
	"ergo.services/hive/node"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startTestNode(t *testing.T) *node.Node {
	n, err := node.Start("act", node.Options{
		Logger:          zap.NewNop(),
		CallTimeout:     2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, n.Stop())
	})
	return n
}

func attach(t *testing.T, n *node.Node) gen.Process {
	p, err := n.Attach(gen.ProcessOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Detach(p)
	})
	return p
}

func waitDown(t *testing.T, p gen.Process, tag gen.Tag) gen.MessageDown {
	filter := gen.And(gen.MatchKind(gen.EnvelopeDown), gen.MatchTag(tag))
	env, ok, err := p.Receive(filter, 3*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "process is still alive")
	return env.Message.(gen.MessageDown)
}

// worker is the supervised actor used in the tests. It reports its start
// and termination to the process given in args.
type worker struct {
	Base[workerState]
}

type workerState struct {
	name     gen.Atom
	observer gen.PID
}

type workerStarted struct {
	Name gen.Atom
	PID  gen.PID
}

type workerStopped struct {
	Name gen.Atom
}

func newWorker() Behavior[workerState] {
	return &worker{}
}

func (w *worker) Init(ctx *Context, args ...any) (workerState, error) {
	if len(args) < 2 {
		return workerState{}, nil
	}
	state := workerState{name: args[0].(gen.Atom), observer: args[1].(gen.PID)}
	ctx.Send(state.observer, workerStarted{Name: state.name, PID: ctx.PID()})
	return state, nil
}

func (w *worker) HandleCast(ctx *Context, state workerState, message any) (workerState, error) {
	switch message {
	case "crash":
		return state, gen.TerminateReasonPanic
	case "stop":
		return state, gen.TerminateReasonNormal
	}
	return state, nil
}

func (w *worker) HandleCall(ctx *Context, state workerState, from From, request any) (any, workerState, error) {
	return request, state, nil
}

func (w *worker) Terminate(ctx *Context, state workerState, reason error) {
	if state.observer.IsZero() {
		return
	}
	ctx.Send(state.observer, workerStopped{Name: state.name})
}

func workerSpec(name gen.Atom, restart RestartStrategy, observer gen.PID) ChildSpec {
	return ChildSpec{
		Name:    name,
		Factory: Factory(newWorker),
		Args:    []any{name, observer},
		Restart: restart,
	}
}

// started waits for the start report of the worker.
func started(t *testing.T, p gen.Process, name gen.Atom) gen.PID {
	filter := gen.And(gen.MatchType[workerStarted](), func(env gen.Envelope) bool {
		return env.Message.(workerStarted).Name == name
	})
	env, ok, err := p.Receive(filter, 3*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "worker %s is not started", name)
	return env.Message.(workerStarted).PID
}

// notStarted makes sure there is no start report of the worker.
func notStarted(t *testing.T, p gen.Process, name gen.Atom) {
	filter := gen.And(gen.MatchType[workerStarted](), func(env gen.Envelope) bool {
		return env.Message.(workerStarted).Name == name
	})
	_, ok, err := p.Receive(filter, 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "worker %s is restarted", name)
}
