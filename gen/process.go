package gen

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// ProcessBehavior interface defines the lifecycle callbacks of a process.
//
// Lifecycle:
// 1. ProcessInit() - called once in the process goroutine before the PID is
// returned to the spawner. The process is not observable by others yet.
// 2. ProcessRun() - called once. Runs the receive loop of the process and
// returns the reason of termination (nil for the normal one).
// 3. ProcessTerminate() - called once on the way out, for any reason.
type ProcessBehavior interface {
	// ProcessInit initializes the process. Returning error aborts the spawning
	// with ErrSpawn and the process never becomes observable.
	ProcessInit(process Process, args ...any) error

	// ProcessRun handles the messages. Returning nil terminates the process
	// with TerminateReasonNormal, any other error is an abnormal termination.
	ProcessRun() error

	// ProcessTerminate is called during process shutdown. Only async Send
	// is expected to be used here.
	ProcessTerminate(reason error)
}

// ProcessFactory is a function that creates a new ProcessBehavior instance.
// Must return a new instance on each call (behaviors are not reusable).
// Supervisors use it to restart the process with a fresh state.
type ProcessFactory func() ProcessBehavior

// ProcessFunc is the entry function of a plain process.
type ProcessFunc func(process Process, args ...any) error

// FuncFactory makes a factory for the plain process running the given function.
func FuncFactory(fn ProcessFunc) ProcessFactory {
	return func() ProcessBehavior {
		return &funcProcess{fn: fn}
	}
}

type funcProcess struct {
	fn      ProcessFunc
	process Process
	args    []any
}

func (f *funcProcess) ProcessInit(process Process, args ...any) error {
	f.process = process
	f.args = args
	return nil
}

func (f *funcProcess) ProcessRun() error {
	return f.fn(f.process, f.args...)
}

func (f *funcProcess) ProcessTerminate(reason error) {}

// ProcessState represents the current state of a process in its lifecycle.
type ProcessState int32

func (p ProcessState) String() string {
	switch p {
	case ProcessStateInit:
		return "init"
	case ProcessStateRunning:
		return "running"
	case ProcessStateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state#%d", int32(p))
}

const (
	// ProcessStateInit indicates process is initializing in ProcessInit() callback.
	// Its PID is not returned to the spawner yet.
	ProcessStateInit ProcessState = 1

	// ProcessStateRunning indicates process is handling messages.
	ProcessStateRunning ProcessState = 2

	// ProcessStateTerminated indicates process is terminating or terminated.
	// Sending to the process fails with ErrProcessUnknown.
	ProcessStateTerminated ProcessState = 3
)

var (
	// TerminateReasonNormal indicates normal process termination.
	// Linked processes that don't trap exits ignore it.
	TerminateReasonNormal = errors.New("normal")

	// TerminateReasonShutdown indicates the process was stopped by its supervisor
	// or by the node shutdown. It is treated as a normal one by the restart strategy.
	TerminateReasonShutdown = errors.New("shutdown")

	// TerminateReasonKill indicates the process was forcefully killed.
	// Kill can not be trapped.
	TerminateReasonKill = errors.New("kill")

	// TerminateReasonPanic indicates the process terminated due to a panic.
	TerminateReasonPanic = errors.New("panic")
)

// IsNormalReason returns true for TerminateReasonNormal and TerminateReasonShutdown.
func IsNormalReason(reason error) bool {
	if reason == nil {
		return true
	}
	cause := errors.Cause(reason)
	return cause == TerminateReasonNormal || cause == TerminateReasonShutdown
}

// CancelFunc is returned by the operations that can be undone later
// (SendAfter, Defer). It returns false if it is too late: the timer has
// expired or the callback has run already.
type CancelFunc func() bool

// Spawner is implemented by the node and by any process.
type Spawner interface {
	Spawn(factory ProcessFactory, options ProcessOptions, args ...any) (PID, error)
}

// Process interface provides methods for the process operations. All of them
// (except PID, Name, Parent, Log) must be used only in the goroutine of the
// process: the process is single-threaded and cooperative.
type Process interface {
	Spawner

	// PID returns the identifier of this process.
	PID() PID
	// Name returns the registered name, if any.
	Name() Atom
	// Parent returns the PID of the spawner. Exit signals sent by the parent
	// can not be trapped.
	Parent() PID
	// State returns the lifecycle state of this process.
	State() ProcessState
	// Log returns the logger with the node and pid fields.
	Log() *zap.Logger
	// Context is canceled once the process is killed or terminated.
	Context() context.Context

	// SpawnLink spawns a process linked to this one. The link exists before
	// the PID is returned, so the termination of the child can't be missed.
	SpawnLink(factory ProcessFactory, options ProcessOptions, args ...any) (PID, error)

	// SpawnOn spawns a process on the given node using the factory registered
	// there by the name (see Node.EnableSpawn). Spawning on the local node name
	// is allowed as well.
	SpawnOn(node Atom, name Atom, options ProcessOptions, args ...any) (PID, error)

	// Send encodes the message and delivers it to the mailbox of the given process.
	// It never waits for the delivery. Returns ErrProcessUnknown if the local
	// process is dead, ErrNoRoute for unknown node, ErrSerialization
	// on the encoding failure.
	Send(to PID, message any) error
	// SendEnvelope sends the message with the given kind and tag. Used by
	// the higher level behaviors (calls, sessions).
	SendEnvelope(to PID, kind EnvelopeKind, tag Tag, message any) error
	// SendResponse sends the reply on the request made with the given tag.
	SendResponse(to PID, tag Tag, response any) error
	// SendAfter sends the message once the given duration elapses. The message
	// is encoded on sending, so the later changes of the value are not seen
	// by the receiver.
	SendAfter(to PID, message any, after time.Duration) (CancelFunc, error)
	// SendExit sends an exit signal with the given reason.
	SendExit(to PID, reason error) error
	// Call makes a request and waits for the reply tagged with the request tag.
	// Target process is monitored during the call, so its termination fails the
	// call immediately with ErrProcessTerminated. Returns ErrTimeout on timeout.
	// Zero timeout means DefaultCallTimeout.
	Call(to PID, request any, timeout time.Duration) (any, error)

	// Receive returns the first envelope in the mailbox matching the filter.
	// Non-matching envelopes stay queued in their original order. If there is
	// no match, waits until one arrives or timeout elapses (ok == false).
	// Zero timeout makes it non-blocking, Infinity waits forever.
	// Error is returned only if the encoder failed to decode the incoming message.
	//
	// Unless this process traps exits, an abnormal exit signal terminates this
	// process with the reason of the signal before Receive returns.
	Receive(filter Filter, timeout time.Duration) (env Envelope, ok bool, err error)
	// MakeTag returns a new Tag. Tags are monotonic within this process.
	MakeTag() Tag

	// Link creates a bidirectional link with the given process. If it is
	// already dead, the exit signal with ErrProcessUnknown reason arrives.
	Link(target PID) error
	// Unlink removes the link.
	Unlink(target PID) error
	// Monitor makes this process be notified with EnvelopeDown tagged with
	// the returned Tag on termination of the target.
	Monitor(target PID) (Tag, error)
	// Demonitor removes the monitor. Returns false if it is unknown.
	Demonitor(tag Tag) bool
	// SetTrapExit enables/disables trapping of the exit signals. Trapped exit
	// signals become regular EnvelopeExit envelopes. Exit signals sent by the
	// parent process and kills are never trapped.
	SetTrapExit(trap bool)
	// TrapExit returns whether trapping was enabled.
	TrapExit() bool

	// Register registers the process under the given name on its node.
	Register(name Atom) error
	// Unregister removes the registered name.
	Unregister() error
	// Whereis looks up a registered process of the local node.
	Whereis(name Atom) (PID, bool)

	// Defer registers a callback to be invoked on process termination.
	// Callbacks run in LIFO order after ProcessTerminate. The returned
	// CancelFunc removes the callback.
	Defer(fn func(reason error)) CancelFunc
}

// ProcessOptions defines the options of the spawning process.
type ProcessOptions struct {
	// Name registers the process on its node under this name.
	Name Atom
	// TrapExit enables trapping exit signals from start.
	TrapExit bool
	// InitTimeout limits ProcessInit. Zero means DefaultInitTimeout.
	InitTimeout time.Duration
}

// DefaultInitTimeout is the ProcessInit time limit by default.
const DefaultInitTimeout = 5 * time.Second

// ProcessInfo struct with process details
type ProcessInfo struct {
	PID             PID
	Name            Atom
	Parent          PID
	State           ProcessState
	MessageQueueLen int
	Links           []PID
	Monitors        []PID
	MonitoredBy     []PID
	TrapExit        bool
}
