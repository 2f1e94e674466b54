package act

import (
	"ergo.services/hive/gen"

	"go.uber.org/zap"
)

// Behavior interface defines the callbacks of the actor owning the state
// of the type S. The state is owned by the actor goroutine exclusively:
// each callback gets the current state and returns the next one.
type Behavior[S any] interface {
	// Init invoked on a spawn Actor for the initializing. It runs before
	// the PID is returned to the spawner. Returning error aborts the spawning
	// with gen.ErrSpawn.
	Init(ctx *Context, args ...any) (S, error)

	// HandleCast invoked if Actor received a message sent with gen.Process.Send(...)
	// or Cast. Non-nil value of the returning error will cause termination of
	// this process. To stop this process normally, return gen.TerminateReasonNormal
	// or any other for abnormal termination.
	HandleCast(ctx *Context, state S, message any) (S, error)

	// HandleCall invoked if Actor got a synchronous request made with Call.
	// Return nil as a reply to handle this request asynchronously and
	// to provide the result later using Context.Reply.
	HandleCall(ctx *Context, state S, from From, request any) (any, S, error)

	// HandleExit invoked on the exit signal of a linked process or on the
	// termination of a monitored one. Returning nil error keeps the actor
	// running, non-nil terminates it with the given reason.
	HandleExit(ctx *Context, state S, exit Exit) (S, error)

	// Terminate invoked on a termination process. It is called exactly once
	// whatever the reason is.
	Terminate(ctx *Context, state S, reason error)
}

// From identifies the pending request. Keep it to reply later with Context.Reply.
type From struct {
	PID gen.PID
	Tag gen.Tag
}

// Exit describes the termination of a linked (Down == false) or
// a monitored (Down == true, Tag is the monitor tag) process.
type Exit struct {
	PID    gen.PID
	Reason error
	Down   bool
	Tag    gen.Tag
}

// Context is given to the callbacks of the actor. It is the process of
// the actor and must not be used outside of the callbacks.
type Context struct {
	gen.Process
}

// Reply sends the response on the request handled asynchronously.
func (c *Context) Reply(to From, response any) error {
	return c.SendResponse(to.PID, to.Tag, response)
}

// Factory makes the process factory for the actor created by the given
// constructor. The constructor is invoked on each spawn, so the restarted
// actor starts from scratch.
func Factory[S any](create func() Behavior[S]) gen.ProcessFactory {
	return func() gen.ProcessBehavior {
		return &actor[S]{behavior: create()}
	}
}

type actorStatus int

const (
	actorUninitialized actorStatus = iota
	actorRunning
	actorTerminating
)

// actor implements gen.ProcessBehavior interface running the Behavior.
type actor[S any] struct {
	behavior Behavior[S]
	ctx      *Context
	state    S
	status   actorStatus
}

// envelopes handled by the actor. Session envelopes are left for the
// sessions opened by this actor.
var actorFilter = gen.MatchKind(
	gen.EnvelopeMessage,
	gen.EnvelopeRequest,
	gen.EnvelopeResponse,
	gen.EnvelopeExit,
	gen.EnvelopeDown,
)

//
// ProcessBehavior implementation
//

func (a *actor[S]) ProcessInit(process gen.Process, args ...any) error {
	a.ctx = &Context{Process: process}
	// exit signals come to HandleExit
	process.SetTrapExit(true)

	state, err := a.behavior.Init(a.ctx, args...)
	if err != nil {
		return err
	}
	a.state = state
	a.status = actorRunning
	return nil
}

func (a *actor[S]) ProcessRun() error {
	for {
		env, ok, err := a.ctx.Receive(actorFilter, gen.Infinity)
		if err != nil {
			if gen.ErrSerialization.Equal(err) {
				// the frame is dropped
				continue
			}
			return err
		}
		if ok == false {
			continue
		}
		handledMessages.WithLabelValues(env.Kind.String()).Inc()

		switch env.Kind {
		case gen.EnvelopeMessage:
			a.state, err = a.behavior.HandleCast(a.ctx, a.state, env.Message)

		case gen.EnvelopeRequest:
			var reply any
			from := From{PID: env.From, Tag: env.Tag}
			reply, a.state, err = a.behavior.HandleCall(a.ctx, a.state, from, env.Message)
			if reply == nil {
				// async handling of sync request. response could be sent
				// later, even by the other process
				break
			}
			if err != nil && gen.IsNormalReason(err) == false {
				break
			}
			// if reason is "normal" and we got response - send it before termination
			if err := a.ctx.Reply(from, reply); err != nil {
				a.ctx.Log().Debug("unable to send response", zap.Stringer("to", env.From), zap.Error(err))
			}

		case gen.EnvelopeResponse:
			a.ctx.Log().Debug("late response", zap.Stringer("from", env.From), zap.Stringer("tag", env.Tag))

		case gen.EnvelopeExit:
			exit := env.Message.(gen.MessageExit)
			a.state, err = a.behavior.HandleExit(a.ctx, a.state, Exit{PID: exit.PID, Reason: exit.Reason})

		case gen.EnvelopeDown:
			down := env.Message.(gen.MessageDown)
			a.state, err = a.behavior.HandleExit(a.ctx, a.state, Exit{PID: down.PID, Reason: down.Reason, Down: true, Tag: env.Tag})
		}

		if err != nil {
			return err
		}
	}
}

func (a *actor[S]) ProcessTerminate(reason error) {
	if a.status != actorRunning {
		return
	}
	a.status = actorTerminating
	a.behavior.Terminate(a.ctx, a.state, reason)
}

// Base provides the default callbacks of the Behavior. Embed it to implement
// only the callbacks you need.
type Base[S any] struct{}

// Init returns the zero state.
func (Base[S]) Init(ctx *Context, args ...any) (S, error) {
	var state S
	return state, nil
}

func (Base[S]) HandleCast(ctx *Context, state S, message any) (S, error) {
	ctx.Log().Warn("unhandled message", zap.Any("message", message))
	return state, nil
}

func (Base[S]) HandleCall(ctx *Context, state S, from From, request any) (any, S, error) {
	ctx.Log().Warn("unhandled request", zap.Stringer("from", from.PID), zap.Any("request", request))
	return nil, state, nil
}

// HandleExit terminates the actor if the linked process has terminated
// abnormally. Normal exits and monitor notifications are ignored.
func (Base[S]) HandleExit(ctx *Context, state S, exit Exit) (S, error) {
	if exit.Down || gen.IsNormalReason(exit.Reason) {
		return state, nil
	}
	return state, gen.ErrLinkDown.GenWithStackByArgs(exit.PID, exit.Reason)
}

func (Base[S]) Terminate(ctx *Context, state S, reason error) {}
