package node

import (
	"context"
	"sync"
	"time"

	"ergo.services/hive/gen"
	"ergo.services/hive/lib"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// exitPanic unwinds the goroutine of the process that must terminate
// on a received exit signal.
type exitPanic struct {
	reason error
}

type deferredFunc struct {
	id uint64
	fn func(reason error)
}

type process struct {
	node   *Node
	pid    gen.PID
	parent gen.PID
	// guarded by node.mutex
	name gen.Atom

	behavior gen.ProcessBehavior
	// attached process has no goroutine of its own (see Node.Attach)
	attached bool

	state    atomic.Int32
	trapExit atomic.Bool
	tags     atomic.Uint64

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mailbox *mailbox

	// owned by the process goroutine
	terminating bool
	deferred    []deferredFunc
	deferSeq    uint64

	// monitors made by this process: tag -> target
	monitoringMutex sync.Mutex
	monitoring      map[gen.Tag]gen.PID
}

func newProcess(node *Node, pid, parent gen.PID, behavior gen.ProcessBehavior) *process {
	ctx, cancel := context.WithCancel(node.ctx)
	p := &process{
		node:       node,
		pid:        pid,
		parent:     parent,
		behavior:   behavior,
		log:        node.log.With(zap.Stringer("pid", pid)),
		ctx:        ctx,
		cancel:     cancel,
		mailbox:    newMailbox(),
		monitoring: make(map[gen.Tag]gen.PID),
	}
	p.state.Store(int32(gen.ProcessStateInit))
	return p
}

//
// gen.Process implementation
//

func (p *process) PID() gen.PID {
	return p.pid
}

func (p *process) Name() gen.Atom {
	p.node.mutex.RLock()
	defer p.node.mutex.RUnlock()
	return p.name
}

func (p *process) Parent() gen.PID {
	return p.parent
}

func (p *process) State() gen.ProcessState {
	return gen.ProcessState(p.state.Load())
}

func (p *process) Log() *zap.Logger {
	return p.log
}

func (p *process) Context() context.Context {
	return p.ctx
}

func (p *process) Spawn(factory gen.ProcessFactory, options gen.ProcessOptions, args ...any) (gen.PID, error) {
	return p.node.spawn(p.pid, factory, options, false, args...)
}

func (p *process) SpawnLink(factory gen.ProcessFactory, options gen.ProcessOptions, args ...any) (gen.PID, error) {
	return p.node.spawn(p.pid, factory, options, true, args...)
}

func (p *process) SpawnOn(node gen.Atom, name gen.Atom, options gen.ProcessOptions, args ...any) (gen.PID, error) {
	remote, err := p.node.route(node)
	if err != nil {
		return gen.PID{}, err
	}
	factory, err := remote.spawnable(name)
	if err != nil {
		return gen.PID{}, err
	}
	return remote.spawn(p.pid, factory, options, false, args...)
}

func (p *process) Send(to gen.PID, message any) error {
	return p.SendEnvelope(to, gen.EnvelopeMessage, gen.Tag{}, message)
}

func (p *process) SendEnvelope(to gen.PID, kind gen.EnvelopeKind, tag gen.Tag, message any) error {
	env := gen.Envelope{
		Kind:    kind,
		From:    p.pid,
		Tag:     tag,
		Message: message,
	}
	return p.node.deliver(to, env)
}

func (p *process) SendResponse(to gen.PID, tag gen.Tag, response any) error {
	return p.SendEnvelope(to, gen.EnvelopeResponse, tag, response)
}

func (p *process) SendAfter(to gen.PID, message any, after time.Duration) (gen.CancelFunc, error) {
	if p.State() == gen.ProcessStateTerminated {
		return nil, gen.ErrNotAllowed.GenWithStackByArgs("process is terminated")
	}
	data, err := p.node.encoder.Encode(gen.Envelope{
		Kind:    gen.EnvelopeMessage,
		From:    p.pid,
		Message: message,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	// the message is delivered even if this process is terminated by then
	return p.node.options.Clock.AfterFunc(after, func() {
		if err := p.node.deliverEncoded(to, data); err != nil {
			p.log.Debug("delayed message is not delivered", zap.Stringer("to", to), zap.Error(err))
		}
	}).Stop, nil
}

func (p *process) SendExit(to gen.PID, reason error) error {
	if reason == nil {
		return gen.ErrIncorrect.GenWithStackByArgs("empty reason")
	}
	if to == p.pid {
		return gen.ErrNotAllowed.GenWithStackByArgs("can't send exit to itself")
	}
	return p.node.sendExit(to, p.pid, reason)
}

func (p *process) Call(to gen.PID, request any, timeout time.Duration) (any, error) {
	if timeout == 0 {
		timeout = p.node.options.CallTimeout
	}
	mtag, err := p.Monitor(to)
	if err != nil {
		return nil, err
	}
	defer p.Demonitor(mtag)

	tag := p.MakeTag()
	if err := p.SendEnvelope(to, gen.EnvelopeRequest, tag, request); err != nil {
		return nil, err
	}

	filter := gen.Or(
		gen.And(gen.MatchKind(gen.EnvelopeResponse), gen.MatchTag(tag)),
		gen.And(gen.MatchKind(gen.EnvelopeDown), gen.MatchTag(mtag)),
	)
	env, ok, err := p.Receive(filter, timeout)
	if err != nil {
		return nil, err
	}
	if ok == false {
		return nil, gen.ErrTimeout.GenWithStackByArgs()
	}
	if env.Kind == gen.EnvelopeDown {
		down := env.Message.(gen.MessageDown)
		return nil, gen.ErrProcessTerminated.GenWithStackByArgs(to, down.Reason)
	}
	return env.Message, nil
}

func (p *process) Receive(filter gen.Filter, timeout time.Duration) (gen.Envelope, bool, error) {
	if filter == nil {
		filter = gen.MatchAny()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			lib.ReleaseTimer(timer)
		}
	}()

	scanned := 0
	for {
		if err := p.drain(); err != nil {
			return gen.Envelope{}, false, err
		}

		for ; scanned < len(p.mailbox.pending); scanned++ {
			if filter(p.mailbox.pending[scanned]) == false {
				continue
			}
			env := p.mailbox.take(scanned)
			if env.Kind == gen.EnvelopeDown {
				p.monitoringMutex.Lock()
				delete(p.monitoring, env.Tag)
				p.monitoringMutex.Unlock()
			}
			return env, true, nil
		}

		if timeout == 0 {
			return gen.Envelope{}, false, nil
		}
		if timer == nil && timeout > 0 {
			timer = lib.TakeTimer(timeout)
		}

		if timer == nil {
			<-p.mailbox.wakeup
			continue
		}
		select {
		case <-p.mailbox.wakeup:
		case <-timer.C:
			// the last chance for the envelopes arrived with the timeout
			timeout = 0
		}
	}
}

// drain moves the inbound items to the pending list handling the signals
// on the way. The process terminates here if an exit signal says so.
func (p *process) drain() error {
	if p.State() == gen.ProcessStateTerminated {
		return gen.ErrProcessTerminated.GenWithStackByArgs(p.pid, "mailbox is closed")
	}
	for {
		item, ok := p.mailbox.inbound.Pop()
		if ok == false {
			return nil
		}

		if item.kill {
			if p.terminating {
				continue
			}
			return p.exit(gen.TerminateReasonKill)
		}

		if item.signal != nil {
			env := *item.signal
			if env.Kind == gen.EnvelopeDown {
				p.monitoringMutex.Lock()
				_, found := p.monitoring[env.Tag]
				p.monitoringMutex.Unlock()
				if found == false {
					// demonitored already
					continue
				}
				p.mailbox.append(env)
				continue
			}

			exit := env.Message.(gen.MessageExit)
			if p.terminating {
				continue
			}
			if env.From == p.parent || env.From.ID == 0 {
				// exits from the parent and the node can not be trapped
				if p.trapExit.Load() || gen.IsNormalReason(exit.Reason) == false {
					return p.exit(exit.Reason)
				}
				continue
			}
			if p.trapExit.Load() {
				p.mailbox.append(env)
				continue
			}
			if gen.IsNormalReason(exit.Reason) {
				continue
			}
			return p.exit(exit.Reason)
		}

		env, err := p.node.encoder.Decode(item.data)
		if err != nil {
			p.log.Warn("unable to decode message", zap.Error(err))
			return errors.Trace(err)
		}
		p.mailbox.append(env)
	}
}

// exit terminates the process on the received exit signal.
func (p *process) exit(reason error) error {
	if p.attached {
		p.terminate(reason)
		return gen.ErrProcessTerminated.GenWithStackByArgs(p.pid, reason)
	}
	panic(exitPanic{reason: reason})
}

func (p *process) MakeTag() gen.Tag {
	return gen.Tag{PID: p.pid, ID: p.tags.Inc()}
}

func (p *process) Link(target gen.PID) error {
	if target == p.pid {
		return gen.ErrNotAllowed.GenWithStackByArgs("can't link to itself")
	}
	if _, err := p.node.route(target.Node); err != nil {
		return err
	}
	p.node.monitor.link(p.pid, target)
	return nil
}

func (p *process) Unlink(target gen.PID) error {
	p.node.monitor.unlink(p.pid, target)
	return nil
}

func (p *process) Monitor(target gen.PID) (gen.Tag, error) {
	if target == p.pid {
		return gen.Tag{}, gen.ErrNotAllowed.GenWithStackByArgs("can't monitor itself")
	}
	remote, err := p.node.route(target.Node)
	if err != nil {
		return gen.Tag{}, err
	}
	tag := p.MakeTag()
	p.monitoringMutex.Lock()
	p.monitoring[tag] = target
	p.monitoringMutex.Unlock()

	if remote.monitor.monitorProcess(p.pid, target, tag) == false {
		p.node.signalDown(p.pid, tag, target, gen.ErrProcessUnknown.GenWithStackByArgs(target))
	}
	return tag, nil
}

func (p *process) Demonitor(tag gen.Tag) bool {
	p.monitoringMutex.Lock()
	target, found := p.monitoring[tag]
	delete(p.monitoring, tag)
	p.monitoringMutex.Unlock()
	if found == false {
		return false
	}
	if remote, err := p.node.route(target.Node); err == nil {
		remote.monitor.demonitorProcess(target, tag)
	}
	// flush the notification if it has arrived already
	p.mailbox.purge(gen.And(gen.MatchKind(gen.EnvelopeDown), gen.MatchTag(tag)))
	return true
}

func (p *process) SetTrapExit(trap bool) {
	p.trapExit.Store(trap)
}

func (p *process) TrapExit() bool {
	return p.trapExit.Load()
}

func (p *process) Register(name gen.Atom) error {
	return p.node.registerName(name, p)
}

func (p *process) Unregister() error {
	return p.node.unregisterName(p)
}

func (p *process) Whereis(name gen.Atom) (gen.PID, bool) {
	return p.node.Whereis(name)
}

func (p *process) Defer(fn func(reason error)) gen.CancelFunc {
	p.deferSeq++
	id := p.deferSeq
	p.deferred = append(p.deferred, deferredFunc{id: id, fn: fn})
	return func() bool {
		for i := len(p.deferred) - 1; i >= 0; i-- {
			if p.deferred[i].id != id {
				continue
			}
			last := len(p.deferred) - 1
			copy(p.deferred[i:], p.deferred[i+1:])
			p.deferred[last] = deferredFunc{}
			p.deferred = p.deferred[:last]
			return true
		}
		return false
	}
}

//
// lifecycle
//

func (p *process) start(options gen.ProcessOptions, link bool, args []any, ready chan<- error) {
	defer p.node.wg.Done()

	if err := p.init(args); err != nil {
		p.abandon(err)
		ready <- gen.ErrSpawn.GenWithStackByArgs(err)
		return
	}

	if options.Name != "" {
		if err := p.node.registerName(options.Name, p); err != nil {
			p.abandon(err)
			ready <- gen.ErrSpawn.GenWithStackByArgs(err)
			return
		}
	}

	if p.state.CAS(int32(gen.ProcessStateInit), int32(gen.ProcessStateRunning)) == false {
		// spawner gave up on the init timeout
		p.abandon(gen.ErrTimeout.GenWithStackByArgs())
		return
	}

	if link {
		p.node.monitor.link(p.pid, p.parent)
	}
	p.node.metrics.spawned.Inc()
	p.node.metrics.alive.Inc()
	p.log.Debug("process started")
	ready <- nil

	reason := p.run()
	p.terminate(reason)
}

func (p *process) init(args []any) (err error) {
	defer func() {
		if lib.Recover() == false {
			return
		}
		if r := recover(); r != nil {
			if e, ok := r.(exitPanic); ok {
				err = e.reason
				return
			}
			p.log.Error("process panicked on init", zap.Any("panic", r), zap.Stack("stack"))
			err = gen.TerminateReasonPanic
		}
	}()
	return p.behavior.ProcessInit(p, args...)
}

// abandon cleans up the process that has never become observable.
func (p *process) abandon(reason error) {
	p.state.Store(int32(gen.ProcessStateTerminated))
	p.node.removeProcess(p)
	p.node.monitor.processTerminated(p.pid, reason)
	p.releaseMonitors()
	p.cancel()
	p.log.Debug("process initialization failed", zap.Error(reason))
}

func (p *process) run() (reason error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(exitPanic); ok {
			reason = e.reason
			return
		}
		if lib.Recover() == false {
			panic(r)
		}
		p.log.Error("process panicked", zap.Any("panic", r), zap.Stack("stack"))
		reason = gen.TerminateReasonPanic
	}()

	if err := p.behavior.ProcessRun(); err != nil {
		return err
	}
	return gen.TerminateReasonNormal
}

func (p *process) terminate(reason error) {
	p.terminating = true

	if p.behavior != nil {
		p.safely(func() { p.behavior.ProcessTerminate(reason) })
	}
	// cancel has no effect once the callbacks run
	deferred := p.deferred
	p.deferred = nil
	for i := len(deferred) - 1; i >= 0; i-- {
		fn := deferred[i].fn
		p.safely(func() { fn(reason) })
	}

	p.state.Store(int32(gen.ProcessStateTerminated))
	p.node.removeProcess(p)
	p.node.monitor.processTerminated(p.pid, reason)
	p.releaseMonitors()
	p.cancel()

	p.node.metrics.alive.Dec()
	p.node.metrics.terminated.WithLabelValues(reasonLabel(reason)).Inc()
	if gen.IsNormalReason(reason) {
		p.log.Debug("process terminated", zap.Error(reason))
		return
	}
	p.log.Info("process terminated", zap.Error(reason))
}

func (p *process) releaseMonitors() {
	p.monitoringMutex.Lock()
	monitoring := p.monitoring
	p.monitoring = make(map[gen.Tag]gen.PID)
	p.monitoringMutex.Unlock()
	for tag, target := range monitoring {
		if remote, err := p.node.route(target.Node); err == nil {
			remote.monitor.demonitorProcess(target, tag)
		}
	}
}

func (p *process) safely(fn func()) {
	defer func() {
		if lib.Recover() == false {
			return
		}
		if r := recover(); r != nil {
			if _, ok := r.(exitPanic); ok {
				return
			}
			p.log.Error("panic on termination", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (p *process) info() gen.ProcessInfo {
	p.monitoringMutex.Lock()
	monitors := make([]gen.PID, 0, len(p.monitoring))
	for _, target := range p.monitoring {
		monitors = append(monitors, target)
	}
	p.monitoringMutex.Unlock()

	return gen.ProcessInfo{
		PID:             p.pid,
		Name:            p.Name(),
		Parent:          p.parent,
		State:           p.State(),
		MessageQueueLen: p.mailbox.len(),
		Links:           p.node.monitor.processLinks(p.pid),
		Monitors:        monitors,
		MonitoredBy:     p.node.monitor.processMonitoredBy(p.pid),
		TrapExit:        p.trapExit.Load(),
	}
}

func reasonLabel(reason error) string {
	switch errors.Cause(reason) {
	case nil, gen.TerminateReasonNormal:
		return "normal"
	case gen.TerminateReasonShutdown:
		return "shutdown"
	case gen.TerminateReasonKill:
		return "kill"
	case gen.TerminateReasonPanic:
		return "panic"
	}
	return "error"
}
