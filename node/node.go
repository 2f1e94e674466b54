package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"ergo.services/hive/codec"
	"ergo.services/hive/gen"
	"ergo.services/hive/lib"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultShutdownTimeout = 10 * time.Second
)

// Options defines the options of the starting node.
type Options struct {
	// Logger is used by the node and its processes. Default is log.L() of pingcap/log.
	Logger *zap.Logger
	// Encoder turns the messages into bytes on Send. Default is msgpack.
	Encoder gen.Encoder
	// Network makes the node reachable from the other nodes of the network.
	Network *Network
	// CallTimeout is used by Call with zero timeout. Default is gen.DefaultCallTimeout.
	CallTimeout time.Duration
	// ShutdownTimeout limits the time Stop waits for the processes.
	ShutdownTimeout time.Duration
	// Clock runs the timers of SendAfter. Default is the real clock.
	Clock clock.Clock
}

// Node owns the processes: their mailboxes, names, links and monitors.
type Node struct {
	name    gen.Atom
	options Options
	log     *zap.Logger
	encoder gen.Encoder
	network *Network
	metrics nodeMetrics

	ctx    context.Context
	cancel context.CancelFunc

	seq     atomic.Uint64
	stopped atomic.Bool
	wg      sync.WaitGroup

	mutex     sync.RWMutex
	processes map[uint64]*process
	names     map[gen.Atom]*process
	factories map[gen.Atom]gen.ProcessFactory

	monitor *monitor
}

// Start starts a new node with the given name.
func Start(name gen.Atom, options Options) (*Node, error) {
	return StartWithContext(context.Background(), name, options)
}

// StartWithContext starts a new node. Canceling the context cancels the
// contexts of all the processes, stopping the node is still up to Stop.
func StartWithContext(ctx context.Context, name gen.Atom, options Options) (*Node, error) {
	if name == "" {
		return nil, gen.ErrIncorrect.GenWithStackByArgs("node name must be defined")
	}

	// set defaults
	if options.Logger == nil {
		options.Logger = log.L()
	}
	if options.Encoder == nil {
		options.Encoder = codec.NewMsgpack()
	}
	if options.CallTimeout <= 0 {
		options.CallTimeout = gen.DefaultCallTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = defaultShutdownTimeout
	}

	nodectx, nodestop := context.WithCancel(ctx)
	node := &Node{
		name:      name,
		options:   options,
		log:       options.Logger.With(zap.Stringer("node", name)),
		encoder:   options.Encoder,
		network:   options.Network,
		metrics:   newNodeMetrics(string(name)),
		ctx:       nodectx,
		cancel:    nodestop,
		processes: make(map[uint64]*process),
		names:     make(map[gen.Atom]*process),
		factories: make(map[gen.Atom]gen.ProcessFactory),
	}
	node.monitor = newMonitor(node)

	if node.network != nil {
		if err := node.network.join(node); err != nil {
			nodestop()
			return nil, err
		}
	}

	node.log.Info("node started", zap.String("host", lib.Host()))
	return node, nil
}

// Name returns the name of the node.
func (n *Node) Name() gen.Atom {
	return n.name
}

// Log returns the logger of the node.
func (n *Node) Log() *zap.Logger {
	return n.log
}

// Encoder returns the encoder used on Send.
func (n *Node) Encoder() gen.Encoder {
	return n.encoder
}

// IsAlive returns true if node is running
func (n *Node) IsAlive() bool {
	return n.stopped.Load() == false
}

// PID returns the pseudo PID used as a sender by the node itself.
// Exit signals sent by the node can not be trapped.
func (n *Node) PID() gen.PID {
	return gen.PID{Node: n.name}
}

// Spawn spawns a top-level process.
func (n *Node) Spawn(factory gen.ProcessFactory, options gen.ProcessOptions, args ...any) (gen.PID, error) {
	return n.spawn(n.PID(), factory, options, false, args...)
}

// EnableSpawn makes the factory available for spawning by the given name
// with Process.SpawnOn.
func (n *Node) EnableSpawn(name gen.Atom, factory gen.ProcessFactory) error {
	if factory == nil {
		return gen.ErrIncorrect.GenWithStackByArgs("nil factory")
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, exist := n.factories[name]; exist {
		return gen.ErrNameTaken.GenWithStackByArgs(name)
	}
	n.factories[name] = factory
	return nil
}

// DisableSpawn removes the factory enabled with EnableSpawn.
func (n *Node) DisableSpawn(name gen.Atom) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, exist := n.factories[name]; exist == false {
		return gen.ErrNameUnknown.GenWithStackByArgs(name)
	}
	delete(n.factories, name)
	return nil
}

// Send sends the message on behalf of the node.
func (n *Node) Send(to gen.PID, message any) error {
	env := gen.Envelope{
		Kind:    gen.EnvelopeMessage,
		From:    n.PID(),
		Message: message,
	}
	return n.deliver(to, env)
}

// SendExit sends the exit signal on behalf of the node.
func (n *Node) SendExit(to gen.PID, reason error) error {
	if reason == nil {
		return gen.ErrIncorrect.GenWithStackByArgs("empty reason")
	}
	return n.sendExit(to, n.PID(), reason)
}

// Kill terminates the process with TerminateReasonKill. The process notices it
// on its next Receive, the context of the process is canceled immediately.
func (n *Node) Kill(pid gen.PID) error {
	if pid.Node != n.name {
		remote, err := n.route(pid.Node)
		if err != nil {
			return err
		}
		return remote.Kill(pid)
	}
	p := n.lookup(pid)
	if p == nil {
		return gen.ErrProcessUnknown.GenWithStackByArgs(pid)
	}
	p.mailbox.push(mailboxItem{kill: true})
	p.cancel()
	return nil
}

// Attach creates a process driven by the calling goroutine. It is useful
// for the code outside of the processes (tests, main) to make calls and
// receive messages. Termination signals make its Receive return
// ErrProcessTerminated. Use Detach once it is no longer needed.
func (n *Node) Attach(options gen.ProcessOptions) (gen.Process, error) {
	if n.stopped.Load() {
		return nil, gen.ErrNodeStopped.GenWithStackByArgs(n.name)
	}
	p := newProcess(n, n.nextPID(), n.PID(), nil)
	p.attached = true
	p.trapExit.Store(options.TrapExit)
	n.addProcess(p)
	if options.Name != "" {
		if err := n.registerName(options.Name, p); err != nil {
			p.abandon(err)
			return nil, err
		}
	}
	p.state.Store(int32(gen.ProcessStateRunning))
	n.metrics.alive.Inc()
	return p, nil
}

// Detach terminates the process made with Attach.
func (n *Node) Detach(proc gen.Process) error {
	p, ok := proc.(*process)
	if ok == false || p.attached == false || p.node != n {
		return gen.ErrNotAllowed.GenWithStackByArgs("not an attached process")
	}
	if p.State() == gen.ProcessStateTerminated {
		return nil
	}
	p.terminate(gen.TerminateReasonNormal)
	return nil
}

// Whereis looks up the process registered with the given name.
func (n *Node) Whereis(name gen.Atom) (gen.PID, bool) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	p, found := n.names[name]
	if found == false {
		return gen.PID{}, false
	}
	return p.pid, true
}

// ProcessInfo returns the details of the local process.
func (n *Node) ProcessInfo(pid gen.PID) (gen.ProcessInfo, error) {
	p := n.lookup(pid)
	if p == nil {
		return gen.ProcessInfo{}, gen.ErrProcessUnknown.GenWithStackByArgs(pid)
	}
	return p.info(), nil
}

// ProcessList returns the PIDs of the local processes in the spawn order.
func (n *Node) ProcessList() []gen.PID {
	n.mutex.RLock()
	list := make([]gen.PID, 0, len(n.processes))
	for _, p := range n.processes {
		list = append(list, p.pid)
	}
	n.mutex.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Stop shuts down the top-level processes with TerminateReasonShutdown,
// then the rest of them. The processes still alive after ShutdownTimeout
// are killed.
func (n *Node) Stop() error {
	if n.stopped.Swap(true) {
		return nil
	}
	defer func() {
		if n.network != nil {
			n.network.leave(n)
		}
		n.metrics.cleanup(string(n.name))
		n.cancel()
		n.log.Info("node stopped")
	}()

	shutdown := func(topLevel bool) {
		list := n.ProcessList()
		for i := len(list) - 1; i >= 0; i-- {
			p := n.lookup(list[i])
			if p == nil || p.attached {
				continue
			}
			if topLevel && p.parent != n.PID() {
				continue
			}
			n.signalExit(p.pid, n.PID(), gen.TerminateReasonShutdown)
		}
	}

	shutdown(true)
	if n.wait(n.options.ShutdownTimeout/2) == nil {
		return nil
	}
	shutdown(false)
	if n.wait(n.options.ShutdownTimeout/2) == nil {
		return nil
	}

	for _, pid := range n.ProcessList() {
		if p := n.lookup(pid); p != nil && p.attached == false {
			n.log.Warn("killing process on shutdown", zap.Stringer("pid", pid))
			n.Kill(pid)
		}
	}
	return n.wait(n.options.ShutdownTimeout)
}

// Wait waits until all the processes (except attached ones) terminate.
func (n *Node) Wait() {
	n.wg.Wait()
}

func (n *Node) wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	timer := lib.TakeTimer(timeout)
	defer lib.ReleaseTimer(timer)
	select {
	case <-done:
		return nil
	case <-timer.C:
		return gen.ErrTimeout.GenWithStackByArgs()
	}
}

//
// internals
//

func (n *Node) nextPID() gen.PID {
	return gen.PID{Node: n.name, ID: n.seq.Inc()}
}

func (n *Node) spawn(parent gen.PID, factory gen.ProcessFactory, options gen.ProcessOptions, link bool, args ...any) (gen.PID, error) {
	if n.stopped.Load() {
		return gen.PID{}, gen.ErrNodeStopped.GenWithStackByArgs(n.name)
	}
	if factory == nil {
		return gen.PID{}, gen.ErrIncorrect.GenWithStackByArgs("nil factory")
	}
	behavior := factory()
	if behavior == nil {
		return gen.PID{}, gen.ErrIncorrect.GenWithStackByArgs("factory returned nil behavior")
	}

	p := newProcess(n, n.nextPID(), parent, behavior)
	p.trapExit.Store(options.TrapExit)
	n.addProcess(p)

	timeout := options.InitTimeout
	if timeout <= 0 {
		timeout = gen.DefaultInitTimeout
	}

	ready := make(chan error, 1)
	n.wg.Add(1)
	go p.start(options, link, args, ready)

	timer := lib.TakeTimer(timeout)
	defer lib.ReleaseTimer(timer)
	select {
	case err := <-ready:
		if err != nil {
			return gen.PID{}, err
		}
		return p.pid, nil
	case <-timer.C:
		if p.state.CAS(int32(gen.ProcessStateInit), int32(gen.ProcessStateTerminated)) {
			n.log.Warn("process init timed out", zap.Stringer("pid", p.pid))
			return gen.PID{}, gen.ErrSpawn.GenWithStackByArgs("init timed out")
		}
		// it has just started
		if err := <-ready; err != nil {
			return gen.PID{}, err
		}
		return p.pid, nil
	}
}

func (n *Node) spawnable(name gen.Atom) (gen.ProcessFactory, error) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	factory, found := n.factories[name]
	if found == false {
		return nil, gen.ErrNameUnknown.GenWithStackByArgs(name)
	}
	return factory, nil
}

func (n *Node) route(name gen.Atom) (*Node, error) {
	if name == n.name {
		return n, nil
	}
	if n.network == nil {
		return nil, gen.ErrNoRoute.GenWithStackByArgs(name)
	}
	remote, found := n.network.Node(name)
	if found == false {
		return nil, gen.ErrNoRoute.GenWithStackByArgs(name)
	}
	return remote, nil
}

func (n *Node) addProcess(p *process) {
	n.mutex.Lock()
	n.processes[p.pid.ID] = p
	n.mutex.Unlock()
}

func (n *Node) removeProcess(p *process) {
	n.mutex.Lock()
	delete(n.processes, p.pid.ID)
	if p.name != "" && n.names[p.name] == p {
		delete(n.names, p.name)
	}
	n.mutex.Unlock()
}

// lookup returns the local process if it is in the process table.
func (n *Node) lookup(pid gen.PID) *process {
	if pid.Node != n.name {
		return nil
	}
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.processes[pid.ID]
}

func (n *Node) registerName(name gen.Atom, p *process) error {
	if name == "" {
		return gen.ErrIncorrect.GenWithStackByArgs("empty name")
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, taken := n.names[name]; taken {
		return gen.ErrNameTaken.GenWithStackByArgs(name)
	}
	if p.name != "" {
		return gen.ErrNotAllowed.GenWithStackByArgs("process has a name already")
	}
	n.names[name] = p
	p.name = name
	return nil
}

func (n *Node) unregisterName(p *process) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if p.name == "" {
		return gen.ErrNameUnknown.GenWithStackByArgs("")
	}
	delete(n.names, p.name)
	p.name = ""
	return nil
}

// deliver encodes the envelope and puts it into the mailbox of the process.
func (n *Node) deliver(to gen.PID, env gen.Envelope) error {
	remote, p, err := n.target(to)
	if err != nil {
		return err
	}
	data, err := n.encoder.Encode(env)
	if err != nil {
		return errors.Trace(err)
	}
	remote.push(p, data)
	return nil
}

// deliverEncoded delivers the envelope encoded earlier.
func (n *Node) deliverEncoded(to gen.PID, data []byte) error {
	remote, p, err := n.target(to)
	if err != nil {
		return err
	}
	remote.push(p, data)
	return nil
}

func (n *Node) target(to gen.PID) (*Node, *process, error) {
	remote, err := n.route(to.Node)
	if err != nil {
		return nil, nil, err
	}
	p := remote.lookup(to)
	if p == nil {
		return nil, nil, gen.ErrProcessUnknown.GenWithStackByArgs(to)
	}
	return remote, p, nil
}

func (n *Node) push(p *process, data []byte) {
	p.mailbox.push(mailboxItem{data: data})
	n.metrics.delivered.Inc()
}

func (n *Node) sendExit(to, from gen.PID, reason error) error {
	remote, err := n.route(to.Node)
	if err != nil {
		return err
	}
	p := remote.lookup(to)
	if p == nil {
		return gen.ErrProcessUnknown.GenWithStackByArgs(to)
	}
	if errors.Cause(reason) == gen.TerminateReasonKill {
		// can not be trapped
		p.mailbox.push(mailboxItem{kill: true})
		p.cancel()
		return nil
	}
	remote.signalExit(to, from, reason)
	return nil
}

// signalExit puts the exit signal into the mailbox of the local process.
func (n *Node) signalExit(to, from gen.PID, reason error) {
	p := n.lookup(to)
	if p == nil {
		return
	}
	signal := &gen.Envelope{
		Kind:    gen.EnvelopeExit,
		From:    from,
		Message: gen.MessageExit{PID: from, Reason: reason},
	}
	p.mailbox.push(mailboxItem{signal: signal})
}

// signalDown puts the monitor notification into the mailbox of the local process.
func (n *Node) signalDown(to gen.PID, tag gen.Tag, target gen.PID, reason error) {
	p := n.lookup(to)
	if p == nil {
		return
	}
	signal := &gen.Envelope{
		Kind:    gen.EnvelopeDown,
		From:    target,
		Tag:     tag,
		Message: gen.MessageDown{PID: target, Reason: reason},
	}
	p.mailbox.push(mailboxItem{signal: signal})
}
