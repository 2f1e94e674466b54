package act

import (
	"fmt"
	"sort"
	"time"

	"ergo.services/hive/codec"
	"ergo.services/hive/gen"

	"github.com/benbjohnson/clock"
	"github.com/edwingeng/deque"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

const (
	defaultRestartIntensity = 5
	defaultRestartPeriod    = 5 * time.Second
	defaultChildShutdown    = 5 * time.Second
)

// SupervisorType defines which children are restarted on a child termination.
type SupervisorType int

func (s SupervisorType) String() string {
	switch s {
	case SupervisorTypeOneForOne:
		return "one_for_one"
	case SupervisorTypeAllForOne:
		return "all_for_one"
	case SupervisorTypeRestForOne:
		return "rest_for_one"
	case SupervisorTypeSimpleOneForOne:
		return "simple_one_for_one"
	}
	return fmt.Sprintf("type#%d", int(s))
}

const (
	// SupervisorTypeOneForOne If one child process terminates and is to be restarted, only
	// that child process is affected. This is the default type.
	SupervisorTypeOneForOne SupervisorType = 0

	// SupervisorTypeAllForOne If one child process terminates and is to be restarted, all other
	// child processes are terminated and then all child processes are restarted.
	SupervisorTypeAllForOne SupervisorType = 1

	// SupervisorTypeRestForOne If one child process terminates and is to be restarted,
	// the 'rest' of the child processes (that is, the child
	// processes after the terminated child process in the start order)
	// are terminated. Then the terminated child process and all
	// child processes after it are restarted
	SupervisorTypeRestForOne SupervisorType = 2

	// SupervisorTypeSimpleOneForOne is a one_for_one supervisor of the dynamic
	// children made out of the single child spec. No child is started on init,
	// each StartChild starts one more child. Children are identified by PID,
	// the terminated ones are removed unless restarted.
	SupervisorTypeSimpleOneForOne SupervisorType = 3
)

// RestartStrategy defines whether the terminated child is restarted.
type RestartStrategy int

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	}
	return fmt.Sprintf("restart#%d", int(r))
}

const (
	// RestartPermanent child process is always restarted. This is default strategy.
	RestartPermanent RestartStrategy = 0

	// RestartTransient child process is restarted only if
	// it terminates abnormally, that is, with an exit reason other
	// than TerminateReasonNormal, TerminateReasonShutdown.
	RestartTransient RestartStrategy = 1

	// RestartTemporary child process is never restarted
	// (not even when the supervisor type is rest_for_one
	// or one_for_all and a sibling death causes the temporary process
	// to be terminated)
	RestartTemporary RestartStrategy = 2
)

// ChildState is the run state of the child known by its supervisor.
type ChildState int

func (c ChildState) String() string {
	switch c {
	case ChildNotStarted:
		return "not_started"
	case ChildRunning:
		return "running"
	case ChildExited:
		return "exited"
	}
	return fmt.Sprintf("state#%d", int(c))
}

const (
	ChildNotStarted ChildState = 0
	ChildRunning    ChildState = 1
	ChildExited     ChildState = 2
)

// ChildSpec defines the supervised child.
type ChildSpec struct {
	Name gen.Atom
	// Factory creates the child process. It is not transferred within
	// MessageStartChild, use Spawn for the children added at runtime.
	Factory gen.ProcessFactory `msgpack:"-" json:"-"`
	// Spawn is the name of the factory enabled on the node of the supervisor
	// with EnableSpawn. Used if Factory is nil.
	Spawn   gen.Atom
	Options gen.ProcessOptions
	// Args of the child. Within MessageStartChild they cross the encoder, so
	// the types of the elements must be known to it (see codec.RegisterTypeOf).
	// For simple_one_for_one the args of StartChild follow the args of the spec.
	Args    codec.Values
	Restart RestartStrategy
	// Shutdown limits the time the child has to stop gracefully before
	// it is killed. Zero means 5 seconds, gen.Infinity waits forever.
	Shutdown time.Duration
}

// Intensity limits the number of restarts: a supervisor making more than
// MaxRestarts restarts within Period terminates with gen.ErrRestartLimitExceeded.
// Zero value means 5 restarts within 5 seconds.
type Intensity struct {
	MaxRestarts int
	Period      time.Duration
}

// SupervisorSpec
type SupervisorSpec struct {
	Type      SupervisorType
	Children  []ChildSpec
	Intensity Intensity
	// Clock is used to measure the restart intensity. Default is the real clock.
	Clock clock.Clock
}

// ChildInfo describes the child in the reply on MessageWhichChildren.
type ChildInfo struct {
	Name    gen.Atom
	PID     gen.PID
	State   ChildState
	Restart RestartStrategy
	Reason  string
}

// Management requests handled by the supervisor. Use the functions
// WhichChildren, StartChild, TerminateChild, RestartChild and DeleteChild.
type (
	MessageWhichChildren  struct{}
	MessageStartChild     struct{ Spec ChildSpec }
	MessageTerminateChild struct {
		Name gen.Atom
		PID  gen.PID
	}
	MessageRestartChild struct{ Name gen.Atom }
	MessageDeleteChild  struct{ Name gen.Atom }
)

// SupervisorFactory makes the process factory of the supervisor. Each spawn
// starts a new tree out of the spec.
func SupervisorFactory(spec SupervisorSpec) gen.ProcessFactory {
	return Factory(func() Behavior[*supervisorTree] {
		return &supervisor{spec: spec}
	})
}

// SpawnSupervisor spawns the supervisor. All the children are started
// in the spec order before it returns.
func SpawnSupervisor(spawner gen.Spawner, spec SupervisorSpec, options gen.ProcessOptions) (gen.PID, error) {
	return spawner.Spawn(SupervisorFactory(spec), options)
}

// WhichChildren returns the children of the supervisor in the order they
// were added.
func WhichChildren(from gen.Process, sup gen.PID) ([]ChildInfo, error) {
	return CallAs[[]ChildInfo](from, sup, MessageWhichChildren{}, 0)
}

// StartChild adds the child spec to the supervisor and starts the child.
// The simple_one_for_one supervisor starts a new child out of its spec
// with spec.Args appended to the args of its spec. The name is ignored
// there unless it differs from the one of the spec.
func StartChild(from gen.Process, sup gen.PID, spec ChildSpec) (gen.PID, error) {
	result, err := CallAs[managementResult](from, sup, MessageStartChild{Spec: spec}, 0)
	if err != nil {
		return gen.PID{}, err
	}
	return result.PID, result.err()
}

// TerminateChild stops the child. It stays stopped until RestartChild.
func TerminateChild(from gen.Process, sup gen.PID, name gen.Atom) error {
	result, err := CallAs[managementResult](from, sup, MessageTerminateChild{Name: name}, 0)
	if err != nil {
		return err
	}
	return result.err()
}

// TerminateChildPID stops the child with the given PID. This is the only way
// to stop a child of the simple_one_for_one supervisor, it is removed then.
func TerminateChildPID(from gen.Process, sup gen.PID, pid gen.PID) error {
	result, err := CallAs[managementResult](from, sup, MessageTerminateChild{PID: pid}, 0)
	if err != nil {
		return err
	}
	return result.err()
}

// RestartChild starts the stopped child again.
func RestartChild(from gen.Process, sup gen.PID, name gen.Atom) (gen.PID, error) {
	result, err := CallAs[managementResult](from, sup, MessageRestartChild{Name: name}, 0)
	if err != nil {
		return gen.PID{}, err
	}
	return result.PID, result.err()
}

// DeleteChild removes the spec of the stopped child.
func DeleteChild(from gen.Process, sup gen.PID, name gen.Atom) error {
	result, err := CallAs[managementResult](from, sup, MessageDeleteChild{Name: name}, 0)
	if err != nil {
		return err
	}
	return result.err()
}

// managementResult is the reply on the management requests.
type managementResult struct {
	PID   gen.PID
	Code  string
	Error string
}

func resultOf(pid gen.PID, err error) managementResult {
	result := managementResult{PID: pid}
	if err == nil {
		return result
	}
	result.Error = err.Error()
	if e, ok := errors.Cause(err).(*errors.Error); ok {
		result.Code = string(e.RFCCode())
	}
	return result
}

func (r managementResult) err() error {
	if r.Error == "" {
		return nil
	}
	for _, e := range []*errors.Error{
		ErrChildUnknown,
		ErrChildRunning,
		ErrChildDuplicate,
		ErrSupervisorSpec,
		gen.ErrSpawn,
		gen.ErrNotAllowed,
	} {
		if string(e.RFCCode()) == r.Code {
			return e.GenWithStack("%s", r.Error)
		}
	}
	return errors.New(r.Error)
}

//
// supervisor implementation
//

type supervisor struct {
	Base[*supervisorTree]
	spec SupervisorSpec
}

type supChild struct {
	spec   ChildSpec
	pid    gen.PID
	state  ChildState
	reason error
	// position in the start order
	seq uint64
}

type supervisorTree struct {
	typ       SupervisorType
	intensity Intensity
	clock     clock.Clock
	children  []*supChild
	seq       uint64
	// spec of the simple_one_for_one children
	template ChildSpec
	// timestamps of the recent restarts
	restarts deque.Deque
}

func (s *supervisor) Init(ctx *Context, args ...any) (*supervisorTree, error) {
	if err := validateSupervisorSpec(s.spec); err != nil {
		return nil, err
	}
	tree := &supervisorTree{
		typ:       s.spec.Type,
		intensity: s.spec.Intensity,
		clock:     s.spec.Clock,
		restarts:  deque.NewDeque(),
	}
	if tree.clock == nil {
		tree.clock = clock.New()
	}
	if tree.intensity.MaxRestarts == 0 && tree.intensity.Period == 0 {
		tree.intensity = Intensity{MaxRestarts: defaultRestartIntensity, Period: defaultRestartPeriod}
	}
	if tree.typ == SupervisorTypeSimpleOneForOne {
		tree.template = s.spec.Children[0]
	} else {
		for _, spec := range s.spec.Children {
			tree.children = append(tree.children, &supChild{spec: spec})
		}
	}

	for _, c := range tree.children {
		if err := tree.startChild(ctx, c); err != nil {
			ctx.Log().Error("unable to start child", zap.Stringer("child", c.spec.Name), zap.Error(err))
			tree.stopChildren(ctx)
			return nil, err
		}
	}
	ctx.Log().Debug("supervisor started",
		zap.Stringer("type", tree.typ),
		zap.Int("children", len(tree.children)))
	return tree, nil
}

func (s *supervisor) HandleCall(ctx *Context, tree *supervisorTree, from From, request any) (any, *supervisorTree, error) {
	switch r := request.(type) {
	case MessageWhichChildren:
		return tree.which(), tree, nil

	case MessageStartChild:
		pid, err := tree.addChild(ctx, r.Spec)
		return resultOf(pid, err), tree, nil

	case MessageTerminateChild:
		c, err := tree.lookup(r.Name, r.PID)
		if err != nil {
			return resultOf(gen.PID{}, err), tree, nil
		}
		if c.state == ChildRunning {
			tree.shutdownChild(ctx, c)
		}
		if tree.typ == SupervisorTypeSimpleOneForOne {
			tree.remove(c)
		}
		return resultOf(gen.PID{}, nil), tree, nil

	case MessageRestartChild:
		c, err := tree.lookup(r.Name, gen.PID{})
		if err != nil {
			return resultOf(gen.PID{}, err), tree, nil
		}
		if c.state == ChildRunning {
			return resultOf(c.pid, ErrChildRunning.GenWithStackByArgs(r.Name)), tree, nil
		}
		err = tree.startChild(ctx, c)
		return resultOf(c.pid, err), tree, nil

	case MessageDeleteChild:
		c, err := tree.lookup(r.Name, gen.PID{})
		if err != nil {
			return resultOf(gen.PID{}, err), tree, nil
		}
		if c.state == ChildRunning {
			return resultOf(c.pid, ErrChildRunning.GenWithStackByArgs(r.Name)), tree, nil
		}
		tree.remove(c)
		return resultOf(gen.PID{}, nil), tree, nil
	}

	return s.Base.HandleCall(ctx, tree, from, request)
}

func (s *supervisor) HandleExit(ctx *Context, tree *supervisorTree, exit Exit) (*supervisorTree, error) {
	if exit.Down {
		return tree, nil
	}

	c := tree.running(exit.PID)
	if c == nil {
		ctx.Log().Debug("ignore exit of unknown process", zap.Stringer("pid", exit.PID), zap.Error(exit.Reason))
		return tree, nil
	}

	c.pid = gen.PID{}
	c.state = ChildExited
	c.reason = exit.Reason

	if c.shouldRestart() == false {
		ctx.Log().Debug("child terminated",
			zap.Stringer("child", c.spec.Name),
			zap.Stringer("restart", c.spec.Restart),
			zap.Error(exit.Reason))
		if tree.typ == SupervisorTypeSimpleOneForOne {
			tree.remove(c)
		}
		return tree, nil
	}

	ctx.Log().Info("child terminated, restarting",
		zap.Stringer("child", c.spec.Name),
		zap.Stringer("type", tree.typ),
		zap.Error(exit.Reason))
	return tree, tree.restart(ctx, c)
}

func (s *supervisor) Terminate(ctx *Context, tree *supervisorTree, reason error) {
	tree.stopChildren(ctx)
	ctx.Log().Debug("supervisor terminated", zap.Error(reason))
}

func (c *supChild) shouldRestart() bool {
	switch c.spec.Restart {
	case RestartPermanent:
		return true
	case RestartTransient:
		return gen.IsNormalReason(c.reason) == false
	}
	return false
}

// restart restarts the failed child along with its siblings in the scope.
// Siblings are stopped in reverse start order and started again in the
// start order. Temporary and already stopped siblings are not started.
func (t *supervisorTree) restart(ctx *Context, failed *supChild) error {
	if t.allowRestart() == false {
		return t.limitExceeded(ctx)
	}

	scope := t.scope(failed)
	again := make([]*supChild, 0, len(scope))
	for _, c := range scope {
		if c == failed || (c.state == ChildRunning && c.spec.Restart != RestartTemporary) {
			again = append(again, c)
		}
	}
	for i := len(scope) - 1; i >= 0; i-- {
		if scope[i].state == ChildRunning {
			t.shutdownChild(ctx, scope[i])
		}
	}

	for _, c := range again {
		for {
			err := t.startChild(ctx, c)
			if err == nil {
				childRestarts.WithLabelValues(string(c.spec.Name)).Inc()
				break
			}
			ctx.Log().Warn("unable to restart child", zap.Stringer("child", c.spec.Name), zap.Error(err))
			// failed start is one more restart
			if t.allowRestart() == false {
				return t.limitExceeded(ctx)
			}
		}
	}
	return nil
}

func (t *supervisorTree) scope(failed *supChild) []*supChild {
	switch t.typ {
	case SupervisorTypeAllForOne:
		return scopeAllForOne(t.startOrder(), failed)
	case SupervisorTypeRestForOne:
		return scopeRestForOne(t.startOrder(), failed)
	}
	return scopeOneForOne(t.startOrder(), failed)
}

// startOrder returns the children sorted by their last start.
func (t *supervisorTree) startOrder() []*supChild {
	order := make([]*supChild, len(t.children))
	copy(order, t.children)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].seq < order[j].seq
	})
	return order
}

// allowRestart registers the restart unless the intensity is exceeded.
func (t *supervisorTree) allowRestart() bool {
	now := t.clock.Now()
	for t.restarts.Empty() == false {
		last := t.restarts.Front().(time.Time)
		if now.Sub(last) < t.intensity.Period {
			break
		}
		t.restarts.PopFront()
	}
	if t.restarts.Len() >= t.intensity.MaxRestarts {
		return false
	}
	t.restarts.PushBack(now)
	return true
}

func (t *supervisorTree) limitExceeded(ctx *Context) error {
	restartLimitExceeded.Inc()
	err := gen.ErrRestartLimitExceeded.GenWithStackByArgs(t.intensity.MaxRestarts, t.intensity.Period)
	ctx.Log().Error("supervisor gives up", zap.Error(err))
	return err
}

func (t *supervisorTree) startChild(ctx *Context, c *supChild) error {
	var pid gen.PID
	var err error

	if c.spec.Factory != nil {
		pid, err = ctx.SpawnLink(c.spec.Factory, c.spec.Options, c.spec.Args...)
	} else {
		pid, err = ctx.SpawnOn(ctx.PID().Node, c.spec.Spawn, c.spec.Options, c.spec.Args...)
		if err == nil {
			err = ctx.Link(pid)
		}
	}
	if err != nil {
		return err
	}

	t.seq++
	c.seq = t.seq
	c.pid = pid
	c.state = ChildRunning
	c.reason = nil
	return nil
}

// shutdownChild stops the child gracefully, it is killed if it
// doesn't stop within the shutdown timeout.
func (t *supervisorTree) shutdownChild(ctx *Context, c *supChild) {
	pid := c.pid
	c.pid = gen.PID{}
	c.state = ChildExited
	c.reason = gen.TerminateReasonShutdown

	ctx.Unlink(pid)
	tag, err := ctx.Monitor(pid)
	if err != nil {
		return
	}
	ctx.SendExit(pid, gen.TerminateReasonShutdown)

	timeout := c.spec.Shutdown
	if timeout == 0 {
		timeout = defaultChildShutdown
	}
	down := gen.And(gen.MatchKind(gen.EnvelopeDown), gen.MatchTag(tag))
	_, ok, err := ctx.Receive(down, timeout)
	if err != nil || ok {
		return
	}

	ctx.Log().Warn("child is not stopped in time, killing", zap.Stringer("child", c.spec.Name), zap.Stringer("pid", pid))
	ctx.SendExit(pid, gen.TerminateReasonKill)
	ctx.Receive(down, gen.Infinity)
}

// stopChildren stops the running children in reverse start order.
func (t *supervisorTree) stopChildren(ctx *Context) {
	order := t.startOrder()
	for i := len(order) - 1; i >= 0; i-- {
		if order[i].state == ChildRunning {
			t.shutdownChild(ctx, order[i])
		}
	}
}

func (t *supervisorTree) addChild(ctx *Context, spec ChildSpec) (gen.PID, error) {
	if t.typ == SupervisorTypeSimpleOneForOne {
		return t.addDynamicChild(ctx, spec)
	}
	if err := validateChildSpec(spec); err != nil {
		return gen.PID{}, err
	}
	if t.child(spec.Name) != nil {
		return gen.PID{}, ErrChildDuplicate.GenWithStackByArgs(spec.Name)
	}
	c := &supChild{spec: spec}
	if err := t.startChild(ctx, c); err != nil {
		return gen.PID{}, err
	}
	t.children = append(t.children, c)
	return c.pid, nil
}

func (t *supervisorTree) addDynamicChild(ctx *Context, spec ChildSpec) (gen.PID, error) {
	if spec.Name != "" && spec.Name != t.template.Name {
		return gen.PID{}, ErrChildUnknown.GenWithStackByArgs(spec.Name)
	}
	c := &supChild{spec: t.template}
	c.spec.Args = make(codec.Values, 0, len(t.template.Args)+len(spec.Args))
	c.spec.Args = append(c.spec.Args, t.template.Args...)
	c.spec.Args = append(c.spec.Args, spec.Args...)
	if err := t.startChild(ctx, c); err != nil {
		return gen.PID{}, err
	}
	t.children = append(t.children, c)
	return c.pid, nil
}

func (t *supervisorTree) child(name gen.Atom) *supChild {
	for _, c := range t.children {
		if c.spec.Name == name {
			return c
		}
	}
	return nil
}

// lookup finds the child for the management request. Children of
// the simple_one_for_one supervisor share the name, so they are
// found only by PID.
func (t *supervisorTree) lookup(name gen.Atom, pid gen.PID) (*supChild, error) {
	if pid.IsZero() == false {
		if c := t.running(pid); c != nil {
			return c, nil
		}
		return nil, ErrChildUnknown.GenWithStackByArgs(pid)
	}
	if t.typ == SupervisorTypeSimpleOneForOne {
		return nil, gen.ErrNotAllowed.GenWithStackByArgs("children of " + t.typ.String() + " are managed by PID")
	}
	if c := t.child(name); c != nil {
		return c, nil
	}
	return nil, ErrChildUnknown.GenWithStackByArgs(name)
}

func (t *supervisorTree) running(pid gen.PID) *supChild {
	for _, c := range t.children {
		if c.state == ChildRunning && c.pid == pid {
			return c
		}
	}
	return nil
}

func (t *supervisorTree) remove(c *supChild) {
	for i := range t.children {
		if t.children[i] == c {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

func (t *supervisorTree) which() []ChildInfo {
	children := make([]ChildInfo, 0, len(t.children))
	for _, c := range t.children {
		info := ChildInfo{
			Name:    c.spec.Name,
			PID:     c.pid,
			State:   c.state,
			Restart: c.spec.Restart,
		}
		if c.reason != nil {
			info.Reason = c.reason.Error()
		}
		children = append(children, info)
	}
	return children
}

func validateSupervisorSpec(spec SupervisorSpec) error {
	switch spec.Type {
	case SupervisorTypeOneForOne, SupervisorTypeAllForOne, SupervisorTypeRestForOne:
	case SupervisorTypeSimpleOneForOne:
		if len(spec.Children) != 1 {
			return ErrSupervisorSpec.GenWithStackByArgs(spec.Type.String() + " needs exactly one child spec")
		}
	default:
		return ErrSupervisorSpec.GenWithStackByArgs("unknown type " + spec.Type.String())
	}
	if spec.Intensity.MaxRestarts < 0 || spec.Intensity.Period < 0 {
		return ErrSupervisorSpec.GenWithStackByArgs("negative intensity")
	}
	// zero value is the default intensity
	if spec.Intensity.MaxRestarts > 0 && spec.Intensity.Period == 0 {
		return ErrSupervisorSpec.GenWithStackByArgs("zero intensity period")
	}
	names := make(map[gen.Atom]struct{})
	for _, c := range spec.Children {
		if err := validateChildSpec(c); err != nil {
			return err
		}
		if _, duplicate := names[c.Name]; duplicate {
			return ErrChildDuplicate.GenWithStackByArgs(c.Name)
		}
		names[c.Name] = struct{}{}
	}
	return nil
}

func validateChildSpec(spec ChildSpec) error {
	if spec.Name == "" {
		return ErrSupervisorSpec.GenWithStackByArgs("empty child name")
	}
	if spec.Factory == nil && spec.Spawn == "" {
		return ErrSupervisorSpec.GenWithStackByArgs("child " + string(spec.Name) + " has no factory")
	}
	switch spec.Restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	default:
		return ErrSupervisorSpec.GenWithStackByArgs("unknown restart strategy " + spec.Restart.String())
	}
	return nil
}
