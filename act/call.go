package act

import (
	"fmt"
	"time"

	"ergo.services/hive/gen"
)

// Spawn spawns the actor created by the given constructor.
func Spawn[S any](spawner gen.Spawner, create func() Behavior[S], options gen.ProcessOptions, args ...any) (gen.PID, error) {
	return spawner.Spawn(Factory(create), options, args...)
}

// SpawnLink spawns the actor linked to the given process.
func SpawnLink[S any](parent gen.Process, create func() Behavior[S], options gen.ProcessOptions, args ...any) (gen.PID, error) {
	return parent.SpawnLink(Factory(create), options, args...)
}

// Cast sends the message handled by HandleCast of the actor.
func Cast(from gen.Process, to gen.PID, message any) error {
	return from.Send(to, message)
}

// Call makes a request handled by HandleCall of the actor and waits for the reply.
// Zero timeout means the call timeout of the node.
func Call(from gen.Process, to gen.PID, request any, timeout time.Duration) (any, error) {
	return from.Call(to, request, timeout)
}

// CallAs makes a request expecting the reply of the type R.
func CallAs[R any](from gen.Process, to gen.PID, request any, timeout time.Duration) (R, error) {
	var empty R
	reply, err := from.Call(to, request, timeout)
	if err != nil {
		return empty, err
	}
	result, ok := reply.(R)
	if ok == false {
		return empty, gen.ErrIncorrect.GenWithStackByArgs(fmt.Sprintf("unexpected reply type %T", reply))
	}
	return result, nil
}
