package main

import (
	"time"

	"ergo.services/hive/act"
	"ergo.services/hive/gen"
	"ergo.services/hive/protocol"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

const (
	accumulatorName gen.Atom = "accumulator"
	feederName      gen.Atom = "feeder"

	batchSize = 10
	// every crashEvery tick the feeder sends the negative number
	// making the accumulator fail
	crashEvery = 25
)

type total struct{}

type feedTick struct{}

// accumulator sums up the numbers it gets and fails on a negative one.
type accumulator struct {
	act.Base[int]
}

func newAccumulator() act.Behavior[int] {
	return &accumulator{}
}

func (a *accumulator) HandleCast(ctx *act.Context, sum int, message any) (int, error) {
	n, ok := message.(int)
	if ok == false {
		return a.Base.HandleCast(ctx, sum, message)
	}
	if n < 0 {
		return sum, errors.Errorf("negative input %d", n)
	}
	return sum + n, nil
}

func (a *accumulator) HandleCall(ctx *act.Context, sum int, from act.From, request any) (any, int, error) {
	if _, ok := request.(total); ok {
		return sum, sum, nil
	}
	return a.Base.HandleCall(ctx, sum, from, request)
}

// batch is the protocol of the feeder: it streams the numbers to the
// summing process and gets the sum back.
func batch() *protocol.Step {
	return protocol.Loop(func(again *protocol.Step) *protocol.Step {
		return protocol.Choose(
			protocol.Send[int](again),
			protocol.Recv[int](protocol.End()),
		)
	})
}

// summer is the peer of the batch protocol.
func summer(s *protocol.Session, args ...any) error {
	sum := 0
	for {
		branch, err := s.Offer(time.Second)
		if err != nil {
			return err
		}
		if branch == 1 {
			return s.Send(sum)
		}
		n, err := protocol.RecvAs[int](s, time.Second)
		if err != nil {
			return err
		}
		sum += n
	}
}

// feeder sends the sum of the next batch to the accumulator every interval.
func feeder(process gen.Process, args ...any) error {
	interval := args[0].(time.Duration)
	next := 1
	for tick := 1; ; tick++ {
		if _, err := process.SendAfter(process.PID(), feedTick{}, interval); err != nil {
			return err
		}
		if _, _, err := process.Receive(gen.MatchType[feedTick](), gen.Infinity); err != nil {
			return err
		}
		to, found := process.Whereis(accumulatorName)
		if found == false {
			process.Log().Warn("accumulator is not running")
			continue
		}

		if tick%crashEvery == 0 {
			act.Cast(process, to, -1)
			continue
		}

		s, err := protocol.Spawn(process, batch(), summer, gen.ProcessOptions{})
		if err != nil {
			return err
		}
		sum, err := sendBatch(s, next)
		s.Close()
		if err != nil {
			process.Log().Warn("batch failed", zap.Error(err))
			continue
		}
		next += batchSize
		act.Cast(process, to, sum)

		value, err := act.CallAs[int](process, to, total{}, 0)
		if err != nil {
			process.Log().Warn("unable to get total", zap.Error(err))
			continue
		}
		process.Log().Info("accumulated", zap.Int("tick", tick), zap.Int("total", value))
	}
}

func sendBatch(s *protocol.Session, first int) (int, error) {
	for i := first; i < first+batchSize; i++ {
		if err := s.Choose(0); err != nil {
			return 0, err
		}
		if err := s.Send(i); err != nil {
			return 0, err
		}
	}
	if err := s.Choose(1); err != nil {
		return 0, err
	}
	return protocol.RecvAs[int](s, time.Second)
}

// demoSpec is the supervision tree of the demo: the feeder depends on the
// accumulator, so it is restarted along with it.
func demoSpec(intensity act.Intensity, interval time.Duration) act.SupervisorSpec {
	return act.SupervisorSpec{
		Type:      act.SupervisorTypeRestForOne,
		Intensity: intensity,
		Children: []act.ChildSpec{
			{
				Name:    accumulatorName,
				Factory: act.Factory(newAccumulator),
				Options: gen.ProcessOptions{Name: accumulatorName},
			},
			{
				Name:    feederName,
				Factory: gen.FuncFactory(feeder),
				Args:    []any{interval},
			},
		},
	}
}
