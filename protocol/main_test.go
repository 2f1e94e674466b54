package protocol

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
	n, err := node.Start("protocol", node.Options{
		Logger:          zap.NewNop(),
		ShutdownTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, n.Stop())
	})
	return n
}

// attach makes the process trapping exits, so the termination of
// the spawned peers doesn't affect it.
func attach(t *testing.T, n *node.Node) gen.Process {
	p, err := n.Attach(gen.ProcessOptions{TrapExit: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Detach(p)
	})
	return p
}

type report struct {
	Value   string
	Aborted bool
}

func waitReport(t *testing.T, p gen.Process) report {
	env, ok, err := p.Receive(gen.MatchType[report](), 3*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "no report")
	return env.Message.(report)
}
