package lib

import (
	"os"

	"go.uber.org/atomic"
)

var recoverPanic = atomic.NewBool(true)

// Recover returns whether panics of the processes are recovered and turned
// into the TerminateReasonPanic termination.
func Recover() bool {
	return recoverPanic.Load()
}

// SetRecover enables/disables recovering. Disabling it is useful for debugging
// to get the panic with the original stack trace.
func SetRecover(enable bool) {
	recoverPanic.Store(enable)
}

// Host returns the host part of the default node name. HIVE_HOST overrides
// it, a kubernetes pod is known by its IP.
func Host() string {
	for _, env := range []string{"HIVE_HOST", "POD_IP"} {
		if host := os.Getenv(env); host != "" {
			return host
		}
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "localhost"
}
