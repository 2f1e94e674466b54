package gen

import (
	"github.com/pingcap/errors"
)

var (
	// ErrSpawn: process initialization failed or the node refused to spawn.
	// The process never becomes observable.
	ErrSpawn = errors.Normalize(
		"spawn failed: %s",
		errors.RFCCodeText("HIVE:ErrSpawn"),
	)
	// ErrLinkDown is the reason wrapper for a linked process termination
	// that is propagated to this process.
	ErrLinkDown = errors.Normalize(
		"linked process %s terminated: %s",
		errors.RFCCodeText("HIVE:ErrLinkDown"),
	)
	// ErrProtocolViolation is returned immediately on an operation that is not
	// allowed by the current session state.
	ErrProtocolViolation = errors.Normalize(
		"protocol violation: %s",
		errors.RFCCodeText("HIVE:ErrProtocolViolation"),
	)
	// ErrSessionAborted is returned on the session which peer closed it
	// before reaching the end of the protocol.
	ErrSessionAborted = errors.Normalize(
		"session aborted by peer: %s",
		errors.RFCCodeText("HIVE:ErrSessionAborted"),
	)
	ErrTimeout = errors.Normalize(
		"timed out",
		errors.RFCCodeText("HIVE:ErrTimeout"),
	)
	// ErrSerialization is returned by the encoder collaborator.
	ErrSerialization = errors.Normalize(
		"serialization failed: %s",
		errors.RFCCodeText("HIVE:ErrSerialization"),
	)
	ErrRestartLimitExceeded = errors.Normalize(
		"restart intensity is exceeded: %d restarts within %s",
		errors.RFCCodeText("HIVE:ErrRestartLimitExceeded"),
	)

	ErrProcessUnknown = errors.Normalize(
		"unknown process %s",
		errors.RFCCodeText("HIVE:ErrProcessUnknown"),
	)
	ErrProcessTerminated = errors.Normalize(
		"process %s terminated: %s",
		errors.RFCCodeText("HIVE:ErrProcessTerminated"),
	)
	ErrNoRoute = errors.Normalize(
		"no route to node %s",
		errors.RFCCodeText("HIVE:ErrNoRoute"),
	)
	ErrNameTaken = errors.Normalize(
		"name %s is taken",
		errors.RFCCodeText("HIVE:ErrNameTaken"),
	)
	ErrNameUnknown = errors.Normalize(
		"unknown name %s",
		errors.RFCCodeText("HIVE:ErrNameUnknown"),
	)
	ErrNodeStopped = errors.Normalize(
		"node %s is stopped",
		errors.RFCCodeText("HIVE:ErrNodeStopped"),
	)
	ErrNotAllowed = errors.Normalize(
		"not allowed: %s",
		errors.RFCCodeText("HIVE:ErrNotAllowed"),
	)
	ErrIncorrect = errors.Normalize(
		"incorrect value or argument: %s",
		errors.RFCCodeText("HIVE:ErrIncorrect"),
	)
)
