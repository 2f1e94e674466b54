package act

import (
	"github.com/pingcap/errors"
)

var (
	ErrChildUnknown = errors.Normalize(
		"unknown child %s",
		errors.RFCCodeText("HIVE:ErrChildUnknown"),
	)
	ErrChildRunning = errors.Normalize(
		"child %s is already running",
		errors.RFCCodeText("HIVE:ErrChildRunning"),
	)
	ErrChildDuplicate = errors.Normalize(
		"duplicate child spec name %s",
		errors.RFCCodeText("HIVE:ErrChildDuplicate"),
	)
	// ErrSupervisorSpec is returned on spawning a supervisor with
	// the incorrect spec.
	ErrSupervisorSpec = errors.Normalize(
		"incorrect supervisor spec: %s",
		errors.RFCCodeText("HIVE:ErrSupervisorSpec"),
	)
)
