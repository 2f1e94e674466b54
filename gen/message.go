package gen

// MessageExit is delivered within an EnvelopeExit to the process that traps
// exits. It is made on termination of a linked process or by SendExit.
type MessageExit struct {
	PID    PID
	Reason error
}

// MessageDown is delivered within an EnvelopeDown to the monitoring process.
type MessageDown struct {
	PID    PID
	Reason error
}
