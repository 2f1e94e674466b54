// Package protocol implements sessions: conversations of two processes
// following the protocol described with the session type grammar.
//
// The protocol is built out of steps:
//
//	proto := protocol.Send[int](protocol.Recv[string](protocol.End()))
//
// The peer follows the dual one, protocol.Dual(proto), that is
// Recv[int](Send[string](End())). The steps are checked at runtime: an
// operation not allowed by the current step fails immediately with
// gen.ErrProtocolViolation and the peer gets gen.ErrSessionAborted on its
// next operation.
package protocol
