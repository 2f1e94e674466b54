package gen

// Encoder turns envelopes into bytes delivered by the node and back.
// Implementations must be safe for concurrent use.
type Encoder interface {
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}
