package consts

const (
	// HeaderSize is the fixed width of the decimal body length that starts every frame.
	HeaderSize = 64

	// ProtocolVersion is the only payload layout this build understands.
	ProtocolVersion byte = 1

	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize = 1 << 20
)
