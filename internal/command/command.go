// Package command implements the node's command message layer: the framed
// message-block wire format carried over the CAN data channel, the CRC that
// protects it, and the opcode dispatch registry. The transport only depends on
// the Encoder and Dispatcher interfaces, so alternative codecs can be swapped
// in for tests.
package command

// Encoder produces one encoded message. MaxSize is the worst-case encoded
// length used to reserve transmit buffer space; Encode writes the message into
// dst (at least MaxSize bytes long) and returns the bytes actually written.
type Encoder interface {
	MaxSize() int
	Encode(dst []byte) int
}

// Dispatcher scans a byte buffer for one complete message, hands it off, and
// returns the number of bytes consumed. A return of 0 means no complete
// message is present yet. Consumed bytes with no hand-off indicate skipped
// garbage.
type Dispatcher interface {
	FindAndDispatch(buf []byte) int
}
