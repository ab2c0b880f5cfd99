package command

import (
	"bytes"
	"errors"
)

// Message block wire format: one byte total length, one byte sequence (low
// four bits) ORed with the destination tag, the payload, a big-endian CRC16
// and a trailing sync byte.
const (
	BlockMin     = 5    // header(2) + crc(2) + sync(1)
	BlockMax     = 64   // largest legal total block length
	BlockHeader  = 2    // length + sequence bytes
	BlockTrailer = 3    // crc + sync bytes
	BlockDest    = 0x10 // destination tag ORed into the sequence byte
	BlockSync    = 0x7E // terminates every block
	SeqMask      = 0x0F
)

// ErrPayloadTooLarge is returned when a payload cannot fit in one block.
var ErrPayloadTooLarge = errors.New("command: payload too large for message block")

// MaxPayload is the largest payload a single block can carry.
const MaxPayload = BlockMax - BlockMin

// Framer assigns wire sequence numbers to outgoing message blocks. It is not
// safe for concurrent use; all encoding runs on the cooperative context.
type Framer struct {
	seq uint8
}

// Message wraps payload into a block Encoder. The payload slice is captured,
// not copied; callers must not mutate it before the transport encodes it.
func (f *Framer) Message(payload []byte) (Encoder, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	return &blockEncoder{framer: f, payload: payload}, nil
}

type blockEncoder struct {
	framer  *Framer
	payload []byte
}

func (e *blockEncoder) MaxSize() int { return BlockMin + len(e.payload) }

func (e *blockEncoder) Encode(dst []byte) int {
	total := BlockMin + len(e.payload)
	dst[0] = byte(total)
	dst[1] = (e.framer.seq & SeqMask) | BlockDest
	e.framer.seq++
	copy(dst[2:], e.payload)
	crc := CRC16CCITT(dst[:total-BlockTrailer])
	dst[total-3] = byte(crc >> 8)
	dst[total-2] = byte(crc)
	dst[total-1] = BlockSync
	return total
}

// FindBlock locates one complete, well-formed block at the start of buf.
// Returns the payload view and bytes consumed. consumed == 0 means more bytes
// are needed; consumed > 0 with a nil payload means malformed bytes were
// skipped up to (and through) the next sync byte candidate.
func FindBlock(buf []byte) (payload []byte, consumed int) {
	if len(buf) == 0 {
		return nil, 0
	}
	total := int(buf[0])
	if total < BlockMin || total > BlockMax {
		return nil, resync(buf)
	}
	if len(buf) >= 2 && buf[1]&^SeqMask != BlockDest {
		return nil, resync(buf)
	}
	if len(buf) < total {
		return nil, 0
	}
	if buf[total-1] != BlockSync {
		return nil, resync(buf)
	}
	crc := CRC16CCITT(buf[:total-BlockTrailer])
	if buf[total-3] != byte(crc>>8) || buf[total-2] != byte(crc) {
		return nil, resync(buf)
	}
	return buf[BlockHeader : total-BlockTrailer], total
}

// resync drops bytes through the next sync byte so the scanner can realign
// after garbage or a corrupted block.
func resync(buf []byte) int {
	if i := bytes.IndexByte(buf[1:], BlockSync); i >= 0 {
		return i + 2
	}
	return len(buf)
}
