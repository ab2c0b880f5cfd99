package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the payload limit of a classic CAN frame.
const MaxDataLen = 8

// Reserved bus identifiers for the enumeration protocol. Hosts broadcast
// admin commands on AdminID; nodes answer on AdminRespID. Data channels start
// above these and are assigned at runtime. The values are part of the wire
// contract and must not change.
const (
	AdminID     = 0x3F0
	AdminRespID = 0x3F1
)

// Frame is a classic CAN frame as seen by the node. ID carries the raw bus
// identifier (11-bit standard addressing on this bus); Len is payload length
// 0..8 and only the first Len bytes of Data are valid.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxDataLen]byte
}

// NewFrame builds a frame from a payload slice, truncating at MaxDataLen.
func NewFrame(id uint32, payload []byte) Frame {
	var f Frame
	f.ID = id
	if len(payload) > MaxDataLen {
		payload = payload[:MaxDataLen]
	}
	f.Len = uint8(copy(f.Data[:], payload))
	return f
}

// Payload returns the valid portion of Data.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }
