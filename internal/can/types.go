package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the payload capacity of a classic CAN data frame.
const MaxLen = 8

// Frame is a classic CAN frame holder used across the node.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxLen]byte
}

// NewFrame builds an extended data frame carrying id and up to 8 payload bytes.
// Extra payload bytes are truncated; unused bytes stay zero.
func NewFrame(id uint32, payload []byte) Frame {
	var f Frame
	f.CANID = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	n := copy(f.Data[:], payload)
	f.Len = uint8(n)
	return f
}

// ID returns the 29-bit identifier with SocketCAN flag bits stripped.
func (f Frame) ID() uint32 { return f.CANID & CAN_EFF_MASK }

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// IsData reports whether the frame is a plain data frame (no RTR, no error flag).
func (f Frame) IsData() bool { return f.CANID&(CAN_RTR_FLAG|CAN_ERR_FLAG) == 0 }

// Payload is a received data field together with its DLC.
type Payload struct {
	Data [MaxLen]byte
	Len  uint8
}

// Bytes returns the valid part of the payload.
func (p Payload) Bytes() []byte { return p.Data[:p.Len] }
