package can

import "fmt"

// Addr is a node address carried in the identifier.
type Addr uint8

// Identifier layout (29-bit extended id):
//
//	bits 24..28  destination address
//	bits 16..23  source address
//	bits  0..15  command code including RSP/DATA flags
const (
	dstShift = 24
	srcShift = 16

	DstMask     = 0x1f
	SrcMask     = 0xff
	CommandMask = 0xffff
)

// MasterAddr is the address of the bus master driving updates.
const MasterAddr Addr = 0

// MaxAddr is the highest address representable in the destination field.
const MaxAddr Addr = DstMask

// ID composes an identifier. Fields are masked to their width first so a wide
// command value can never alias into the address bits.
func ID(dst, src Addr, cmd Command) uint32 {
	return uint32(dst&DstMask)<<dstShift | uint32(src&SrcMask)<<srcShift | uint32(cmd)&CommandMask
}

// Dst extracts the destination address. SocketCAN flag bits above bit 28 are ignored.
func Dst(id uint32) Addr { return Addr((id >> dstShift) & DstMask) }

// Src extracts the source address.
func Src(id uint32) Addr { return Addr((id >> srcShift) & SrcMask) }

// Cmd extracts the command code with its flag bits.
func Cmd(id uint32) Command { return Command(id & CommandMask) }

// FormatID renders an identifier as dst/src/command for logs.
func FormatID(id uint32) string {
	return fmt.Sprintf("%02x>%02x:%s", uint8(Src(id)), uint8(Dst(id)), Cmd(id))
}
