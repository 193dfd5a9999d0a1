// Package socketcan reads and writes classic CAN frames on a Linux raw CAN socket.
package socketcan

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/metrics"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// frameSize is sizeof(struct can_frame).
const frameSize = 16

// Dev is the minimal interface needed by the backend and the transmit mailboxes.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel uses host byte order; all supported targets are little-endian.
func unmarshalFrame(buf []byte, fr *can.Frame) error {
	if len(buf) != frameSize {
		return fmt.Errorf("short read: %d", len(buf))
	}
	dlc := buf[4]
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	fr.Len = dlc
	fr.Data = [can.MaxLen]byte{}
	copy(fr.Data[:], buf[8:8+int(dlc)])
	return nil
}

func marshalFrame(fr can.Frame, buf *[frameSize]byte) {
	*buf = [frameSize]byte{}
	n := min(fr.Len, can.MaxLen)
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = n
	copy(buf[8:], fr.Data[:n])
}

// addrFilter returns the id/mask pair accepting extended frames whose
// destination field equals addr.
func addrFilter(addr can.Addr) (id, mask uint32) {
	id = can.ID(addr, 0, 0) | can.CAN_EFF_FLAG
	mask = can.ID(can.MaxAddr, 0, 0) | can.CAN_EFF_FLAG | can.CAN_RTR_FLAG
	return id, mask
}

// NewMailboxes serves n transmit mailboxes with writes to dev.
func NewMailboxes(parent context.Context, dev Dev, n int) *transport.Mailboxes {
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Error("socketcan_write_error", "error", err)
		},
		OnAfter: metrics.IncBusTx,
		OnBusy: func() error {
			metrics.IncError(metrics.ErrTxBusy)
			return transport.ErrNoMailbox
		},
	}
	return transport.NewMailboxes(parent, n, dev.WriteFrame, hooks)
}
