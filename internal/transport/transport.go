package transport

import "github.com/kstaniek/go-can-iap/internal/can"

// TxStatus is the state of a transmit mailbox.
type TxStatus uint32

const (
	// TxOK means the last frame placed in the mailbox was written (or the mailbox was never used).
	TxOK TxStatus = iota
	// TxPending means the frame is still waiting for the device.
	TxPending
	// TxFailed means the device rejected the frame.
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxOK:
		return "ok"
	case TxPending:
		return "pending"
	default:
		return "failed"
	}
}

// Mailbox is the transmit side of a CAN peripheral: queue a frame, then poll
// its completion status.
type Mailbox interface {
	Transmit(can.Frame) (int, error)
	TxStatus(mailbox int) TxStatus
}

var _ Mailbox = (*Mailboxes)(nil)
