package serial

import (
	"context"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/metrics"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// FrameWriter is the transmit side of a Device.
type FrameWriter interface {
	WriteFrame(can.Frame) error
}

// NewMailboxes serves n transmit mailboxes with writes to w.
func NewMailboxes(parent context.Context, w FrameWriter, n int) *transport.Mailboxes {
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: metrics.IncBusTx,
		OnBusy: func() error {
			metrics.IncError(metrics.ErrTxBusy)
			return transport.ErrNoMailbox
		},
	}
	return transport.NewMailboxes(parent, n, w.WriteFrame, hooks)
}
