package comproto

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// Transmit sends an extended data frame and polls its mailbox until the
// device reports completion or the poll budget runs out. Worst-case latency is
// budget * poll interval. There is no retry.
func (p *Proto) Transmit(id uint32, payload []byte) error {
	if len(payload) > can.MaxLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}
	fr := can.NewFrame(id, payload)

	p.txMu.Lock()
	defer p.txMu.Unlock()
	mb, err := p.tx.Transmit(fr)
	if err != nil {
		metrics.IncError(metrics.ErrTxBusy)
		return fmt.Errorf("%w: %w", ErrTxFailed, err)
	}
	for i := 0; i < p.txBudget; i++ {
		switch p.tx.TxStatus(mb) {
		case transport.TxOK:
			return nil
		case transport.TxFailed:
			return fmt.Errorf("%w: %s", ErrTxFailed, can.FormatID(id))
		}
		if p.txPoll > 0 {
			time.Sleep(p.txPoll)
		}
	}
	metrics.IncError(metrics.ErrTxTimeout)
	p.logger.Warn("tx_timeout", "id", can.FormatID(id), "mailbox", mb)
	return fmt.Errorf("%w: %s", ErrTxTimeout, can.FormatID(id))
}

// Reply sends cmd to the master from this node's address.
func (p *Proto) Reply(cmd can.Command, payload []byte) error {
	return p.Transmit(can.ID(can.MasterAddr, p.addr, cmd), payload)
}
