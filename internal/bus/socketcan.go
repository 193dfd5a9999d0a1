package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
	"github.com/kstaniek/go-can-iap/internal/socketcan"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

func openSocketCAN(ctx context.Context, cfg Config, deliver Deliver, l *slog.Logger, wg *sync.WaitGroup) (*transport.Mailboxes, func(), error) {
	dev, err := openSocketCANDevice(cfg.CANIf, cfg.Addr, cfg.Filter)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.CANIf, err)
	}
	l.Info("socketcan_open", "if", cfg.CANIf, "filter", cfg.Filter)
	mb := socketcan.NewMailboxes(ctx, dev, cfg.Mailboxes)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		bo := rxBackoff()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				d := bo.NextBackOff()
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", d)
				sleepFn(d)
				continue
			}
			metrics.IncBusRx()
			deliver(fr)
			bo.Reset()
		}
	}()
	return mb, func() { _ = dev.Close(); mb.Close() }, nil
}
