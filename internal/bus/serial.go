package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
	"github.com/kstaniek/go-can-iap/internal/serial"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

func openSerial(ctx context.Context, cfg Config, deliver Deliver, l *slog.Logger, wg *sync.WaitGroup) (*transport.Mailboxes, func(), error) {
	readTO := cfg.SerialReadTO
	if readTO <= 0 {
		readTO = defaultSerialReadTO
	}
	sp, err := openSerialPort(cfg.SerialDev, cfg.Baud, readTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.SerialDev, "baud", cfg.Baud)
	dev := serial.NewDevice(sp)
	mb := serial.NewMailboxes(ctx, dev, cfg.Mailboxes)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		bo := rxBackoff()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			err := dev.ReadFrame(&fr)
			if err == nil {
				metrics.IncBusRx()
				deliver(fr)
				bo.Reset()
				continue
			}
			if errors.Is(err, serial.ErrNoFrame) {
				continue
			}
			if ctx.Err() != nil { // shutting down
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				l.Error("serial_device_lost", "error", err)
				return
			}
			d := bo.NextBackOff()
			metrics.IncError(metrics.ErrSerialRead)
			l.Warn("serial_read_error", "error", err, "backoff", d)
			sleepFn(d)
		}
	}()
	return mb, func() { _ = dev.Close(); mb.Close() }, nil
}
