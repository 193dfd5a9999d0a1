// Package bus opens a CAN backend, runs its receive loop and exposes its
// transmit side as mailboxes. Received frames are handed to a Deliver callback
// (normally a protocol's ProcessRx).
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/serial"
	"github.com/kstaniek/go-can-iap/internal/socketcan"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	gatewayDialTimeout  = 3 * time.Second
	gatewayRetryMax     = 5 * time.Second
	defaultSerialReadTO = 50 * time.Millisecond
)

// Backend names.
const (
	SocketCAN = "socketcan"
	Serial    = "serial"
	Gateway   = "cnl"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown backend")

// Deliver receives every frame read from the bus.
type Deliver func(can.Frame)

// Config selects and parameterizes a backend.
type Config struct {
	Backend      string
	CANIf        string
	SerialDev    string
	Baud         int
	SerialReadTO time.Duration
	Gateway      string
	// Addr and Filter install a kernel destination filter on SocketCAN.
	Addr   can.Addr
	Filter bool
	// Mailboxes is the number of transmit mailboxes (default 3).
	Mailboxes int
}

// ValidBackend reports whether name is a known backend.
func ValidBackend(name string) bool {
	switch name {
	case SocketCAN, Serial, Gateway:
		return true
	}
	return false
}

// Test hooks.
var (
	sleepFn             = time.Sleep
	openSerialPort      = serial.OpenPort
	openSocketCANDevice = func(iface string, addr can.Addr, filter bool) (socketcan.Dev, error) {
		return socketcan.Open(iface, addr, filter)
	}
	dialGateway = func(ctx context.Context, addr string) (frameConn, error) {
		return dialCNL(ctx, addr, gatewayDialTimeout)
	}
)

// Open starts the configured backend. The returned cleanup closes the device
// and the mailboxes; callers wait on wg for the receive loop to finish.
func Open(ctx context.Context, cfg Config, deliver Deliver, l *slog.Logger, wg *sync.WaitGroup) (*transport.Mailboxes, func(), error) {
	if cfg.Mailboxes <= 0 {
		cfg.Mailboxes = transport.DefaultMailboxes
	}
	switch cfg.Backend {
	case Serial:
		return openSerial(ctx, cfg, deliver, l, wg)
	case SocketCAN:
		return openSocketCAN(ctx, cfg, deliver, l, wg)
	case Gateway:
		return openGateway(ctx, cfg, deliver, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("%w %q (use serial|socketcan|cnl)", ErrUnknownBackend, cfg.Backend)
	}
}

// rxBackoff returns the receive-error backoff policy: doubling from
// rxBackoffMin up to rxBackoffMax without jitter and without giving up.
func rxBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rxBackoffMin
	b.MaxInterval = rxBackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
