package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/cnl"
	"github.com/kstaniek/go-can-iap/internal/metrics"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// ErrGatewayDown is reported for frames written while the gateway is disconnected.
var ErrGatewayDown = errors.New("gateway not connected")

type frameConn interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

func dialCNL(ctx context.Context, addr string, timeout time.Duration) (frameConn, error) {
	return cnl.Dial(ctx, addr, timeout)
}

// gateway keeps one live connection to a cannelloni TCP gateway, redialing
// with exponential backoff whenever it drops.
type gateway struct {
	addr string
	l    *slog.Logger

	mu   sync.Mutex
	conn frameConn
}

func (g *gateway) current() frameConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

func (g *gateway) set(c frameConn) {
	g.mu.Lock()
	old := g.conn
	g.conn = c
	g.mu.Unlock()
	if old != nil && old != c {
		_ = old.Close()
	}
}

func (g *gateway) WriteFrame(fr can.Frame) error {
	c := g.current()
	if c == nil {
		return ErrGatewayDown
	}
	return c.WriteFrame(fr)
}

// connect dials until it succeeds or ctx ends.
func (g *gateway) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rxBackoffMin * 5
	b.MaxInterval = gatewayRetryMax
	b.MaxElapsedTime = 0
	op := func() error {
		c, err := dialGateway(ctx, g.addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		g.set(c)
		return nil
	}
	notify := func(err error, d time.Duration) {
		metrics.IncError(metrics.ErrGatewayDial)
		g.l.Warn("gateway_dial_error", "addr", g.addr, "error", err, "retry_in", d)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func openGateway(ctx context.Context, cfg Config, deliver Deliver, l *slog.Logger, wg *sync.WaitGroup) (*transport.Mailboxes, func(), error) {
	g := &gateway{addr: cfg.Gateway, l: l}
	c, err := dialGateway(ctx, cfg.Gateway)
	if err != nil {
		metrics.IncError(metrics.ErrGatewayDial)
		return nil, func() {}, err
	}
	g.set(c)
	l.Info("gateway_connected", "addr", cfg.Gateway)

	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrGatewayWrite)
			l.Warn("gateway_write_error", "error", err)
		},
		OnAfter: metrics.IncBusTx,
		OnBusy: func() error {
			metrics.IncError(metrics.ErrTxBusy)
			return transport.ErrNoMailbox
		},
	}
	mb := transport.NewMailboxes(ctx, cfg.Mailboxes, g.WriteFrame, hooks)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("gateway_rx_end")
		for {
			conn := g.current()
			var fr can.Frame
			err := conn.ReadFrame(&fr)
			if err == nil {
				metrics.IncBusRx()
				deliver(fr)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrGatewayRead)
			l.Warn("gateway_read_error", "error", err)
			g.set(nil) // closes conn
			if err := g.connect(ctx); err != nil {
				return
			}
			l.Info("gateway_reconnected", "addr", cfg.Gateway)
		}
	}()
	cleanup := func() {
		if c := g.current(); c != nil {
			_ = c.Close()
		}
		mb.Close()
	}
	return mb, cleanup, nil
}
