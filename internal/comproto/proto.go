// Package comproto is the node-side protocol core: identifier filtering and
// queuing of inbound frames, a dispatcher that maps command codes to handlers
// and a bounded, polling transmit path.
//
// Receive hand-off is single-producer/single-consumer. ProcessRx is the only
// producer (the backend read goroutine standing in for the CAN interrupt) and
// the goroutine calling Run, ReceiveID or ExpectID is the only consumer.
package comproto

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/ringbuf"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

const (
	DefaultRingSize     = 128
	DefaultTxBudget     = 0x0fff
	DefaultTxPoll       = 50 * time.Microsecond
	DefaultRxTimeout    = 2 * time.Second
	DefaultIdleDelay    = 50 * time.Millisecond
	defaultSemaphoreCap = 256
)

// Proto is one node's protocol endpoint.
type Proto struct {
	addr  can.Addr
	tx    transport.Mailbox
	table *Table

	ids      *ringbuf.Ring[uint32]
	payloads *ringbuf.Ring[can.Payload]
	// sem counts frames fully queued and not yet taken by the consumer.
	sem      chan struct{}
	overflow atomic.Bool
	dropped  atomic.Uint64
	stopped  atomic.Bool

	txMu      sync.Mutex
	txBudget  int
	txPoll    time.Duration
	rxTimeout time.Duration
	idleDelay time.Duration
	ringSize  int
	logger    *slog.Logger
}

type Option func(*Proto)

// New creates a protocol endpoint for node addr transmitting through tx.
func New(addr can.Addr, tx transport.Mailbox, opts ...Option) *Proto {
	p := &Proto{
		addr:      addr & can.DstMask,
		tx:        tx,
		txBudget:  DefaultTxBudget,
		txPoll:    DefaultTxPoll,
		rxTimeout: DefaultRxTimeout,
		idleDelay: DefaultIdleDelay,
		ringSize:  DefaultRingSize,
		logger:    logging.L(),
	}
	for _, o := range opts {
		o(p)
	}
	p.ids = ringbuf.New[uint32](p.ringSize)
	p.payloads = ringbuf.New[can.Payload](p.ringSize)
	semCap := defaultSemaphoreCap
	if c := p.ids.Cap(); c > semCap {
		semCap = c
	}
	p.sem = make(chan struct{}, semCap)
	return p
}

// WithTable installs the dispatch table served by Run.
func WithTable(t *Table) Option { return func(p *Proto) { p.table = t } }

func WithLogger(l *slog.Logger) Option {
	return func(p *Proto) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTxBudget sets how many times Transmit polls the mailbox status.
func WithTxBudget(n int) Option {
	return func(p *Proto) {
		if n > 0 {
			p.txBudget = n
		}
	}
}

func WithTxPollInterval(d time.Duration) Option {
	return func(p *Proto) {
		if d >= 0 {
			p.txPoll = d
		}
	}
}

// WithRxTimeout sets the dispatcher's wait per ReceiveID.
func WithRxTimeout(d time.Duration) Option {
	return func(p *Proto) {
		if d > 0 {
			p.rxTimeout = d
		}
	}
}

// WithIdleDelay sets the dispatcher pause after a receive timeout.
func WithIdleDelay(d time.Duration) Option {
	return func(p *Proto) {
		if d >= 0 {
			p.idleDelay = d
		}
	}
}

// WithRingSize sets the capacity of both receive rings (rounded up to a power of two).
func WithRingSize(n int) Option {
	return func(p *Proto) {
		if n > 0 {
			p.ringSize = n
		}
	}
}

// Addr returns the node address used for filtering.
func (p *Proto) Addr() can.Addr { return p.addr }

// Table returns the dispatch table or nil.
func (p *Proto) Table() *Table { return p.table }

// Overflowed reports whether a frame has ever been dropped on a full ring.
func (p *Proto) Overflowed() bool { return p.overflow.Load() }

// Dropped returns the number of frames dropped on a full ring.
func (p *Proto) Dropped() uint64 { return p.dropped.Load() }

// Stop ends dispatch for good. Run returns before taking another frame and
// ProcessRx ignores everything that arrives afterwards. It is safe to call
// from a handler.
func (p *Proto) Stop() {
	if p.stopped.CompareAndSwap(false, true) {
		p.logger.Debug("endpoint_stopped", "addr", uint8(p.addr), "pending", p.ids.Len())
	}
}

// Stopped reports whether Stop has been called.
func (p *Proto) Stopped() bool { return p.stopped.Load() }

// Pending returns the number of queued identifiers.
func (p *Proto) Pending() int { return p.ids.Len() }
