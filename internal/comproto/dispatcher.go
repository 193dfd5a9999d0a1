package comproto

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

// Run is the dispatcher loop. It is the sole consumer of the receive queues
// and returns when ctx is cancelled or the endpoint is stopped. Handlers run
// on this goroutine.
func (p *Proto) Run(ctx context.Context) error {
	if p.table == nil {
		return ErrNoTable
	}
	p.logger.Info("dispatcher_start", "addr", uint8(p.addr), "handlers", p.table.Len())
	defer p.logger.Info("dispatcher_stop", "addr", uint8(p.addr))
	for {
		id, err := p.ReceiveID(ctx, p.rxTimeout)
		switch {
		case err == nil:
			p.dispatch(id)
		case errors.Is(err, ErrStopped), ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrTimeout):
			if !sleepCtx(ctx, p.idleDelay) {
				return nil
			}
		default:
			p.logger.Warn("dispatcher_receive_error", "error", err)
		}
	}
}

// DispatchPending handles every queued frame without waiting and returns the
// number taken off the queue. It is for callers that poll in place instead of
// running the dispatcher, and must not be used concurrently with Run.
func (p *Proto) DispatchPending() int {
	if p.table == nil {
		return 0
	}
	n := 0
	for {
		id, err := p.ReceiveID(context.Background(), 0)
		if err != nil {
			return n
		}
		p.dispatch(id)
		n++
	}
}

func (p *Proto) dispatch(id uint32) {
	cmd := can.Cmd(id)
	if p.table.Dispatch(cmd) {
		metrics.IncDispatched(cmd.String())
		return
	}
	// Nobody will read the payload of an unknown data command; keep the rings aligned.
	p.discardPayload(id)
	metrics.IncUnhandled()
	p.logger.Debug("unhandled_command", "id", can.FormatID(id))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
