package comproto

import (
	"context"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

// ProcessRx ingests one frame from the bus. It never blocks and does not
// allocate. Frames that are not extended data frames addressed to this node
// are ignored. A frame is queued whole or not at all: on a full ring it is
// dropped and the overflow flag is set.
func (p *Proto) ProcessRx(fr can.Frame) {
	if p.stopped.Load() {
		return
	}
	if !fr.Extended() || !fr.IsData() {
		return
	}
	id := fr.ID()
	if can.Dst(id) != p.addr {
		metrics.IncFiltered()
		return
	}
	data := can.Cmd(id).HasData()
	if p.ids.Free() < 1 || (data && p.payloads.Free() < 1) {
		p.drop()
		return
	}
	// Payload first: once the identifier is visible its payload must be too.
	if data {
		p.payloads.Put(can.Payload{Data: fr.Data, Len: fr.Len})
	}
	p.ids.Put(id)
	select {
	case p.sem <- struct{}{}:
	default:
		// Unreachable while the semaphore is at least as deep as the ring.
		p.overflow.Store(true)
	}
	metrics.IncAccepted()
}

func (p *Proto) drop() {
	p.overflow.Store(true)
	p.dropped.Add(1)
	metrics.IncOverflow()
}

// ReceivePayload pops the oldest queued payload without blocking.
func (p *Proto) ReceivePayload() (can.Payload, bool) {
	return p.payloads.Get()
}

// ReceiveID waits up to timeout for the next queued identifier. A timeout <= 0
// polls once. It returns ErrTimeout when nothing arrived, ErrStopped once the
// endpoint is stopped, or the context error.
func (p *Proto) ReceiveID(ctx context.Context, timeout time.Duration) (uint32, error) {
	if p.stopped.Load() {
		return 0, ErrStopped
	}
	if timeout <= 0 {
		select {
		case <-p.sem:
		default:
			return 0, ErrTimeout
		}
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-p.sem:
		case <-t.C:
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	id, ok := p.ids.Get()
	if !ok {
		return 0, ErrEmpty
	}
	return id, nil
}

// ExpectID receives the next identifier and checks it equals want. On a
// mismatch the frame, including its payload, is discarded and a *MismatchError
// is returned.
func (p *Proto) ExpectID(ctx context.Context, want uint32, timeout time.Duration) error {
	got, err := p.ReceiveID(ctx, timeout)
	if err != nil {
		return err
	}
	if got != want&can.CAN_EFF_MASK {
		p.discardPayload(got)
		return &MismatchError{Got: got, Want: want}
	}
	return nil
}

func (p *Proto) discardPayload(id uint32) {
	if can.Cmd(id).HasData() {
		_, _ = p.payloads.Get()
	}
}
