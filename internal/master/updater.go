// Package master drives a slave node through update, rollback and inspection
// sequences. It uses the protocol core in poll-in-place mode: no dispatcher,
// every response is awaited explicitly.
package master

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/comproto"
	"github.com/kstaniek/go-can-iap/internal/logging"
)

const (
	blockSize = 512
	chunkSize = can.MaxLen
)

// Updater talks to one slave. Its Proto must be addressed as the master and
// fed with bus frames by the caller.
type Updater struct {
	proto  *comproto.Proto
	node   can.Addr
	config Config
}

// New creates an Updater for node over proto.
func New(proto *comproto.Proto, node can.Addr, opts ...Option) *Updater {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L().With("target", uint8(node))
	}
	return &Updater{proto: proto, node: node & can.DstMask, config: cfg}
}

func (u *Updater) request(cmd can.Command, payload []byte) error {
	return u.proto.Transmit(can.ID(u.node, can.MasterAddr, cmd), payload)
}

// await waits for rsp from the node. Unrelated frames are skipped.
func (u *Updater) await(ctx context.Context, rsp can.Command, timeout time.Duration) error {
	want := can.ID(can.MasterAddr, u.node, rsp)
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return comproto.ErrTimeout
		}
		err := u.proto.ExpectID(ctx, want, left)
		var mm *comproto.MismatchError
		if errors.As(err, &mm) {
			u.config.Logger.Debug("skip_frame", "id", can.FormatID(mm.Got))
			continue
		}
		return err
	}
}

// call sends cmd and waits for rsp.
func (u *Updater) call(ctx context.Context, step string, cmd, rsp can.Command, payload []byte, timeout time.Duration) error {
	if err := u.request(cmd, payload); err != nil {
		return &StepError{Step: step, Err: err}
	}
	if err := u.await(ctx, rsp, timeout); err != nil {
		return &StepError{Step: step, Err: err}
	}
	return nil
}

// Update programs image into the node's firmware partition and finalizes it.
// The node resets after acknowledging the finish request.
func (u *Updater) Update(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}
	if uint64(len(image)) > math.MaxUint32 {
		return ErrImageTooBig
	}
	start := time.Now()
	u.report("starting", 0, len(image), start)
	to := u.config.ResponseTimeout
	if u.config.ModeChange {
		if err := u.call(ctx, "mode_change", can.ModeChangeRq, can.ModeChangeRsp, nil, to); err != nil {
			return err
		}
	}
	if err := u.call(ctx, "update_start", can.ModeUpdateStartRq, can.ModeUpdateStartRsp, nil, u.config.EraseTimeout); err != nil {
		return err
	}
	if err := u.call(ctx, "data_start", can.DataStartRq, can.DataStartReady, nil, to); err != nil {
		return err
	}
	var lenPayload [8]byte
	binary.LittleEndian.PutUint32(lenPayload[:4], uint32(len(image)))
	if err := u.request(can.DataLen, lenPayload[:]); err != nil {
		return &StepError{Step: "length", Err: err}
	}
	u.config.Logger.Info("update_streaming", "bytes", len(image))

	var chunk [chunkSize]byte
	for off := 0; off < len(image); off += chunkSize {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: "chunk", Offset: off, Err: err}
		}
		n := copy(chunk[:], image[off:])
		for i := n; i < chunkSize; i++ {
			chunk[i] = 0xFF
		}
		if err := u.request(can.DataChunk, chunk[:]); err != nil {
			return &StepError{Step: "chunk", Offset: off, Err: err}
		}
		end := off + chunkSize
		if end%blockSize == 0 {
			if err := u.blockAck(ctx, end); err != nil {
				return err
			}
			u.report("streaming", min(end, len(image)), len(image), start)
		}
	}

	u.report("finishing", len(image), len(image), start)
	if err := u.call(ctx, "finish", can.DataFinishRq, can.DataFinishRsp, nil, to); err != nil {
		return err
	}
	u.report("complete", len(image), len(image), start)
	u.config.Logger.Info("update_complete", "bytes", len(image), "elapsed", time.Since(start))
	return nil
}

// blockAck confirms the block ending at off was programmed.
func (u *Updater) blockAck(ctx context.Context, off int) error {
	if err := u.request(can.DataBlockAckRq, nil); err != nil {
		return &StepError{Step: "block_ack", Offset: off, Err: err}
	}
	if err := u.await(ctx, can.DataBlockAckRsp, u.config.ResponseTimeout); err != nil {
		return &StepError{Step: "block_ack", Offset: off, Err: err}
	}
	return nil
}

func (u *Updater) report(phase string, done, total int, start time.Time) {
	if u.config.ProgressCallback == nil {
		return
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) * 100 / float64(total)
	}
	u.config.ProgressCallback(Progress{
		Phase:        phase,
		BytesWritten: done,
		TotalBytes:   total,
		Percentage:   pct,
		ElapsedTime:  time.Since(start),
	})
}

// Rollback restores the node's backup image. The node resets afterwards.
func (u *Updater) Rollback(ctx context.Context) error {
	return u.call(ctx, "rollback", can.ModeRollbackRq, can.ModeRollbackRsp, nil, u.config.EraseTimeout)
}

// Reboot resets the node.
func (u *Updater) Reboot(ctx context.Context) error {
	return u.call(ctx, "reboot", can.ModeRebootRq, can.ModeRebootRsp, nil, u.config.ResponseTimeout)
}

// ModeChange asks the node to accept an update; it only answers when permitted.
func (u *Updater) ModeChange(ctx context.Context) error {
	return u.call(ctx, "mode_change", can.ModeChangeRq, can.ModeChangeRsp, nil, u.config.ResponseTimeout)
}

// Verify checks that the node answers in IAP mode.
func (u *Updater) Verify(ctx context.Context) error {
	return u.call(ctx, "verify", can.ModeVerifyRq, can.ModeVerifyRsp, nil, u.config.ResponseTimeout)
}

// SizeAndAddr returns the size and origin of the node's firmware partition.
func (u *Updater) SizeAndAddr(ctx context.Context) (size, origin uint32, err error) {
	if err := u.call(ctx, "size_addr", can.DataSizeAddrRq, can.DataSizeAddrRsp, nil, u.config.ResponseTimeout); err != nil {
		return 0, 0, err
	}
	pl, ok := u.proto.ReceivePayload()
	if !ok || pl.Len < 8 {
		return 0, 0, &StepError{Step: "size_addr", Err: ErrShortReply}
	}
	return binary.LittleEndian.Uint32(pl.Data[0:4]), binary.LittleEndian.Uint32(pl.Data[4:8]), nil
}

// ReadFlash reads n bytes at addr from the node's flash. Large reads are split
// into requests of one block so the replies fit the receive queue.
func (u *Updater) ReadFlash(ctx context.Context, addr, n uint32) ([]byte, error) {
	out := make([]byte, 0, n)
	for uint32(len(out)) < n {
		k := min(n-uint32(len(out)), blockSize)
		if err := u.readSpan(ctx, addr+uint32(len(out)), k, &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (u *Updater) readSpan(ctx context.Context, addr, n uint32, out *[]byte) error {
	var rq [8]byte
	binary.LittleEndian.PutUint32(rq[0:4], addr)
	binary.LittleEndian.PutUint32(rq[4:8], n)
	if err := u.request(can.DataFlashRead, rq[:]); err != nil {
		return &StepError{Step: "flash_read", Offset: len(*out), Err: err}
	}
	for got := uint32(0); got < n; {
		if err := u.await(ctx, can.DataFlashReadRsp, u.config.ResponseTimeout); err != nil {
			return &StepError{Step: "flash_read", Offset: len(*out), Err: err}
		}
		pl, ok := u.proto.ReceivePayload()
		if !ok || pl.Len == 0 {
			return &StepError{Step: "flash_read", Offset: len(*out), Err: ErrShortReply}
		}
		b := pl.Bytes()
		if rem := n - got; uint32(len(b)) > rem {
			b = b[:rem]
		}
		*out = append(*out, b...)
		got += uint32(len(b))
	}
	return nil
}
