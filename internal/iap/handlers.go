package iap

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/events"
	"github.com/kstaniek/go-can-iap/internal/flash"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

// handleModeChange acknowledges only while the update flag is set.
func (s *Slave) handleModeChange() {
	if !s.cookies.IsSet(flash.UpdateFlag) {
		s.logger.Debug("mode_change_denied")
		return
	}
	s.reply(can.ModeChangeRsp, nil)
}

func (s *Slave) handleReboot() {
	s.reply(can.ModeRebootRsp, nil)
	s.mu.Lock()
	s.publish(events.Rebooting, nil)
	s.mu.Unlock()
	s.logger.Info("reboot")
	s.reset()
}

func (s *Slave) handleVerify() {
	s.reply(can.ModeVerifyRsp, nil)
}

// handleUpdateStart opens a new session: state from any earlier session is
// discarded before the firmware partition is erased.
func (s *Slave) handleUpdateStart() {
	s.mu.Lock()
	s.sess.reset()
	metrics.IncSession()
	if err := s.parts.Erase(flash.Firmware); err != nil {
		s.fail(fmt.Errorf("erase firmware: %w", err))
		s.mu.Unlock()
		return
	}
	s.sess.state = AwaitingLength
	s.sess.record()
	s.logger.Info("session_start", "origin", s.parts.Origin(flash.Firmware), "size", s.parts.Size(flash.Firmware))
	s.publish(events.SessionStarted, nil)
	s.mu.Unlock()
	s.reply(can.ModeUpdateStartRsp, nil)
}

func (s *Slave) handleDataStart() {
	s.reply(can.DataStartReady, nil)
}

// handleLength records the announced image length and unlocks flash.
func (s *Slave) handleLength() {
	pl, ok := s.proto.ReceivePayload()
	if !ok || pl.Len < 4 {
		s.logger.Warn("length_payload_missing", "len", pl.Len)
		return
	}
	n := binary.LittleEndian.Uint32(pl.Data[:4])
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.sess.state {
	case AwaitingLength, Streaming:
	default:
		s.logger.Warn("length_out_of_session", "state", s.sess.state.String())
		return
	}
	if size := s.parts.Size(flash.Firmware); n > size {
		s.fail(fmt.Errorf("%w: %d > %d", ErrImageTooLarge, n, size))
		return
	}
	s.sess.length = n
	s.flash.Unlock()
	s.sess.state = Streaming
	s.sess.record()
	s.logger.Info("image_length", "bytes", n)
	s.publish(events.LengthAnnounced, nil)
}

// handleChunk appends one 8-byte chunk and programs the block once full.
func (s *Slave) handleChunk() {
	pl, ok := s.proto.ReceivePayload()
	if !ok {
		metrics.IncRejectedChunk()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.state != Streaming {
		metrics.IncRejectedChunk()
		s.logger.Debug("chunk_out_of_session", "state", s.sess.state.String())
		return
	}
	if pl.Len != ChunkSize {
		metrics.IncRejectedChunk()
		s.logger.Warn("chunk_length_invalid", "len", pl.Len, "offset", s.sess.offset+uint32(s.sess.cursor))
		return
	}
	copy(s.sess.block[s.sess.cursor:], pl.Data[:])
	s.sess.cursor += ChunkSize
	if s.sess.cursor == BlockSize {
		s.program(BlockSize)
	}
}

// program writes the first n bytes of the accumulator at origin+offset.
func (s *Slave) program(n int) {
	size := s.parts.Size(flash.Firmware)
	if uint64(s.sess.offset)+uint64(n) > uint64(size) {
		s.fail(fmt.Errorf("%w: block at %d", ErrImageTooLarge, s.sess.offset))
		return
	}
	addr := s.parts.Origin(flash.Firmware) + s.sess.offset
	if err := s.flash.WriteBlock(addr, s.sess.block[:n]); err != nil {
		s.fail(fmt.Errorf("write block at 0x%08x: %w", addr, err))
		return
	}
	s.sess.offset += uint32(n)
	s.sess.cursor = 0
	s.sess.lastBlock = true
	s.sess.record()
	metrics.IncFlashBlock()
	s.logger.Debug("block_written", "addr", addr, "bytes", n)
	s.publish(events.BlockWritten, nil)
}

// fail stops the session; chunks are dropped until the next update start.
func (s *Slave) fail(err error) {
	s.sess.state = Failed
	s.sess.cursor = 0
	s.sess.lastBlock = false
	s.sess.record()
	metrics.IncError(metrics.ErrFlash)
	s.logger.Error("session_failed", "offset", s.sess.offset, "error", err)
	s.publish(events.SessionFailed, err)
}

// handleBlockAck acknowledges once per programmed block.
func (s *Slave) handleBlockAck() {
	s.mu.Lock()
	ack := s.sess.lastBlock
	s.sess.lastBlock = false
	s.mu.Unlock()
	if ack {
		s.reply(can.DataBlockAckRsp, nil)
	}
}

// handleFinish programs a trailing partial block, locks flash, clears the
// update flag, acknowledges and resets. A failed session is not finalized:
// the flag stays set and nothing is acknowledged, so the master sees a
// timeout and can start over.
func (s *Slave) handleFinish() {
	s.mu.Lock()
	if s.sess.state == Streaming && s.sess.cursor > 0 {
		s.program(s.sess.cursor)
	}
	s.flash.Lock()
	if s.sess.state == Failed {
		s.logger.Warn("finish_after_failure", "written", s.sess.offset)
		s.mu.Unlock()
		return
	}
	if s.sess.length > 0 && s.sess.offset != s.sess.length {
		s.logger.Warn("length_mismatch", "announced", s.sess.length, "written", s.sess.offset)
	}
	if err := s.cookies.Clear(flash.UpdateFlag); err != nil {
		s.logger.Error("cookie_clear_failed", "error", err)
	}
	s.sess.state = Idle
	s.sess.record()
	s.publish(events.SessionFinished, nil)
	s.logger.Info("session_finish", "bytes", s.sess.offset)
	s.mu.Unlock()
	s.reply(can.DataFinishRsp, nil)
	s.reset()
}

// handleRollback restores the backup image. On copy failure nothing is
// acknowledged and the node keeps running.
func (s *Slave) handleRollback() {
	s.mu.Lock()
	if err := s.parts.Copy(flash.Firmware, flash.Backup); err != nil {
		s.fail(fmt.Errorf("rollback: %w", err))
		s.mu.Unlock()
		return
	}
	s.sess.reset()
	s.sess.record()
	s.publish(events.RolledBack, nil)
	s.mu.Unlock()
	s.reply(can.ModeRollbackRsp, nil)
	if err := s.cookies.Clear(flash.UpdateFlag); err != nil {
		s.logger.Error("cookie_clear_failed", "error", err)
	}
	s.logger.Info("rollback")
	s.reset()
}

// handleFlashRead streams [addr, addr+len) back, 8 bytes per frame. The last
// frame carries the remainder only.
func (s *Slave) handleFlashRead() {
	pl, ok := s.proto.ReceivePayload()
	if !ok || pl.Len < 8 {
		s.logger.Warn("flash_read_payload_missing", "len", pl.Len)
		return
	}
	addr := binary.LittleEndian.Uint32(pl.Data[0:4])
	n := binary.LittleEndian.Uint32(pl.Data[4:8])
	var buf [can.MaxLen]byte
	for off := uint32(0); off < n; off += can.MaxLen {
		k := min(uint32(can.MaxLen), n-off)
		if _, err := s.flash.ReadAt(buf[:k], int64(addr)+int64(off)); err != nil {
			s.logger.Warn("flash_read_failed", "addr", addr, "offset", off, "error", err)
			return
		}
		if !s.reply(can.DataFlashReadRsp, buf[:k]) {
			return
		}
	}
}

func (s *Slave) handleSizeAddr() {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], s.parts.Size(flash.Firmware))
	binary.LittleEndian.PutUint32(b[4:8], s.parts.Origin(flash.Firmware))
	s.reply(can.DataSizeAddrRsp, b[:])
}
