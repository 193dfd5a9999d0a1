// Package cnl speaks the cannelloni TCP framing used by CAN-over-TCP gateways,
// letting the node reach a remote bus through a gateway instead of a local adapter.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// frameOverhead is the per-frame header: 4-byte id + 1-byte length.
const frameOverhead = 5

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (frameOverhead + can.MaxLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is encoded as: 4-byte BE CANID (flags included), 1-byte length, payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [frameOverhead]byte
	for _, f := range frames {
		ln := int(f.Len)
		if ln > can.MaxLen {
			return total, fmt.Errorf("cannelloni encode: %w (%d)", ErrInvalidLength, ln)
		}
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		hdr[4] = byte(ln)
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if ln > 0 {
			n, err = w.Write(f.Data[:ln])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [frameOverhead]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode length: %w", ErrTruncatedFrame)
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F) // high bit reserved (CAN FD marker on some gateways)
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}
