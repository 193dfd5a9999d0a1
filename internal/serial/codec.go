// Package serial talks to a USB/UART CAN adapter that wraps frames in a small
// checksummed envelope:
//
//	2D D4 LEN BODY... SUM     LEN = len(BODY)+1, SUM = 0x2D + LEN + sum(BODY)
//
// Host to adapter BODY is INS(0x02) FLAGS(0x80|dlc) ID(4, big endian) DATA.
// Adapter to host BODY is ID(4, big endian) DATA; every received frame is extended.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt = 0x02
	flagStd    = 0x80

	// LEN bounds on the receive side: ID(4) + DATA(0..8) + SUM(1).
	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + can.MaxLen + 1

	compactMin = 1024
)

// envelope wraps body as an adapter message.
func envelope(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, pre0, pre1, byte(len(body)+1))
	sum := byte(pre0) + byte(len(body)+1)
	for _, b := range body {
		sum += b
	}
	out = append(out, body...)
	return append(out, sum)
}

// Codec encodes frames for transmission.
type Codec struct{}

// Encode builds the adapter send command for an extended frame.
func (Codec) Encode(f can.Frame) []byte {
	n := min(f.Len, can.MaxLen)
	var body [6 + can.MaxLen]byte
	body[0] = insSendExt
	body[1] = flagStd | n
	binary.BigEndian.PutUint32(body[2:6], f.ID())
	copy(body[6:], f.Data[:n])
	return envelope(body[:6+n])
}

// Decoder reassembles received frames from arbitrary read boundaries and
// resynchronizes on the preamble after garbage or checksum errors.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends p and emits every complete frame via out.
func (d *Decoder) Feed(p []byte, out func(can.Frame)) {
	d.buf.Write(p)
	d.decode(out)
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return d.buf.Len() }

func (d *Decoder) decode(out func(can.Frame)) {
	header := []byte{pre0, pre1}
	for {
		compact(&d.buf)
		data := d.buf.Bytes()
		if len(data) < 3 {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// Keep the last byte: it may be the first half of a preamble.
			last := data[len(data)-1]
			d.buf.Reset()
			if last == pre0 {
				_ = d.buf.WriteByte(last)
			}
			return
		}
		if i > 0 {
			d.buf.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return
		}
		sum := byte(pre0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7])
		out(can.NewFrame(id, data[7:total-1]))
		d.buf.Next(total)
	}
}

// compact drops the consumed prefix once the buffer is mostly slack.
func compact(b *bytes.Buffer) {
	data := b.Bytes()
	if cap(data) < compactMin || len(data)*4 >= cap(data) {
		return
	}
	clone := append([]byte(nil), data...)
	b.Reset()
	_, _ = b.Write(clone)
}
