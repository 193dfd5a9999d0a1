package serial

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

// rxWire builds an adapter-to-host message: ID(4) | PAYLOAD in the envelope.
func rxWire(id uint32, payload []byte) []byte {
	body := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(body[:4], id&can.CAN_EFF_MASK)
	copy(body[4:], payload)
	return envelope(body)
}

func f(id uint32, data ...byte) can.Frame { return can.NewFrame(id, data) }

func TestDecoder_Chunked(t *testing.T) {
	want := []can.Frame{
		f(can.ID(2, 0, can.DataChunk), 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7),
		f(can.ID(2, 0, can.ModeUpdateStartRq)), // DLC 0
		f(0x0123456, 0x9A, 0xBC),
		f(can.ID(0, 2, can.DataSizeAddrRsp), 0, 0x20, 0, 0, 0, 0x40, 0, 0x08),
	}
	var stream []byte
	for _, fr := range want {
		stream = append(stream, rxWire(fr.CANID, fr.Data[:fr.Len])...)
	}

	var dec Decoder
	var got []can.Frame
	sizes := []int{1, 2, 3, 4, 5, 7, 11}
	for pos, i := 0, 0; pos < len(stream); i++ {
		n := min(sizes[i%len(sizes)], len(stream)-pos)
		dec.Feed(stream[pos:pos+n], func(fr can.Frame) { got = append(got, fr) })
		pos += n
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d mismatch\n got  %+v\n want %+v", i, got[i], want[i])
		}
	}
	if dec.Buffered() != 0 {
		t.Fatalf("expected empty decoder, %d bytes left", dec.Buffered())
	}
}

func TestDecoder_ResyncAfterGarbage(t *testing.T) {
	var dec Decoder
	var got []can.Frame
	stream := append([]byte{0x00, 0x2D, 0x11, 0xD4}, rxWire(0x42, []byte{1})...)
	dec.Feed(stream, func(fr can.Frame) { got = append(got, fr) })
	if len(got) != 1 || got[0].ID() != 0x42 {
		t.Fatalf("expected one frame after garbage, got %+v", got)
	}
}

func TestDecoder_MalformedCounted(t *testing.T) {
	before := metrics.Snap().Malformed
	bad := rxWire(0x1, []byte{0xAA})
	bad[len(bad)-1] ^= 0xFF
	tooLong := []byte{pre0, pre1, maxRxLen + 1}

	var dec Decoder
	n := 0
	dec.Feed(append(bad, tooLong...), func(can.Frame) { n++ })
	if n != 0 {
		t.Fatalf("corrupt input produced %d frames", n)
	}
	if after := metrics.Snap().Malformed; after < before+2 {
		t.Fatalf("expected malformed metric +2, before=%d after=%d", before, after)
	}
}

func TestCodec_Encode(t *testing.T) {
	fr := f(can.ID(0, 2, can.DataFlashReadRsp), 1, 2, 3)
	got := Codec{}.Encode(fr)
	body := []byte{insSendExt, flagStd | 3, 0x00, 0x02, 0x30, 0x0F, 1, 2, 3}
	want := envelope(body)
	if !bytes.Equal(got, want) {
		t.Fatalf("encode mismatch\n got  % X\n want % X", got, want)
	}
	var sum byte = pre0 + byte(len(body)+1)
	for _, b := range body {
		sum += b
	}
	if got[len(got)-1] != sum {
		t.Fatalf("checksum 0x%02X, want 0x%02X", got[len(got)-1], sum)
	}
}

func BenchmarkDecoder(b *testing.B) {
	msg := rxWire(can.ID(2, 0, can.DataChunk), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	var dec Decoder
	b.ReportAllocs()
	b.SetBytes(int64(len(msg)))
	for i := 0; i < b.N; i++ {
		dec.Feed(msg, func(can.Frame) {})
	}
}
