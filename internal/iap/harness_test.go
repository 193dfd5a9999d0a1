package iap

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/events"
	"github.com/kstaniek/go-can-iap/internal/flash"
	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/transport"
	"github.com/stretchr/testify/require"
)

const (
	slaveAddr can.Addr = 2
	flashBase          = 0x08000000
	fwOrigin           = flashBase + 0x4000
	fwSize             = 0x2000
	bkOrigin           = flashBase + 0x8000
	bkSize             = 0x2000
)

type write struct {
	addr uint32
	n    int
}

// recordingFlash wraps a memory device and records program writes.
type recordingFlash struct {
	*flash.Device
	writes []write
	err    error
}

func (r *recordingFlash) WriteBlock(addr uint32, p []byte) error {
	if r.err != nil {
		return r.err
	}
	r.writes = append(r.writes, write{addr, len(p)})
	return r.Device.WriteBlock(addr, p)
}

type recordingParts struct {
	*flash.Table
	erased []flash.ID
	copies [][2]flash.ID
}

func (r *recordingParts) Erase(id flash.ID) error {
	r.erased = append(r.erased, id)
	return r.Table.Erase(id)
}

func (r *recordingParts) Copy(dst, src flash.ID) error {
	r.copies = append(r.copies, [2]flash.ID{dst, src})
	return r.Table.Copy(dst, src)
}

// captureMailbox completes every frame immediately and keeps it.
type captureMailbox struct {
	mu   sync.Mutex
	sent []can.Frame
}

func (c *captureMailbox) Transmit(fr can.Frame) (int, error) {
	c.mu.Lock()
	c.sent = append(c.sent, fr)
	c.mu.Unlock()
	return 0, nil
}

func (c *captureMailbox) TxStatus(int) transport.TxStatus { return transport.TxOK }

type eventLog struct{ kinds []events.Kind }

func (e *eventLog) Publish(ev events.Event) { e.kinds = append(e.kinds, ev.Kind) }

type harness struct {
	t       *testing.T
	s       *Slave
	dev     *flash.Device
	fl      *recordingFlash
	parts   *recordingParts
	cookies *flash.MemCookies
	mb      *captureMailbox
	events  *eventLog
	resets  int
}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	dev := flash.NewMemory(flashBase, 0x10000)
	tbl, err := flash.NewTable(dev,
		flash.Partition{Origin: fwOrigin, Size: fwSize},
		flash.Partition{Origin: bkOrigin, Size: bkSize},
	)
	require.NoError(t, err)
	h := &harness{
		t:       t,
		dev:     dev,
		fl:      &recordingFlash{Device: dev},
		parts:   &recordingParts{Table: tbl},
		cookies: &flash.MemCookies{},
		mb:      &captureMailbox{},
		events:  &eventLog{},
	}
	h.s, err = New(slaveAddr, h.mb, Config{
		Flash:      h.fl,
		Partitions: h.parts,
		Cookies:    h.cookies,
		Reset:      func() { h.resets++ },
		Events:     h.events,
		Logger:     logging.Discard(),
		Mode:       mode,
	})
	require.NoError(t, err)
	return h
}

// send delivers a master request and runs the handlers it triggers.
func (h *harness) send(cmd can.Command, payload ...byte) {
	h.t.Helper()
	h.s.ProcessRx(can.NewFrame(can.ID(slaveAddr, can.MasterAddr, cmd), payload))
	require.Equal(h.t, 1, h.s.Proto().DispatchPending())
}

func (h *harness) sendLength(n uint32) {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], n)
	h.send(can.DataLen, b[:]...)
}

func (h *harness) sendChunks(image []byte) {
	for off := 0; off < len(image); off += ChunkSize {
		h.send(can.DataChunk, image[off:off+ChunkSize]...)
	}
}

// responses drains transmitted frames.
func (h *harness) responses() []can.Frame {
	h.mb.mu.Lock()
	defer h.mb.mu.Unlock()
	out := h.mb.sent
	h.mb.sent = nil
	for _, fr := range out {
		require.Equal(h.t, can.MasterAddr, can.Dst(fr.ID()), "responses go to the master")
		require.Equal(h.t, slaveAddr, can.Src(fr.ID()))
	}
	return out
}

func (h *harness) responseCodes() []can.Command {
	var out []can.Command
	for _, fr := range h.responses() {
		out = append(out, can.Cmd(fr.ID()))
	}
	return out
}

func (h *harness) startSession(length uint32) {
	h.t.Helper()
	h.send(can.ModeUpdateStartRq)
	h.send(can.DataStartRq)
	h.sendLength(length)
	h.responses()
}

func (h *harness) read(addr uint32, n int) []byte {
	b := make([]byte, n)
	_, err := h.dev.ReadAt(b, int64(addr))
	require.NoError(h.t, err)
	return b
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}
	return b
}
