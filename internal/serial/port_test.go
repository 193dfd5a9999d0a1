package serial

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// fakePort returns queued reads one at a time and records writes.
type fakePort struct {
	mu     sync.Mutex
	reads  [][]byte
	err    error
	writes [][]byte
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reads) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		return 0, io.EOF
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error { return nil }

func TestDevice_ReadFrame(t *testing.T) {
	a := rxWire(can.ID(3, 0, can.DataLen), []byte{0x00, 0x04})
	b := rxWire(can.ID(3, 0, can.DataFinishRq), nil)
	port := &fakePort{reads: [][]byte{a[:5], append(a[5:], b...)}}
	dev := NewDevice(port)

	var fr can.Frame
	if err := dev.ReadFrame(&fr); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("partial read: expected ErrNoFrame, got %v", err)
	}
	if err := dev.ReadFrame(&fr); err != nil || can.Cmd(fr.ID()) != can.DataLen {
		t.Fatalf("first frame: %v %+v", err, fr)
	}
	if err := dev.ReadFrame(&fr); err != nil || can.Cmd(fr.ID()) != can.DataFinishRq {
		t.Fatalf("second frame from pending queue: %v %+v", err, fr)
	}
	if err := dev.ReadFrame(&fr); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("idle read: expected ErrNoFrame, got %v", err)
	}
	port.err = errors.New("unplugged")
	if err := dev.ReadFrame(&fr); err == nil || errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected hard error, got %v", err)
	}
}

func TestMailboxes_WriteThroughDevice(t *testing.T) {
	port := &fakePort{}
	m := NewMailboxes(context.Background(), NewDevice(port), 3)
	defer m.Close()
	fr := can.NewFrame(can.ID(0, 3, can.ModeUpdateStartRsp), nil)
	mb, err := m.Transmit(fr)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for m.TxStatus(mb) == transport.TxPending && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st := m.TxStatus(mb); st != transport.TxOK {
		t.Fatalf("expected ok, got %s", st)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.writes) != 1 || string(port.writes[0]) != string(Codec{}.Encode(fr)) {
		t.Fatalf("unexpected writes % X", port.writes)
	}
}
