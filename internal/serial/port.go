package serial

import (
	"errors"
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-can-iap/internal/can"
)

// ErrNoFrame is returned by ReadFrame when the read timeout passed without a
// complete frame. Callers retry.
var ErrNoFrame = errors.New("no frame within read timeout")

const readBufSize = 4096

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func OpenPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Device is a CAN adapter on a serial port.
type Device struct {
	port    Port
	codec   Codec
	dec     Decoder
	rbuf    []byte
	pending []can.Frame
}

// NewDevice wraps an open port.
func NewDevice(p Port) *Device {
	return &Device{port: p, rbuf: make([]byte, readBufSize)}
}

// Open opens the serial adapter at name.
func Open(name string, baud int, readTimeout time.Duration) (*Device, error) {
	p, err := OpenPort(name, baud, readTimeout)
	if err != nil {
		return nil, err
	}
	return NewDevice(p), nil
}

// ReadFrame returns the next received frame. It performs at most one port
// read per call and returns ErrNoFrame if that read produced no complete frame.
func (d *Device) ReadFrame(fr *can.Frame) error {
	if d.pop(fr) {
		return nil
	}
	n, err := d.port.Read(d.rbuf)
	if n > 0 {
		d.dec.Feed(d.rbuf[:n], func(f can.Frame) { d.pending = append(d.pending, f) })
	}
	if d.pop(fr) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrNoFrame
	}
	return err
}

func (d *Device) pop(fr *can.Frame) bool {
	if len(d.pending) == 0 {
		return false
	}
	*fr = d.pending[0]
	d.pending = d.pending[1:]
	if len(d.pending) == 0 {
		d.pending = d.pending[:0:0]
	}
	return true
}

// WriteFrame sends one frame to the adapter.
func (d *Device) WriteFrame(fr can.Frame) error {
	_, err := d.port.Write(d.codec.Encode(fr))
	return err
}

func (d *Device) Close() error { return d.port.Close() }
