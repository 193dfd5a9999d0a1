//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-can-iap/internal/can"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan is only supported on linux")

type Device struct{}

func Open(string, can.Addr, bool) (*Device, error) { return nil, ErrUnsupported }

func (*Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (*Device) WriteFrame(can.Frame) error { return ErrUnsupported }
func (*Device) Close() error               { return nil }
