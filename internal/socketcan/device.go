//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-iap/internal/can"
)

type Device struct {
	fd int
}

// Open binds a raw CAN socket on iface. When filter is true the kernel only
// delivers extended frames addressed to addr.
func Open(iface string, addr can.Addr, filter bool) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if filter {
		id, mask := addrFilter(addr)
		flt := []unix.CanFilter{{Id: id, Mask: mask}}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, flt); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set CAN filter: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame blocks until one classic CAN frame arrives.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	return unmarshalFrame(buf[:n], fr)
}

// WriteFrame writes one classic CAN frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [frameSize]byte
	marshalFrame(fr, &buf)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
