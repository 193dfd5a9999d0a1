// Package flash emulates the node's program flash: a byte array mapped at a
// base address with NOR write semantics, a partition table on top of it and a
// small persisted flag word ("cookies").
package flash

import (
	"sync"
)

// Erased is the value of an erased flash byte.
const Erased = 0xFF

// Device is a flash array at a fixed base address. Writes clear bits only, as
// on NOR flash, so a location must be erased before it can be rewritten.
// Program writes require Unlock; erase does not.
type Device struct {
	mu     sync.Mutex
	base   uint32
	mem    []byte
	locked bool
	closed bool
	sync   func() error
	close  func() error
}

// NewMemory returns an erased, locked, RAM-backed device.
func NewMemory(base, size uint32) *Device {
	mem := make([]byte, size)
	fill(mem)
	return &Device{base: base, mem: mem, locked: true}
}

func fill(b []byte) {
	for i := range b {
		b[i] = Erased
	}
}

func (d *Device) Base() uint32 { return d.base }
func (d *Device) Size() uint32 { return uint32(len(d.mem)) }

// Unlock enables program writes.
func (d *Device) Unlock() { d.mu.Lock(); d.locked = false; d.mu.Unlock() }

// Lock disables program writes.
func (d *Device) Lock() { d.mu.Lock(); d.locked = true; d.mu.Unlock() }

func (d *Device) Locked() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.locked }

// span converts an absolute address range into an offset into mem.
func (d *Device) span(addr uint32, n int) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if addr < d.base || n < 0 || uint64(addr-d.base)+uint64(n) > uint64(len(d.mem)) {
		return 0, &RangeError{Addr: addr, Len: n, Base: d.base, Size: uint32(len(d.mem))}
	}
	return int(addr - d.base), nil
}

// WriteBlock programs p at addr.
func (d *Device) WriteBlock(addr uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	return d.program(addr, p)
}

func (d *Device) program(addr uint32, p []byte) error {
	off, err := d.span(addr, len(p))
	if err != nil {
		return err
	}
	dst := d.mem[off : off+len(p)]
	for i, b := range p {
		dst[i] &= b
	}
	return nil
}

// ReadAt implements io.ReaderAt; off is an absolute flash address.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off > int64(^uint32(0)) {
		return 0, &RangeError{Addr: uint32(off), Len: len(p), Base: d.base, Size: uint32(len(d.mem))}
	}
	o, err := d.span(uint32(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, d.mem[o:]), nil
}

// EraseRange sets n bytes starting at addr to the erased value.
func (d *Device) EraseRange(addr, n uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.span(addr, int(n))
	if err != nil {
		return err
	}
	fill(d.mem[off : off+int(n)])
	return nil
}

// copyRange erases dst and programs it from src. Both ranges are absolute.
func (d *Device) copyRange(dst, src, n uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	so, err := d.span(src, int(n))
	if err != nil {
		return err
	}
	do, err := d.span(dst, int(n))
	if err != nil {
		return err
	}
	copy(d.mem[do:do+int(n)], d.mem[so:so+int(n)])
	return nil
}

// Sync flushes a file-backed image. It is a no-op for memory devices.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.sync == nil {
		return nil
	}
	return d.sync()
}

// Close releases a file-backed image. Further access fails with ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.close == nil {
		return nil
	}
	return d.close()
}
