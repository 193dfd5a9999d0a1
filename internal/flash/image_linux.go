//go:build linux

package flash

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenImage maps a file as the flash array. A missing or short file is
// extended and the new area is erased. Changes are written back by the kernel;
// Sync forces them out.
func OpenImage(path string, base, size uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash image: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat flash image: %w", err)
	}
	prev := st.Size()
	if prev < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("grow flash image: %w", err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap flash image: %w", err)
	}
	if prev < int64(size) {
		fill(mem[prev:])
	}
	d := &Device{base: base, mem: mem, locked: true}
	d.sync = func() error { return unix.Msync(mem, unix.MS_SYNC) }
	d.close = func() error {
		err := unix.Msync(mem, unix.MS_SYNC)
		if uerr := unix.Munmap(mem); err == nil {
			err = uerr
		}
		return err
	}
	return d, nil
}
