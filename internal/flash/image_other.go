//go:build !linux

package flash

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// OpenImage loads a file as the flash array and writes it back on Sync and Close.
func OpenImage(path string, base, size uint32) (*Device, error) {
	mem := make([]byte, size)
	fill(mem)
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read flash image: %w", err)
	}
	copy(mem, b)
	d := &Device{base: base, mem: mem, locked: true}
	d.sync = func() error { return os.WriteFile(path, mem, 0o644) }
	d.close = d.sync
	return d, nil
}
