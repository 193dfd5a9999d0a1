package flash

import "fmt"

// ID names a partition.
type ID int

const (
	Firmware ID = iota
	Backup
)

func (id ID) String() string {
	switch id {
	case Firmware:
		return "firmware"
	case Backup:
		return "backup"
	}
	return fmt.Sprintf("partition(%d)", int(id))
}

// Partition is an address range inside the device.
type Partition struct {
	Origin uint32
	Size   uint32
}

func (p Partition) end() uint64 { return uint64(p.Origin) + uint64(p.Size) }

// Table maps partition ids to ranges of one device.
type Table struct {
	dev   *Device
	parts map[ID]Partition
}

// NewTable validates that firmware and backup fit the device and do not overlap.
func NewTable(dev *Device, firmware, backup Partition) (*Table, error) {
	t := &Table{dev: dev, parts: map[ID]Partition{Firmware: firmware, Backup: backup}}
	for id, p := range t.parts {
		if p.Size == 0 {
			return nil, fmt.Errorf("%s partition: empty", id)
		}
		if _, err := dev.span(p.Origin, int(p.Size)); err != nil {
			return nil, fmt.Errorf("%s partition: %w", id, err)
		}
	}
	if uint64(firmware.Origin) < backup.end() && uint64(backup.Origin) < firmware.end() {
		return nil, fmt.Errorf("%w: firmware 0x%08x+%d, backup 0x%08x+%d",
			ErrOverlap, firmware.Origin, firmware.Size, backup.Origin, backup.Size)
	}
	return t, nil
}

// Get returns the range of a partition.
func (t *Table) Get(id ID) (Partition, error) {
	p, ok := t.parts[id]
	if !ok {
		return Partition{}, fmt.Errorf("%w: %s", ErrUnknownPartition, id)
	}
	return p, nil
}

// Origin returns the start address of a partition, 0 if unknown.
func (t *Table) Origin(id ID) uint32 { return t.parts[id].Origin }

// Size returns the size of a partition, 0 if unknown.
func (t *Table) Size(id ID) uint32 { return t.parts[id].Size }

// Erase erases a whole partition.
func (t *Table) Erase(id ID) error {
	p, err := t.Get(id)
	if err != nil {
		return err
	}
	return t.dev.EraseRange(p.Origin, p.Size)
}

// Copy replaces dst with the contents of src. When sizes differ the shorter
// length is copied and the remainder of dst is erased.
func (t *Table) Copy(dst, src ID) error {
	d, err := t.Get(dst)
	if err != nil {
		return err
	}
	s, err := t.Get(src)
	if err != nil {
		return err
	}
	n := min(d.Size, s.Size)
	if err := t.dev.copyRange(d.Origin, s.Origin, n); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if d.Size > n {
		return t.dev.EraseRange(d.Origin+n, d.Size-n)
	}
	return nil
}
