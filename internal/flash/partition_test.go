package flash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) (*Device, *Table) {
	t.Helper()
	d := NewMemory(testBase, 0x4000)
	tbl, err := NewTable(d,
		Partition{Origin: testBase + 0x1000, Size: 0x1000},
		Partition{Origin: testBase + 0x2000, Size: 0x1000},
	)
	require.NoError(t, err)
	return d, tbl
}

func TestTable_Lookup(t *testing.T) {
	_, tbl := newTestTable(t)
	require.Equal(t, uint32(testBase+0x1000), tbl.Origin(Firmware))
	require.Equal(t, uint32(0x1000), tbl.Size(Backup))
	_, err := tbl.Get(ID(7))
	require.ErrorIs(t, err, ErrUnknownPartition)
	require.Zero(t, tbl.Origin(ID(7)))
}

func TestNewTable_Validation(t *testing.T) {
	d := NewMemory(testBase, 0x4000)
	_, err := NewTable(d,
		Partition{Origin: testBase, Size: 0x2000},
		Partition{Origin: testBase + 0x1000, Size: 0x1000},
	)
	require.ErrorIs(t, err, ErrOverlap)

	_, err = NewTable(d,
		Partition{Origin: testBase, Size: 0x1000},
		Partition{Origin: testBase + 0x3800, Size: 0x1000},
	)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = NewTable(d, Partition{Origin: testBase}, Partition{Origin: testBase + 0x1000, Size: 1})
	require.Error(t, err)
}

func TestTable_EraseAndCopy(t *testing.T) {
	d, tbl := newTestTable(t)
	d.Unlock()
	backup := make([]byte, 0x1000)
	for i := range backup {
		backup[i] = byte(i)
	}
	require.NoError(t, d.WriteBlock(tbl.Origin(Backup), backup))
	require.NoError(t, d.WriteBlock(tbl.Origin(Firmware), []byte{0, 0, 0, 0}))
	d.Lock()

	// Copy works while locked and overwrites previously programmed bytes.
	require.NoError(t, tbl.Copy(Firmware, Backup))
	got := make([]byte, 0x1000)
	_, err := d.ReadAt(got, int64(tbl.Origin(Firmware)))
	require.NoError(t, err)
	require.Equal(t, backup, got)

	require.NoError(t, tbl.Erase(Firmware))
	_, err = d.ReadAt(got[:8], int64(tbl.Origin(Firmware)))
	require.NoError(t, err)
	require.Equal(t, []byte{Erased, Erased, Erased, Erased, Erased, Erased, Erased, Erased}, got[:8])
}

func TestTable_CopyShorterSourceErasesTail(t *testing.T) {
	d := NewMemory(testBase, 0x400)
	tbl, err := NewTable(d,
		Partition{Origin: testBase, Size: 0x200},
		Partition{Origin: testBase + 0x200, Size: 0x100},
	)
	require.NoError(t, err)
	d.Unlock()
	require.NoError(t, d.WriteBlock(testBase+0x1ff, []byte{0}))
	require.NoError(t, tbl.Copy(Firmware, Backup))
	b := make([]byte, 1)
	_, _ = d.ReadAt(b, testBase+0x1ff)
	require.Equal(t, byte(Erased), b[0])
}
