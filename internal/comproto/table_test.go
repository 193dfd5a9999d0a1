package comproto

import (
	"testing"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/stretchr/testify/require"
)

func TestTable_DispatchInvokesOnlyPairedHandler(t *testing.T) {
	codes := []can.Command{can.ModeChangeRq, can.ModeRebootRq, can.DataChunk, can.DataLen, can.DataFinishRq}
	calls := make(map[can.Command]int)
	var entries []Entry
	for _, c := range codes {
		c := c
		entries = append(entries, Entry{Code: c, Handler: func() { calls[c]++ }})
	}
	tbl, err := NewTable(entries...)
	require.NoError(t, err)
	require.Equal(t, len(codes), tbl.Len())
	require.Equal(t, codes, tbl.Codes())

	for i, c := range codes {
		require.True(t, tbl.Dispatch(c))
		for j, other := range codes {
			want := 0
			if j <= i {
				want = 1
			}
			require.Equal(t, want, calls[other], "after dispatching %s, calls for %s", c, other)
		}
	}
	require.False(t, tbl.Dispatch(can.ModeRollbackRq))
	require.Len(t, calls, len(codes))
}

func TestNewTable_RejectsDuplicates(t *testing.T) {
	h := func() {}
	_, err := NewTable(Entry{can.ModeChangeRq, h}, Entry{can.ModeChangeRq, h})
	require.ErrorIs(t, err, ErrDuplicateCommand)
}

func TestNewTable_RejectsNilHandler(t *testing.T) {
	_, err := NewTable(Entry{Code: can.ModeChangeRq})
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestNewTable_Capacity(t *testing.T) {
	entries := make([]Entry, 0, MaxHandlers+1)
	for i := 0; i < MaxHandlers; i++ {
		entries = append(entries, Entry{Code: can.Command(0x100 + i), Handler: func() {}})
	}
	tbl, err := NewTable(entries...)
	require.NoError(t, err)
	require.Equal(t, MaxHandlers, tbl.Len())

	entries = append(entries, Entry{Code: 0x0fff, Handler: func() {}})
	_, err = NewTable(entries...)
	require.ErrorIs(t, err, ErrTableFull)
}
