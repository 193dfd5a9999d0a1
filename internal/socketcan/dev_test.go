package socketcan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/metrics"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

func TestFrameLayout(t *testing.T) {
	fr := can.NewFrame(can.ID(0, 4, can.DataSizeAddrRsp), []byte{0, 0x20, 0, 0, 0, 0x40, 0, 0x08})
	var buf [frameSize]byte
	marshalFrame(fr, &buf)
	require.Equal(t, []byte{0x11, 0x30, 0x04, 0x80}, buf[0:4], "little-endian can_id with EFF flag")
	require.Equal(t, byte(8), buf[4])
	require.Equal(t, []byte{0, 0, 0}, buf[5:8])

	var got can.Frame
	require.NoError(t, unmarshalFrame(buf[:], &got))
	require.Equal(t, fr, got)
}

func TestUnmarshalFrame_ClampsDLC(t *testing.T) {
	var buf [frameSize]byte
	buf[4] = 15
	for i := 8; i < frameSize; i++ {
		buf[i] = byte(i)
	}
	var fr can.Frame
	require.NoError(t, unmarshalFrame(buf[:], &fr))
	require.Equal(t, uint8(can.MaxLen), fr.Len)

	require.Error(t, unmarshalFrame(buf[:9], &fr))
}

func TestAddrFilter(t *testing.T) {
	id, mask := addrFilter(5)
	match := func(canid uint32) bool { return canid&mask == id&mask }
	require.True(t, match(can.NewFrame(can.ID(5, 0, can.DataChunk), nil).CANID))
	require.False(t, match(can.NewFrame(can.ID(6, 0, can.DataChunk), nil).CANID))
	require.False(t, match(can.ID(5, 0, can.DataChunk)), "standard frames are not accepted")
	require.False(t, match(can.NewFrame(can.ID(5, 0, can.DataChunk), nil).CANID|can.CAN_RTR_FLAG))
}

type fakeDev struct {
	wrote chan can.Frame
	err   error
}

func (d *fakeDev) ReadFrame(*can.Frame) error { return errors.New("not used") }
func (d *fakeDev) WriteFrame(fr can.Frame) error {
	if d.err != nil {
		return d.err
	}
	d.wrote <- fr
	return nil
}
func (d *fakeDev) Close() error { return nil }

func TestNewMailboxes(t *testing.T) {
	dev := &fakeDev{wrote: make(chan can.Frame, 1)}
	m := NewMailboxes(context.Background(), dev, transport.DefaultMailboxes)
	defer m.Close()
	fr := can.NewFrame(can.ID(0, 1, can.ModeVerifyRsp), nil)
	_, err := m.Transmit(fr)
	require.NoError(t, err)
	select {
	case got := <-dev.wrote:
		require.Equal(t, fr, got)
	case <-time.After(time.Second):
		t.Fatal("frame not written")
	}
}

func TestNewMailboxes_WriteErrorCounted(t *testing.T) {
	dev := &fakeDev{err: errors.New("ENOBUFS")}
	m := NewMailboxes(context.Background(), dev, 1)
	defer m.Close()
	before := metrics.Snap().Errors
	mb, err := m.Transmit(can.Frame{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.TxStatus(mb) == transport.TxFailed }, time.Second, time.Millisecond)
	require.Greater(t, metrics.Snap().Errors, before)
}
