package ringbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_FIFO(t *testing.T) {
	r := New[uint32](4)
	for _, v := range []uint32{10, 11, 12} {
		require.True(t, r.Put(v))
	}
	require.Equal(t, 3, r.Len())
	for _, want := range []uint32{10, 11, 12} {
		got, ok := r.Get()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := r.Get()
	require.False(t, ok)
}

func TestRing_CapacityRoundsUp(t *testing.T) {
	require.Equal(t, 128, New[int](128).Cap())
	require.Equal(t, 8, New[int](5).Cap())
	require.Equal(t, 1, New[int](0).Cap())
}

func TestRing_OverflowDropsWithoutCorruption(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 4; i++ {
		require.True(t, r.Put(i))
	}
	require.Equal(t, 0, r.Free())
	for i := 0; i < 10; i++ {
		require.False(t, r.Put(100+i), "put into full ring must fail")
	}
	for i := 0; i < 4; i++ {
		v, ok := r.Get()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Equal(t, 0, r.Len())
	require.True(t, r.Put(42), "ring usable again after drain")
}

func TestRing_WrapAround(t *testing.T) {
	r := New[int](4)
	next := 0
	for round := 0; round < 50; round++ {
		require.True(t, r.Put(round*2))
		require.True(t, r.Put(round*2+1))
		for j := 0; j < 2; j++ {
			v, ok := r.Get()
			require.True(t, ok)
			require.Equal(t, next, v)
			next++
		}
	}
}

func TestRing_ConcurrentSPSC(t *testing.T) {
	const n = 100000
	r := New[int](64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Put(i) {
				i++
			}
		}
	}()
	for want := 0; want < n; {
		v, ok := r.Get()
		if !ok {
			continue
		}
		if v != want {
			t.Fatalf("out of order: got %d want %d", v, want)
		}
		want++
	}
	wg.Wait()
}
