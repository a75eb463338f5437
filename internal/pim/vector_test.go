package pim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorPartitioning(t *testing.T) {
	mgr := newTestManager(t, 4)

	v, err := NewVector[Word](mgr, 100)
	require.NoError(t, err)
	defer v.Free()

	// ceil(100/4) = 25, rounded up to the 8-element chunk granularity
	require.Equal(t, 100, v.Len())
	require.Equal(t, 32, v.ChunkLen())
	require.Equal(t, uint32(32*WordSize), v.DeviceBlock().Bytes)

	// element i lives at chunk i/32, local slot i%32
	require.NoError(t, v.Set(70, 7))
	require.Equal(t, Word(7), v.shards[2][6])
}

func TestVectorFill(t *testing.T) {
	mgr := newTestManager(t, 2)

	v, err := NewVectorFill[Word](mgr, 20, 9)
	require.NoError(t, err)
	defer v.Free()

	for i := 0; i < 20; i++ {
		got, err := v.Get(i)
		require.NoError(t, err)
		require.Equal(t, Word(9), got)
	}

	_, err = v.Get(20)
	require.Error(t, err)
	_, err = v.Get(-1)
	require.Error(t, err)
}

func TestVectorCoherence(t *testing.T) {
	mgr := newTestManager(t, 2)

	v, err := NewVector[Word](mgr, 16)
	require.NoError(t, err)
	defer v.Free()
	require.Equal(t, HostDirty, v.State())

	for i := 0; i < 16; i++ {
		require.NoError(t, v.Set(i, Word(i*i)))
	}

	require.NoError(t, v.Commit())
	require.Equal(t, Clean, v.State())
	scatters := mgr.Stats().Scatters

	// committing a clean vector must not transfer again
	require.NoError(t, v.Commit())
	require.Equal(t, scatters, mgr.Stats().Scatters)

	v.InvalidateHost()
	require.Equal(t, DeviceFresh, v.State())

	// first access pulls, later accesses reuse the mirror
	got, err := v.Get(5)
	require.NoError(t, err)
	require.Equal(t, Word(25), got)
	require.Equal(t, Clean, v.State())
	gathers := mgr.Stats().Gathers

	_, err = v.Get(9)
	require.NoError(t, err)
	require.Equal(t, gathers, mgr.Stats().Gathers)

	// writing makes the host side authoritative again
	require.NoError(t, v.Set(0, 1))
	require.Equal(t, HostDirty, v.State())
}

func TestVectorSwap(t *testing.T) {
	mgr := newTestManager(t, 2)

	v, err := NewVector[Word](mgr, 16)
	require.NoError(t, err)
	defer v.Free()

	require.NoError(t, v.Set(1, 11))
	require.NoError(t, v.Set(12, 22))
	require.NoError(t, v.Swap(1, 12))

	got, _ := v.Get(1)
	require.Equal(t, Word(22), got)
	got, _ = v.Get(12)
	require.Equal(t, Word(11), got)
}

func TestVectorResizeAndClear(t *testing.T) {
	mgr := newTestManager(t, 2)

	v, err := NewVector[Word](mgr, 16)
	require.NoError(t, err)

	blk := v.DeviceBlock()
	require.NoError(t, v.Resize(64, 3))
	require.Equal(t, 64, v.Len())
	got, err := v.Get(63)
	require.NoError(t, err)
	require.Equal(t, Word(3), got)

	// the old block was returned; a fresh allocation reuses its offset
	w, err := NewVector[Word](mgr, 16)
	require.NoError(t, err)
	require.Equal(t, blk.Off, w.DeviceBlock().Off)
	w.Free()

	v.Clear()
	require.Zero(t, v.Len())
	v.Free() // safe after Clear
}

func TestVectorCopyFrom(t *testing.T) {
	mgr := newTestManager(t, 2)

	src, err := NewVector[Word](mgr, 16)
	require.NoError(t, err)
	defer src.Free()
	for i := 0; i < 16; i++ {
		require.NoError(t, src.Set(i, Word(i+1)))
	}

	dst := &Vector[Word]{mgr: mgr}
	require.NoError(t, dst.CopyFrom(src))
	defer dst.Free()

	require.NotEqual(t, src.DeviceBlock().Off, dst.DeviceBlock().Off)
	require.NoError(t, src.Set(0, 99))
	got, err := dst.Get(0)
	require.NoError(t, err)
	require.Equal(t, Word(1), got, "copy must not alias the source")
}

func TestVectorTakeFrom(t *testing.T) {
	mgr := newTestManager(t, 2)

	src, err := NewVectorFill[Word](mgr, 16, 4)
	require.NoError(t, err)
	blk := src.DeviceBlock()

	var dst Vector[Word]
	dst.TakeFrom(src)
	defer dst.Free()

	require.Equal(t, blk, dst.DeviceBlock())
	require.Equal(t, 16, dst.Len())
	require.Zero(t, src.Len())
	src.Free() // moved-from source frees nothing

	got, err := dst.Get(3)
	require.NoError(t, err)
	require.Equal(t, Word(4), got)
}

func TestVectorCodec(t *testing.T) {
	mgr := newTestManager(t, 2)

	v, err := NewVector[uint32](mgr, 16)
	require.NoError(t, err)
	defer v.Free()
	require.NoError(t, v.Set(7, 42))

	// a non-word element type cannot cross the boundary without a codec
	require.ErrorIs(t, v.Commit(), ErrNeedsCodec)

	v.SetCodec(
		func(shards [][]uint32) [][]Word {
			words := make([][]Word, len(shards))
			for s, sh := range shards {
				words[s] = make([]Word, len(sh))
				for i, x := range sh {
					words[s][i] = Word(x)
				}
			}
			return words
		},
		func(words [][]Word, shards [][]uint32) {
			for s, ws := range words {
				for i, w := range ws {
					shards[s][i] = uint32(w)
				}
			}
		},
	)

	require.NoError(t, v.Commit())
	v.InvalidateHost()
	got, err := v.Get(7)
	require.NoError(t, err)
	require.Equal(t, uint32(42), got)
}

func TestVectorSnapshotRoundTrip(t *testing.T) {
	mgr := newTestManager(t, 2)

	v, err := NewVector[Word](mgr, 24)
	require.NoError(t, err)
	defer v.Free()
	for i := 0; i < 24; i++ {
		require.NoError(t, v.Set(i, Word(i*3)))
	}

	var buf bytes.Buffer
	require.NoError(t, v.Save(&buf))

	restored, err := NewVector[Word](mgr, 1)
	require.NoError(t, err)
	defer restored.Free()
	require.NoError(t, restored.Load(&buf))

	require.Equal(t, 24, restored.Len())
	for i := 0; i < 24; i++ {
		got, err := restored.Get(i)
		require.NoError(t, err)
		require.Equal(t, Word(i*3), got)
	}
}

func TestVectorFreeAfterManagerClose(t *testing.T) {
	mgr, err := Init(Config{Units: 2, MemPerUnit: 1 << 16})
	require.NoError(t, err)

	v, err := NewVector[Word](mgr, 16)
	require.NoError(t, err)

	require.NoError(t, mgr.Close())
	v.Free() // must not panic
}
