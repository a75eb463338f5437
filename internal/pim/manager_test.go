package pim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpokimwaisela/openfhe-pim/internal/alloc"
)

// recordingDevice wraps SimDevice and records the call sequence so tests can
// assert lazy program loading.
type recordingDevice struct {
	*SimDevice
	calls []string
}

func (d *recordingDevice) Load(p string) error {
	d.calls = append(d.calls, "load")
	return d.SimDevice.Load(p)
}

func (d *recordingDevice) Scatter(perUnit [][]Word, off uint32) error {
	d.calls = append(d.calls, "scatter")
	return d.SimDevice.Scatter(perUnit, off)
}

func newTestManager(t *testing.T, units int) *Manager {
	t.Helper()
	mgr, err := Init(Config{Units: units, MemPerUnit: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestInitRejectsZeroUnits(t *testing.T) {
	_, err := Init(Config{Units: 0})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestProgramLoadIsLazy(t *testing.T) {
	dev := &recordingDevice{SimDevice: NewSimDevice(2, 1<<16)}
	mgr, err := NewManager(dev, Config{Program: "kernels.bin"})
	require.NoError(t, err)
	require.Empty(t, dev.calls, "init must not load the program")

	_, err = mgr.AllocateUniform(64)
	require.NoError(t, err)
	require.Empty(t, dev.calls, "allocation must not load the program")

	bufs := [][]Word{make([]Word, 8), make([]Word, 8)}
	require.NoError(t, mgr.Scatter(bufs, 0))
	require.Equal(t, []string{"load", "scatter"}, dev.calls)

	// the program is loaded exactly once
	require.NoError(t, mgr.Scatter(bufs, 0))
	require.Equal(t, []string{"load", "scatter", "scatter"}, dev.calls)
}

// brokenLoadDevice fails every program load a fixed number of times.
type brokenLoadDevice struct {
	*SimDevice
	failures int
}

func (d *brokenLoadDevice) Load(p string) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("bad kernel image")
	}
	return d.SimDevice.Load(p)
}

func TestProgramLoadFailurePropagates(t *testing.T) {
	dev := &brokenLoadDevice{SimDevice: NewSimDevice(2, 1<<16), failures: 1}
	mgr, err := NewManager(dev, Config{})
	require.NoError(t, err)

	bufs := [][]Word{make([]Word, 8), make([]Word, 8)}
	err = mgr.Scatter(bufs, 0)
	require.ErrorContains(t, err, "bad kernel image")
	require.ErrorContains(t, err, DefaultProgram)

	// the load is retried once the transport recovers
	require.NoError(t, mgr.Scatter(bufs, 0))
}

func TestAllocateUniform(t *testing.T) {
	mgr := newTestManager(t, 4)

	b1, err := mgr.AllocateUniform(100)
	require.NoError(t, err)
	require.Equal(t, uint32(0), b1.Off)
	require.Equal(t, uint32(104), b1.Bytes, "size must round up to 8")

	b2, err := mgr.AllocateUniform(8)
	require.NoError(t, err)
	require.Equal(t, uint32(104), b2.Off)

	// identical allocation sequences keep every unit's usage equal
	for _, st := range mgr.MemoryStats() {
		require.Equal(t, uint32(112), st[0])
	}

	mgr.Deallocate(b1)
	for _, st := range mgr.MemoryStats() {
		require.Equal(t, uint32(8), st[0])
	}
}

func TestAllocateUniformExhaustion(t *testing.T) {
	mgr, err := Init(Config{Units: 2, MemPerUnit: 64})
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.AllocateUniform(64)
	require.NoError(t, err)
	_, err = mgr.AllocateUniform(8)
	require.ErrorIs(t, err, alloc.ErrOutOfMemory)
}

func TestScatterGatherSizeMismatch(t *testing.T) {
	mgr := newTestManager(t, 2)

	err := mgr.Scatter([][]Word{make([]Word, 4)}, 0)
	require.ErrorIs(t, err, ErrSizeMismatch)

	out := make([][]Word, 3)
	err = mgr.Gather(out, 32, 0)
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestScatterGatherRoundTrip(t *testing.T) {
	mgr := newTestManager(t, 2)

	in := [][]Word{{1, 2, 3, 4}, {5, 6, 7, 8}}
	require.NoError(t, mgr.Scatter(in, 0))

	out := [][]Word{make([]Word, 4), make([]Word, 4)}
	require.NoError(t, mgr.Gather(out, 32, 0))
	require.Equal(t, in, out)
}

func TestClosedManagerIsInert(t *testing.T) {
	mgr, err := Init(Config{Units: 2, MemPerUnit: 1 << 16})
	require.NoError(t, err)

	blk, err := mgr.AllocateUniform(64)
	require.NoError(t, err)

	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close(), "close is idempotent")

	mgr.Deallocate(blk) // must not panic or touch freed state
	require.Zero(t, mgr.Units())

	require.ErrorIs(t, mgr.Exec(), ErrClosed)
	require.ErrorIs(t, mgr.Scatter(nil, 0), ErrClosed)
	_, err = mgr.AllocateUniform(8)
	require.ErrorIs(t, err, ErrClosed)
}

func TestTransferCounters(t *testing.T) {
	mgr := newTestManager(t, 2)

	bufs := [][]Word{make([]Word, 8), make([]Word, 8)}
	require.NoError(t, mgr.Scatter(bufs, 0))
	require.NoError(t, mgr.Gather(bufs, 64, 0))
	require.NoError(t, mgr.PushArgs(NewArgs().Kernel(OpModAdd).A(0, 8).C(0, 8).Mod(17).Build()))
	require.NoError(t, mgr.Exec())

	st := mgr.Stats()
	require.Equal(t, uint64(1), st.Scatters)
	require.Equal(t, uint64(1), st.Gathers)
	require.Equal(t, uint64(1), st.ArgPushes)
	require.Equal(t, uint64(1), st.Execs)
}

func TestResetMemory(t *testing.T) {
	mgr := newTestManager(t, 2)

	_, err := mgr.AllocateUniform(128)
	require.NoError(t, err)
	mgr.ResetMemory()

	blk, err := mgr.AllocateUniform(64)
	require.NoError(t, err)
	require.Equal(t, uint32(0), blk.Off)
}
