package pim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mpokimwaisela/openfhe-pim/internal/alloc"
)

// Block is a contiguous region inside unit memory, replicated at the same
// offset on every unit. Exactly one Vector owns a Block at a time.
type Block struct {
	Off   uint32
	Bytes uint32
}

// Config parameterizes manager construction.
type Config struct {
	// Units is the number of compute units to drive. Must be positive.
	Units int
	// Program names the kernel binary. Loading is deferred until first use.
	Program string
	// MemPerUnit bounds each unit's managed memory in bytes. Zero selects
	// alloc.DefaultLimit.
	MemPerUnit uint32
}

// Counters tracks how many transfer and execution primitives ran. Tests use
// it to assert that coherence fast paths avoid redundant transfers.
type Counters struct {
	Scatters  uint64
	Gathers   uint64
	ArgPushes uint64
	Execs     uint64
}

// Manager owns the per-unit allocators and the transport to the compute
// units. Construct one explicitly and hand it to every Vector and dispatch
// call; all operations serialize through a single mutex because the
// underlying device connection is not sharable.
type Manager struct {
	mu       sync.Mutex
	dev      Transport
	allocs   []*alloc.Allocator
	program  string
	loaded   bool
	closed   bool
	counters Counters
}

// Init creates a manager backed by the in-process simulator.
func Init(cfg Config) (*Manager, error) {
	if cfg.Units <= 0 {
		return nil, fmt.Errorf("%w: unit count %d", ErrNotInitialized, cfg.Units)
	}
	mem := cfg.MemPerUnit
	if mem == 0 {
		mem = alloc.DefaultLimit
	}
	return NewManager(NewSimDevice(cfg.Units, mem), cfg)
}

// DefaultProgram is the kernel binary name used when Config.Program is empty.
const DefaultProgram = "main.kernel"

// NewManager creates a manager over an existing transport. The transport's
// unit count wins over cfg.Units.
func NewManager(dev Transport, cfg Config) (*Manager, error) {
	units := dev.Units()
	if units == 0 {
		return nil, fmt.Errorf("%w: transport has no units", ErrNotInitialized)
	}
	if cfg.Program == "" {
		cfg.Program = DefaultProgram
	}
	mem := cfg.MemPerUnit
	if mem == 0 {
		mem = alloc.DefaultLimit
	}
	allocs := make([]*alloc.Allocator, units)
	for i := range allocs {
		allocs[i] = alloc.New(mem)
	}
	log.Info().Int("units", units).Str("program", cfg.Program).
		Uint32("mem_per_unit", mem).Msg("pim: manager initialized")
	return &Manager{dev: dev, allocs: allocs, program: cfg.Program}, nil
}

// Units returns the number of active compute units.
func (m *Manager) Units() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	return len(m.allocs)
}

// AllocateUniform reserves bytes (8-byte aligned) on every unit and returns
// one Block. The per-unit offsets are equal by construction because every
// allocator sees the identical allocation sequence.
func (m *Manager) AllocateUniform(bytes uint32) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Block{}, ErrClosed
	}
	if len(m.allocs) == 0 {
		return Block{}, ErrNotInitialized
	}
	bytes = alloc.AlignUp(bytes, alloc.Alignment)
	off, err := m.allocs[0].Alloc(bytes)
	if err != nil {
		return Block{}, err
	}
	for i := 1; i < len(m.allocs); i++ {
		if _, err := m.allocs[i].Alloc(bytes); err != nil {
			return Block{}, fmt.Errorf("pim: unit %d allocation diverged: %w", i, err)
		}
	}
	used, _ := m.allocs[0].Stats()
	allocatedBytes.Set(float64(used))
	return Block{Off: off, Bytes: bytes}, nil
}

// Deallocate releases a Block on every unit. After Close it is a no-op:
// teardown reclaims unit memory wholesale and late Vector releases must not
// touch freed state.
func (m *Manager) Deallocate(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, a := range m.allocs {
		a.Free(b.Off, b.Bytes)
	}
	used, _ := m.allocs[0].Stats()
	allocatedBytes.Set(float64(used))
}

// Scatter copies buffer i into unit i's memory at off.
func (m *Manager) Scatter(perUnit [][]Word, off uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(perUnit) != len(m.allocs) {
		return fmt.Errorf("%w: got %d buffers for %d units", ErrSizeMismatch, len(perUnit), len(m.allocs))
	}
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	if err := m.dev.Scatter(perUnit, off); err != nil {
		return err
	}
	m.counters.Scatters++
	scatterTotal.Inc()
	var n int
	for _, buf := range perUnit {
		n += len(buf) * WordSize
	}
	transferBytes.WithLabelValues("scatter").Add(float64(n))
	return nil
}

// Gather reads bytes from every unit at off into out[unit].
func (m *Manager) Gather(out [][]Word, bytes, off uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(out) != len(m.allocs) {
		return fmt.Errorf("%w: got %d buffers for %d units", ErrSizeMismatch, len(out), len(m.allocs))
	}
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	if err := m.dev.Gather(out, bytes, off); err != nil {
		return err
	}
	m.counters.Gathers++
	gatherTotal.Inc()
	transferBytes.WithLabelValues("gather").Add(float64(int(bytes) * len(out)))
	return nil
}

// PushArgs broadcasts the argument record identically to every unit.
func (m *Manager) PushArgs(a Args) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	if err := m.dev.PushArgs(a.Encode()); err != nil {
		return err
	}
	m.counters.ArgPushes++
	return nil
}

// Exec launches the loaded kernel on every unit and blocks until all units
// complete. Execution failures are fatal to the dispatch; nothing is retried.
func (m *Manager) Exec() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	start := time.Now()
	if err := m.dev.Exec(); err != nil {
		return fmt.Errorf("pim: execution failed: %w", err)
	}
	m.counters.Execs++
	execTotal.Inc()
	execDuration.Observe(time.Since(start).Seconds())
	return nil
}

// MemoryStats returns (used, capacity) for every unit's allocator.
func (m *Manager) MemoryStats() [][2]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make([][2]uint32, len(m.allocs))
	for i, a := range m.allocs {
		used, capacity := a.Stats()
		stats[i] = [2]uint32{used, capacity}
	}
	return stats
}

// ResetMemory clears every unit's allocator. Blocks held by live Vectors
// become dangling; callers reset only between sessions.
func (m *Manager) ResetMemory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.allocs {
		a.Reset()
	}
	allocatedBytes.Set(0)
}

// Stats returns a snapshot of the transfer counters.
func (m *Manager) Stats() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// Close shuts the manager down. Subsequent deallocations become no-ops and
// transfers fail with ErrClosed; Vectors may still be freed safely.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	log.Info().Msg("pim: manager closed")
	return nil
}

// ensureLoaded installs the program on first use. A failed load is reported
// to the caller and retried on the next transfer or execution. Callers hold
// m.mu.
func (m *Manager) ensureLoaded() error {
	if m.loaded || m.program == "" {
		return nil
	}
	if err := m.dev.Load(m.program); err != nil {
		log.Error().Err(err).Str("program", m.program).Msg("pim: program load failed")
		return fmt.Errorf("pim: loading program %q: %w", m.program, err)
	}
	m.loaded = true
	return nil
}
