package pim

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CopyState tracks which side of the host/device boundary holds the newest
// copy of a Vector's data. One state covers the whole vector so the common
// fast paths stay cheap.
type CopyState uint8

const (
	// Clean means host and device agree.
	Clean CopyState = iota
	// HostDirty means the host mirror is newer; the device copy is stale.
	HostDirty
	// DeviceFresh means the device copy is newer; the host mirror is stale.
	DeviceFresh
)

// ChunkAlign is the element granularity of one chunk. Chunk lengths round up
// to this so every per-unit transfer stays DMA-aligned.
const ChunkAlign = 8

// Serializer converts host chunks into device words, one word slice per
// unit, each exactly chunk-length long.
type Serializer[T any] func(shards [][]T) [][]Word

// Deserializer fills host chunks back from gathered device words.
type Deserializer[T any] func(words [][]Word, shards [][]T)

// Vector is a logical sequence of elements partitioned into one chunk per
// compute unit, with a host-side mirror per chunk and a lazy coherence
// protocol between the two. The device allocation is a single Block
// replicated at the same offset on every unit.
type Vector[T any] struct {
	mgr    *Manager
	blk    Block
	shards [][]T
	total  int
	chunk  int
	state  CopyState
	ser    Serializer[T]
	de     Deserializer[T]
}

// NewVector creates a vector of n zero-valued elements.
func NewVector[T any](mgr *Manager, n int) (*Vector[T], error) {
	var zero T
	return NewVectorFill(mgr, n, zero)
}

// NewVectorFill creates a vector of n elements initialized to fill.
func NewVectorFill[T any](mgr *Manager, n int, fill T) (*Vector[T], error) {
	v := &Vector[T]{mgr: mgr, state: HostDirty}
	if err := v.build(n, fill); err != nil {
		return nil, err
	}
	return v, nil
}

// SetCodec installs the serializer/deserializer pair for element types that
// are not the device word. Vectors of Word never need one.
func (v *Vector[T]) SetCodec(s Serializer[T], d Deserializer[T]) {
	v.ser, v.de = s, d
}

// Len returns the number of logical elements.
func (v *Vector[T]) Len() int { return v.total }

// ChunkLen returns the per-unit chunk length in elements.
func (v *Vector[T]) ChunkLen() int { return v.chunk }

// DeviceBlock exposes the device allocation for dispatch builders.
func (v *Vector[T]) DeviceBlock() Block { return v.blk }

// State exposes the coherence state for instrumentation and tests.
func (v *Vector[T]) State() CopyState { return v.state }

// Resize reallocates the vector to n elements filled with fill. Existing
// contents are discarded and the old Block is released.
func (v *Vector[T]) Resize(n int, fill T) error {
	if n == v.total {
		return nil
	}
	return v.build(n, fill)
}

// Clear releases the device allocation and empties the vector.
func (v *Vector[T]) Clear() {
	v.release()
	v.resetEmpty()
}

// Free releases the device allocation. Safe to call more than once and after
// the manager is closed.
func (v *Vector[T]) Free() {
	v.Clear()
}

// Get returns element i, pulling from the device first when the device copy
// is fresher.
func (v *Vector[T]) Get(i int) (T, error) {
	var zero T
	if err := v.Pull(); err != nil {
		return zero, err
	}
	s, idx, err := v.locate(i)
	if err != nil {
		return zero, err
	}
	return v.shards[s][idx], nil
}

// Set writes element i and marks the host mirror dirty.
func (v *Vector[T]) Set(i int, val T) error {
	if err := v.Pull(); err != nil {
		return err
	}
	s, idx, err := v.locate(i)
	if err != nil {
		return err
	}
	v.shards[s][idx] = val
	v.state = HostDirty
	return nil
}

// Swap exchanges elements i and j host-side.
func (v *Vector[T]) Swap(i, j int) error {
	if err := v.Pull(); err != nil {
		return err
	}
	si, ii, err := v.locate(i)
	if err != nil {
		return err
	}
	sj, jj, err := v.locate(j)
	if err != nil {
		return err
	}
	v.shards[si][ii], v.shards[sj][jj] = v.shards[sj][jj], v.shards[si][ii]
	v.state = HostDirty
	return nil
}

// Commit pushes the host mirror into device memory. It is a no-op unless the
// host is dirty, so repeated calls transfer at most once.
func (v *Vector[T]) Commit() error {
	if v.state != HostDirty || v.total == 0 {
		return nil
	}
	words, ok := v.wordShards()
	if !ok {
		if v.ser == nil {
			return ErrNeedsCodec
		}
		words = v.ser(v.shards)
	}
	if err := v.mgr.Scatter(words, v.blk.Off); err != nil {
		return err
	}
	v.state = Clean
	return nil
}

// InvalidateHost marks the device copy as the fresh one without moving any
// data. Called on dispatch outputs; the transfer happens lazily on the next
// host access.
func (v *Vector[T]) InvalidateHost() {
	v.state = DeviceFresh
}

// Pull fetches all chunks from the device when the device copy is fresher.
func (v *Vector[T]) Pull() error {
	if v.state != DeviceFresh || v.total == 0 {
		return nil
	}
	if words, ok := v.wordShards(); ok {
		if err := v.mgr.Gather(words, v.blk.Bytes, v.blk.Off); err != nil {
			return err
		}
	} else {
		if v.de == nil {
			return ErrNeedsCodec
		}
		gathered := make([][]Word, len(v.shards))
		for i := range gathered {
			gathered[i] = make([]Word, v.chunk)
		}
		if err := v.mgr.Gather(gathered, v.blk.Bytes, v.blk.Off); err != nil {
			return err
		}
		v.de(gathered, v.shards)
	}
	v.state = Clean
	return nil
}

// CopyFrom deep-copies src into v through the host: the source is pulled
// fully, v is rebuilt with its own allocation, and host buffers are copied.
// Copies never alias device memory.
func (v *Vector[T]) CopyFrom(src *Vector[T]) error {
	if v == src {
		return nil
	}
	if err := src.Pull(); err != nil {
		return err
	}
	v.ser, v.de = src.ser, src.de
	var zero T
	if err := v.build(src.total, zero); err != nil {
		return err
	}
	for s := range v.shards {
		copy(v.shards[s], src.shards[s])
	}
	v.state = HostDirty
	return nil
}

// TakeFrom moves src's allocation and buffers into v. src is left in the
// valid empty state so a later Free is a no-op.
func (v *Vector[T]) TakeFrom(src *Vector[T]) {
	if v == src {
		return
	}
	v.release()
	v.mgr = src.mgr
	v.blk = src.blk
	v.shards = src.shards
	v.total = src.total
	v.chunk = src.chunk
	v.state = src.state
	v.ser, v.de = src.ser, src.de
	src.resetEmpty()
}

type vectorSnapshot[T any] struct {
	Total  int `cbor:"total"`
	Values []T `cbor:"values"`
}

// Save writes a snapshot of the logical contents, pulling from the device
// first.
func (v *Vector[T]) Save(w io.Writer) error {
	if err := v.Pull(); err != nil {
		return err
	}
	snap := vectorSnapshot[T]{Total: v.total, Values: make([]T, v.total)}
	for i := 0; i < v.total; i++ {
		s, idx, err := v.locate(i)
		if err != nil {
			return err
		}
		snap.Values[i] = v.shards[s][idx]
	}
	return cbor.NewEncoder(w).Encode(snap)
}

// Load replaces the vector contents from a snapshot.
func (v *Vector[T]) Load(r io.Reader) error {
	var snap vectorSnapshot[T]
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return err
	}
	if len(snap.Values) != snap.Total {
		return fmt.Errorf("pim: snapshot holds %d values for total %d", len(snap.Values), snap.Total)
	}
	var zero T
	if snap.Total != v.total {
		if err := v.build(snap.Total, zero); err != nil {
			return err
		}
	}
	for i, val := range snap.Values {
		if err := v.Set(i, val); err != nil {
			return err
		}
	}
	return nil
}

// wordShards returns the host chunks viewed as device words when T is the
// word type itself.
func (v *Vector[T]) wordShards() ([][]Word, bool) {
	words, ok := any(v.shards).([][]Word)
	return words, ok
}

// locate resolves a logical index into (chunk, local index).
func (v *Vector[T]) locate(i int) (int, int, error) {
	if i < 0 || i >= v.total {
		return 0, 0, fmt.Errorf("pim: index %d out of range [0,%d)", i, v.total)
	}
	if len(v.shards) == 0 {
		return 0, 0, ErrNoShards
	}
	s := i / v.chunk
	idx := i % v.chunk
	if s >= len(v.shards) {
		return 0, 0, fmt.Errorf("pim: index %d resolves to chunk %d of %d", i, s, len(v.shards))
	}
	return s, idx, nil
}

// build allocates and partitions the vector for n elements. Any existing
// allocation is released first.
func (v *Vector[T]) build(n int, fill T) error {
	if v.mgr == nil {
		return ErrNotInitialized
	}
	v.release()
	if n == 0 {
		v.resetEmpty()
		return nil
	}
	d := v.mgr.Units()
	if d == 0 {
		return ErrNotInitialized
	}
	chunk := (n + d - 1) / d
	if chunk%ChunkAlign != 0 {
		chunk += ChunkAlign - chunk%ChunkAlign
	}
	blk, err := v.mgr.AllocateUniform(uint32(chunk * WordSize))
	if err != nil {
		return err
	}
	v.blk = blk
	v.total = n
	v.chunk = chunk
	v.shards = make([][]T, d)
	for s := range v.shards {
		v.shards[s] = make([]T, chunk)
		for i := range v.shards[s] {
			v.shards[s][i] = fill
		}
	}
	v.state = HostDirty
	return nil
}

// release returns the device Block if one is held. A closed manager turns
// this into a no-op.
func (v *Vector[T]) release() {
	if v.mgr != nil && v.blk.Bytes > 0 {
		v.mgr.Deallocate(v.blk)
	}
	v.blk = Block{}
}

func (v *Vector[T]) resetEmpty() {
	v.blk = Block{}
	v.shards = nil
	v.total = 0
	v.chunk = 0
	v.state = HostDirty
}
