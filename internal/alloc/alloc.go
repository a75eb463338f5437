// Package alloc implements the per-compute-unit memory allocator: a bump
// pointer over a bounded region combined with a free map for reuse of
// released blocks.
package alloc

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
)

// Alignment is the minimum block alignment in bytes. Device DMA requires
// 8-byte aligned offsets and sizes.
const Alignment = 8

// DefaultLimit is the managed capacity used when none is configured (64 MiB,
// the MRAM size of one compute unit).
const DefaultLimit = 64 << 20

var (
	// ErrOutOfMemory is returned when a request cannot be satisfied from the
	// free map nor by bumping within the capacity limit.
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrCorrupted is returned when internal bookkeeping produced an offset
	// beyond the managed capacity.
	ErrCorrupted = errors.New("alloc: corrupted state")
)

// AlignUp rounds x up to the next multiple of a. a must be a power of two.
func AlignUp(x, a uint32) uint32 {
	return (x + a - 1) &^ (a - 1)
}

type freeBlock struct {
	off  uint32
	size uint32
}

func lessByOffset(a, b freeBlock) bool { return a.off < b.off }

// Allocator hands out offsets inside one unit's private memory. It is not
// safe for concurrent use; the device manager serializes access.
type Allocator struct {
	cur   uint32
	limit uint32
	free  *btree.BTreeG[freeBlock]
}

// New creates an allocator managing limit bytes. A zero limit selects
// DefaultLimit.
func New(limit uint32) *Allocator {
	if limit == 0 {
		limit = DefaultLimit
	}
	return &Allocator{
		limit: limit,
		free:  btree.NewG(8, lessByOffset),
	}
}

// Limit returns the managed capacity in bytes.
func (a *Allocator) Limit() uint32 { return a.limit }

// Alloc reserves bytes (rounded up to Alignment) and returns the block
// offset. Freed blocks are reused first-fit by ascending offset; otherwise
// the bump pointer advances.
func (a *Allocator) Alloc(bytes uint32) (uint32, error) {
	bytes = AlignUp(bytes, Alignment)

	var hit freeBlock
	found := false
	a.free.Ascend(func(b freeBlock) bool {
		if b.size >= bytes {
			hit = b
			found = true
			return false
		}
		return true
	})
	if found {
		a.free.Delete(hit)
		if rem := hit.size - bytes; rem > 0 {
			a.free.ReplaceOrInsert(freeBlock{off: hit.off + bytes, size: rem})
		}
		if hit.off > a.limit {
			return 0, fmt.Errorf("%w: free map offset %d beyond limit %d", ErrCorrupted, hit.off, a.limit)
		}
		return hit.off, nil
	}

	if a.cur+bytes > a.limit {
		return 0, fmt.Errorf("%w: need %d bytes, %d of %d used", ErrOutOfMemory, bytes, a.cur, a.limit)
	}
	off := a.cur
	a.cur += bytes
	return off, nil
}

// Free returns a block to the free map and coalesces it with adjacent free
// blocks. Out-of-range arguments and double frees are logged and ignored so
// idempotent teardown paths stay harmless.
func (a *Allocator) Free(off, bytes uint32) {
	bytes = AlignUp(bytes, Alignment)

	// bytes is compared against the remaining span so off+bytes cannot wrap
	if off > a.limit || bytes > a.limit-off {
		log.Warn().Uint32("off", off).Uint32("bytes", bytes).Uint32("limit", a.limit).
			Msg("alloc: free outside managed capacity, ignored")
		return
	}
	if _, dup := a.free.Get(freeBlock{off: off}); dup {
		log.Warn().Uint32("off", off).Msg("alloc: double free detected, ignored")
		return
	}

	blk := freeBlock{off: off, size: bytes}

	// merge with the immediately following block
	if next, ok := a.free.Get(freeBlock{off: off + bytes}); ok {
		a.free.Delete(next)
		blk.size += next.size
	}

	// merge with the immediately preceding block
	if off > 0 {
		var prev freeBlock
		havePrev := false
		a.free.DescendLessOrEqual(freeBlock{off: off - 1}, func(b freeBlock) bool {
			prev = b
			havePrev = true
			return false
		})
		if havePrev && prev.off+prev.size == off {
			a.free.Delete(prev)
			blk = freeBlock{off: prev.off, size: prev.size + blk.size}
		}
	}

	a.free.ReplaceOrInsert(blk)
}

// Reset discards all allocation state.
func (a *Allocator) Reset() {
	a.cur = 0
	a.free.Clear(false)
}

// Stats returns the currently allocated byte count and the capacity.
func (a *Allocator) Stats() (used, capacity uint32) {
	freeBytes := uint32(0)
	a.free.Ascend(func(b freeBlock) bool {
		freeBytes += b.size
		return true
	})
	return a.cur - freeBytes, a.limit
}

// FreeBlocks returns the number of blocks in the free map. Exposed for tests
// asserting coalescing behaviour.
func (a *Allocator) FreeBlocks() int { return a.free.Len() }
