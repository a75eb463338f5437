package pim

import (
	"fmt"

	"github.com/mpokimwaisela/openfhe-pim/internal/cache"
	"github.com/mpokimwaisela/openfhe-pim/internal/modular"
)

// Direction selects the transform orientation.
type Direction int

const (
	Forward Direction = iota
	Inverse
)

// twiddleTables caches host-side twiddle factor tables per (N, modulus,
// direction) so repeated transforms rebuild nothing.
var twiddleTables cache.TableCache = cache.NewMapCache()

// Twiddles holds the forward and inverse twiddle factor vectors for one
// (N, modulus) pair, replicated identically on every unit: the full table
// lives at the same offset in every unit's memory so any unit can index it
// locally without cross-unit lookups.
type Twiddles struct {
	N    uint32
	Mod  uint64
	W    *Vector[Word]
	Winv *Vector[Word]
}

// NewTwiddles precomputes and replicates the twiddle tables for transforms
// of size n modulo mod. n must be a power of two, at least ChunkAlign, and
// mod must admit a primitive n-th root of unity.
func NewTwiddles(mgr *Manager, n uint32, mod uint64) (*Twiddles, error) {
	if mgr.Units() == 0 {
		return nil, ErrNotInitialized
	}
	if !modular.IsPowerOfTwo(uint64(n)) || n < ChunkAlign {
		return nil, fmt.Errorf("pim: transform size %d must be a power of two >= %d", n, ChunkAlign)
	}
	fwd, err := twiddleTable(n, mod, false)
	if err != nil {
		return nil, err
	}
	inv, err := twiddleTable(n, mod, true)
	if err != nil {
		return nil, err
	}
	w, err := replicate(mgr, fwd)
	if err != nil {
		return nil, err
	}
	winv, err := replicate(mgr, inv)
	if err != nil {
		w.Free()
		return nil, err
	}
	return &Twiddles{N: n, Mod: mod, W: w, Winv: winv}, nil
}

// Free releases both twiddle vectors.
func (t *Twiddles) Free() {
	if t.W != nil {
		t.W.Free()
	}
	if t.Winv != nil {
		t.Winv.Free()
	}
}

func twiddleTable(n uint32, mod uint64, inverse bool) ([]uint64, error) {
	key := fmt.Sprintf("%d/%d/%t", n, mod, inverse)
	if tbl, ok := twiddleTables.Get(key); ok {
		return tbl, nil
	}
	w := modular.FindRoot(n, mod)
	if w == 0 {
		return nil, fmt.Errorf("pim: modulus %d has no primitive %d-th root of unity", mod, n)
	}
	if inverse {
		w = modular.InvMod(w, mod)
	}
	tbl := make([]uint64, n)
	tbl[0] = 1
	for k := 1; k < int(n); k++ {
		tbl[k] = modular.MulMod(tbl[k-1], w, mod)
	}
	twiddleTables.Put(key, tbl)
	return tbl, nil
}

// replicate builds a vector whose chunk on every unit is the full table.
func replicate(mgr *Manager, tbl []uint64) (*Vector[Word], error) {
	d := mgr.Units()
	v, err := NewVector[Word](mgr, len(tbl)*d)
	if err != nil {
		return nil, err
	}
	if v.chunk != len(tbl) {
		v.Free()
		return nil, fmt.Errorf("pim: table of %d entries does not tile %d units", len(tbl), d)
	}
	for s := range v.shards {
		copy(v.shards[s], tbl)
	}
	v.state = HostDirty
	if err := v.Commit(); err != nil {
		v.Free()
		return nil, err
	}
	return v, nil
}

// NTT runs the distributed transform over vec in place. Forward transforms
// bit-reverse host-side first and then run butterfly stages with doubling
// span; once the span reaches the per-unit chunk length the butterfly
// partners live on other units, so the host exchanges partner halves for
// every unit pair before and after the stage dispatch (the exchange is an
// involution, so re-applying it restores canonical layout around the
// dispatch). Inverse transforms run the stages in opposite span order, fold
// the N^-1 scaling into the last stage dispatch, and bit-reverse afterward.
func NTT(vec *Vector[Word], tw *Twiddles, dir Direction) error {
	n := vec.Len()
	d := 0
	if vec.mgr != nil {
		d = vec.mgr.Units()
	}
	if d == 0 {
		return ErrNotInitialized
	}
	if n == 0 || len(vec.shards) == 0 {
		return ErrNoShards
	}
	if uint32(n) != tw.N {
		return fmt.Errorf("pim: vector length %d does not match twiddle size %d", n, tw.N)
	}
	if n%d != 0 {
		return fmt.Errorf("pim: length %d not divisible by %d units", n, d)
	}
	if !modular.IsPowerOfTwo(uint64(d)) {
		return fmt.Errorf("pim: unit count %d must be a power of two", d)
	}
	l := n / d
	if l != vec.chunk {
		return fmt.Errorf("pim: shard length %d must be a multiple of the chunk alignment %d", l, ChunkAlign)
	}
	logN := modular.Ilog2(uint32(n))

	if dir == Forward {
		if err := bitReverse(vec, logN); err != nil {
			return err
		}
		if err := vec.Commit(); err != nil {
			return err
		}
		span := 1
		for s := uint32(0); s < logN; s++ {
			last := s+1 == logN
			if err := runStage(vec, tw, span, l, d, false, last); err != nil {
				return err
			}
			span <<= 1
		}
		return vec.Commit()
	}

	span := n / 2
	for s := uint32(0); s < logN; s++ {
		last := span == 1
		if err := runStage(vec, tw, span, l, d, true, last); err != nil {
			return err
		}
		span >>= 1
	}
	if err := bitReverse(vec, logN); err != nil {
		return err
	}
	return vec.Commit()
}

// runStage dispatches one butterfly stage, bracketing it with the host-side
// cross-unit exchange when the span spills past a single chunk.
func runStage(vec *Vector[Word], tw *Twiddles, span, l, d int, inverse, last bool) error {
	cross := span >= l
	if cross {
		if err := exchangeHalves(vec, span, l, d); err != nil {
			return err
		}
	}
	if err := launchStage(vec, tw, span, inverse, last); err != nil {
		return err
	}
	if cross {
		if err := exchangeHalves(vec, span, l, d); err != nil {
			return err
		}
	}
	return nil
}

func launchStage(vec *Vector[Word], tw *Twiddles, span int, inverse, last bool) error {
	table := tw.W
	flags := uint32(0)
	if inverse {
		table = tw.Winv
		flags |= NTTFlagInverse
	}
	if last {
		flags |= NTTFlagLast
	}
	scalar := uint64(0)
	if inverse && last {
		scalar = modular.InvMod(uint64(vec.Len()), tw.Mod)
		if scalar == 0 {
			return fmt.Errorf("pim: %d is not invertible modulo %d", vec.Len(), tw.Mod)
		}
	}
	step := uint32(vec.Len() / (2 * span))
	args := NewArgs().
		A(vec.blk.Off, uint32(vec.chunk)).
		B(table.blk.Off, tw.N).
		Kernel(OpNTTStage).
		Mod(tw.Mod).
		Scalar(scalar).
		ModFactor(uint32(span)).
		InFactor(step).
		OutFactor(flags).
		Build()
	return Run(vec.mgr, args, []Operand{vec, table}, []Operand{vec})
}

// exchangeHalves swaps, for every unordered unit pair (u, u^(span/l)), the
// upper half of the lower unit's chunk with the lower half of the upper
// unit's chunk. Each unit then holds both elements of every butterfly it
// must compute for the given span.
func exchangeHalves(vec *Vector[Word], span, l, d int) error {
	pb := span / l
	for u := 0; u < d; u++ {
		if u&pb != 0 {
			continue
		}
		p := u | pb
		if p >= d {
			return fmt.Errorf("pim: partner %d beyond %d units for span %d", p, d, span)
		}
		for j := 0; j < l/2; j++ {
			if err := vec.Swap(u*l+l/2+j, p*l+j); err != nil {
				return err
			}
		}
	}
	return nil
}

// bitReverse applies the bit-reversal permutation host-side.
func bitReverse(vec *Vector[Word], logN uint32) error {
	n := vec.Len()
	for i := 0; i < n; i++ {
		j := int(modular.BitRev(uint32(i), logN))
		if j > i {
			if err := vec.Swap(i, j); err != nil {
				return err
			}
		}
	}
	return nil
}
