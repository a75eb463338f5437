package pim

import "fmt"

// Operand is the slice of the Vector surface the dispatch pipeline needs:
// inputs are committed before launch, outputs invalidated after.
type Operand interface {
	Commit() error
	InvalidateHost()
}

// Run performs one kernel dispatch: commit all inputs, broadcast the
// argument record, execute, then mark outputs device-fresh. This ordering is
// the coherence contract — no execution ever observes stale input data, and
// host reads after the call observe the execution's output via the lazy pull
// on access.
func Run(mgr *Manager, args Args, inputs, outputs []Operand) error {
	for _, in := range inputs {
		if err := in.Commit(); err != nil {
			return fmt.Errorf("pim: commit before %s: %w", args.Kernel, err)
		}
	}
	if err := mgr.PushArgs(args); err != nil {
		return err
	}
	if err := mgr.Exec(); err != nil {
		return err
	}
	for _, out := range outputs {
		out.InvalidateHost()
	}
	return nil
}

func checkOperands[T any](vs ...*Vector[T]) error {
	n := -1
	for _, v := range vs {
		if v.total == 0 || len(v.shards) == 0 {
			return ErrNoShards
		}
		if n == -1 {
			n = v.total
		} else if v.total != n {
			return fmt.Errorf("pim: operand length mismatch: %d vs %d", v.total, n)
		}
	}
	return nil
}

func binaryArgs[T any](op Opcode, a, b, dst *Vector[T], mod, scalar uint64) Args {
	elems := uint32(a.chunk)
	return NewArgs().
		A(a.blk.Off, elems).
		B(b.blk.Off, elems).
		C(dst.blk.Off, elems).
		Kernel(op).
		Mod(mod).
		Scalar(scalar).
		InFactor(1).
		OutFactor(1).
		Build()
}

func unaryArgs[T any](op Opcode, a, dst *Vector[T], mod, scalar uint64) Args {
	elems := uint32(a.chunk)
	return NewArgs().
		A(a.blk.Off, elems).
		C(dst.blk.Off, elems).
		Kernel(op).
		Mod(mod).
		Scalar(scalar).
		InFactor(1).
		OutFactor(1).
		Build()
}

// EltwiseAddMod computes dst[i] = (a[i] + b[i]) mod m.
func EltwiseAddMod[T any](dst, a, b *Vector[T], m uint64) error {
	if err := checkOperands(dst, a, b); err != nil {
		return err
	}
	args := binaryArgs(OpModAdd, a, b, dst, m, 0)
	return Run(dst.mgr, args, []Operand{a, b}, []Operand{dst})
}

// EltwiseAddScalarMod computes dst[i] = (a[i] + scalar) mod m.
func EltwiseAddScalarMod[T any](dst, a *Vector[T], scalar, m uint64) error {
	if err := checkOperands(dst, a); err != nil {
		return err
	}
	args := unaryArgs(OpModAddScalar, a, dst, m, scalar)
	return Run(dst.mgr, args, []Operand{a}, []Operand{dst})
}

// EltwiseSubMod computes dst[i] = (a[i] - b[i]) mod m.
func EltwiseSubMod[T any](dst, a, b *Vector[T], m uint64) error {
	if err := checkOperands(dst, a, b); err != nil {
		return err
	}
	args := binaryArgs(OpModSub, a, b, dst, m, 0)
	return Run(dst.mgr, args, []Operand{a, b}, []Operand{dst})
}

// EltwiseSubScalarMod computes dst[i] = (a[i] - scalar) mod m.
func EltwiseSubScalarMod[T any](dst, a *Vector[T], scalar, m uint64) error {
	if err := checkOperands(dst, a); err != nil {
		return err
	}
	args := unaryArgs(OpModSubScalar, a, dst, m, scalar)
	return Run(dst.mgr, args, []Operand{a}, []Operand{dst})
}

// EltwiseMulMod computes dst[i] = (a[i] * b[i]) mod m.
func EltwiseMulMod[T any](dst, a, b *Vector[T], m uint64) error {
	if err := checkOperands(dst, a, b); err != nil {
		return err
	}
	args := binaryArgs(OpModMul, a, b, dst, m, 0)
	return Run(dst.mgr, args, []Operand{a, b}, []Operand{dst})
}

// EltwiseFMAMod computes dst[i] = (a[i]*scalar + addend[i]) mod m.
func EltwiseFMAMod[T any](dst, a, addend *Vector[T], scalar, m uint64) error {
	if err := checkOperands(dst, a, addend); err != nil {
		return err
	}
	args := binaryArgs(OpFmaMod, a, addend, dst, m, scalar)
	return Run(dst.mgr, args, []Operand{a, addend}, []Operand{dst})
}

// EltwiseScalarMulMod computes dst[i] = (a[i] * scalar) mod m. The absent
// addend operand is signaled by a zero B descriptor.
func EltwiseScalarMulMod[T any](dst, a *Vector[T], scalar, m uint64) error {
	if err := checkOperands(dst, a); err != nil {
		return err
	}
	args := unaryArgs(OpFmaMod, a, dst, m, scalar)
	return Run(dst.mgr, args, []Operand{a}, []Operand{dst})
}

// EltwiseConditionalAdd computes dst[i] = a[i] + diff where a[i] satisfies
// the comparison against bound, dst[i] = a[i] otherwise. No reduction.
func EltwiseConditionalAdd[T any](dst, a *Vector[T], cmp Cmp, bound, diff uint64) error {
	if err := checkOperands(dst, a); err != nil {
		return err
	}
	elems := uint32(a.chunk)
	args := NewArgs().
		A(a.blk.Off, elems).
		C(dst.blk.Off, elems).
		Kernel(OpCmpAdd).
		Scalar(diff).
		Cmp(cmp).
		Bound(bound).
		InFactor(1).
		OutFactor(1).
		Build()
	return Run(dst.mgr, args, []Operand{a}, []Operand{dst})
}

// EltwiseConditionalSubMod computes dst[i] = (a[i] - diff) mod m where a[i]
// satisfies the comparison against bound, dst[i] = a[i] otherwise.
func EltwiseConditionalSubMod[T any](dst, a *Vector[T], m uint64, cmp Cmp, bound, diff uint64) error {
	if err := checkOperands(dst, a); err != nil {
		return err
	}
	elems := uint32(a.chunk)
	args := NewArgs().
		A(a.blk.Off, elems).
		C(dst.blk.Off, elems).
		Kernel(OpCmpSubMod).
		Mod(m).
		Scalar(diff).
		Cmp(cmp).
		Bound(bound).
		InFactor(1).
		OutFactor(1).
		Build()
	return Run(dst.mgr, args, []Operand{a}, []Operand{dst})
}

// EltwiseReduceMod normalizes a[i] from [0, inFactor*m) into
// [0, outFactor*m) by bounded subtraction of m.
func EltwiseReduceMod[T any](dst, a *Vector[T], m uint64, inFactor, outFactor uint32) error {
	if err := checkOperands(dst, a); err != nil {
		return err
	}
	elems := uint32(a.chunk)
	args := NewArgs().
		A(a.blk.Off, elems).
		C(dst.blk.Off, elems).
		Kernel(OpModReduce).
		Mod(m).
		InFactor(inFactor).
		OutFactor(outFactor).
		Build()
	return Run(dst.mgr, args, []Operand{a}, []Operand{dst})
}
