package pim

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies one device kernel. Values are part of the wire contract
// with the compute units and must not be reordered.
type Opcode uint32

const (
	OpModAdd Opcode = iota
	OpModAddScalar
	OpCmpAdd
	OpCmpSubMod
	OpFmaMod
	OpModSub
	OpModSubScalar
	OpModMul
	OpModReduce
	OpNTTStage

	numOpcodes
)

func (op Opcode) String() string {
	switch op {
	case OpModAdd:
		return "MOD_ADD"
	case OpModAddScalar:
		return "MOD_ADD_SCALAR"
	case OpCmpAdd:
		return "CMP_ADD"
	case OpCmpSubMod:
		return "CMP_SUB_MOD"
	case OpFmaMod:
		return "FMA_MOD"
	case OpModSub:
		return "MOD_SUB"
	case OpModSubScalar:
		return "MOD_SUB_SCALAR"
	case OpModMul:
		return "MOD_MUL"
	case OpModReduce:
		return "MOD_REDUCE"
	case OpNTTStage:
		return "NTT_STAGE"
	}
	return fmt.Sprintf("Opcode(%d)", uint32(op))
}

// Cmp selects the comparison applied by the conditional kernels.
type Cmp uint32

const (
	CmpEq Cmp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpNlt // >=
	CmpNle // >
	CmpTrue
	CmpFalse
)

// Holds reports whether v satisfies the comparison against bound.
func (c Cmp) Holds(v, bound uint64) bool {
	switch c {
	case CmpEq:
		return v == bound
	case CmpNe:
		return v != bound
	case CmpLt:
		return v < bound
	case CmpLe:
		return v <= bound
	case CmpNlt:
		return v >= bound
	case CmpNle:
		return v > bound
	case CmpTrue:
		return true
	default: // CmpFalse
		return false
	}
}

// ArrayRef describes one operand buffer inside unit memory. A zero offset and
// size together signal an absent operand.
type ArrayRef struct {
	Offset      uint32
	Size        uint32 // element count
	SizeInBytes uint32
}

// Present reports whether the operand was set.
func (r ArrayRef) Present() bool { return r.Offset != 0 || r.Size != 0 }

func makeArray(off, elems uint32) ArrayRef {
	return ArrayRef{Offset: off, Size: elems, SizeInBytes: elems * WordSize}
}

// Flag bits packed into OutputModFactor by the NTT stage dispatch.
const (
	NTTFlagInverse uint32 = 1 << 0
	NTTFlagLast    uint32 = 1 << 1
)

// Args is the fixed-layout argument record broadcast to every compute unit
// before a kernel launch. Multi-purpose kernels overload the scalar, cmp and
// factor fields with stage-specific meaning:
//
//	NTT_STAGE: ModFactor = butterfly span, InputModFactor = twiddle stride,
//	OutputModFactor = NTTFlagInverse|NTTFlagLast, Scalar = N^-1 mod q on the
//	last inverse stage.
type Args struct {
	A               ArrayRef
	B               ArrayRef
	C               ArrayRef
	Kernel          Opcode
	Mod             uint64
	Scalar          uint64
	Cmp             Cmp
	Bound           uint64
	ModFactor       uint32
	InputModFactor  uint32
	OutputModFactor uint32
}

// ArgsSize is the encoded record size in bytes. The layout is packed
// little-endian in declaration order and crosses the host/device boundary
// with no versioning.
const ArgsSize = 3*12 + 4 + 8 + 8 + 4 + 8 + 3*4

// Encode serializes the record into its wire form.
func (a *Args) Encode() []byte {
	buf := make([]byte, ArgsSize)
	le := binary.LittleEndian
	p := 0
	for _, ref := range []ArrayRef{a.A, a.B, a.C} {
		le.PutUint32(buf[p:], ref.Offset)
		le.PutUint32(buf[p+4:], ref.Size)
		le.PutUint32(buf[p+8:], ref.SizeInBytes)
		p += 12
	}
	le.PutUint32(buf[p:], uint32(a.Kernel))
	le.PutUint64(buf[p+4:], a.Mod)
	le.PutUint64(buf[p+12:], a.Scalar)
	le.PutUint32(buf[p+20:], uint32(a.Cmp))
	le.PutUint64(buf[p+24:], a.Bound)
	le.PutUint32(buf[p+32:], a.ModFactor)
	le.PutUint32(buf[p+36:], a.InputModFactor)
	le.PutUint32(buf[p+40:], a.OutputModFactor)
	return buf
}

// DecodeArgs parses a wire-form record.
func DecodeArgs(buf []byte) (Args, error) {
	if len(buf) != ArgsSize {
		return Args{}, fmt.Errorf("pim: argument record is %d bytes, want %d", len(buf), ArgsSize)
	}
	le := binary.LittleEndian
	var a Args
	p := 0
	for _, ref := range []*ArrayRef{&a.A, &a.B, &a.C} {
		ref.Offset = le.Uint32(buf[p:])
		ref.Size = le.Uint32(buf[p+4:])
		ref.SizeInBytes = le.Uint32(buf[p+8:])
		p += 12
	}
	a.Kernel = Opcode(le.Uint32(buf[p:]))
	if a.Kernel >= numOpcodes {
		return Args{}, fmt.Errorf("pim: unknown opcode %d", uint32(a.Kernel))
	}
	a.Mod = le.Uint64(buf[p+4:])
	a.Scalar = le.Uint64(buf[p+12:])
	a.Cmp = Cmp(le.Uint32(buf[p+20:]))
	a.Bound = le.Uint64(buf[p+24:])
	a.ModFactor = le.Uint32(buf[p+32:])
	a.InputModFactor = le.Uint32(buf[p+36:])
	a.OutputModFactor = le.Uint32(buf[p+40:])
	return a, nil
}

// ArgsBuilder assembles an argument record with fluent setters. Unset operand
// descriptors stay zero, which the kernels read as "absent"; the comparison
// defaults to CmpTrue so conditional fields are unambiguous when omitted.
type ArgsBuilder struct {
	a Args
}

// NewArgs returns a builder with defaulted fields.
func NewArgs() *ArgsBuilder {
	return &ArgsBuilder{a: Args{Cmp: CmpTrue}}
}

func (b *ArgsBuilder) A(off, elems uint32) *ArgsBuilder { b.a.A = makeArray(off, elems); return b }
func (b *ArgsBuilder) B(off, elems uint32) *ArgsBuilder { b.a.B = makeArray(off, elems); return b }
func (b *ArgsBuilder) C(off, elems uint32) *ArgsBuilder { b.a.C = makeArray(off, elems); return b }

func (b *ArgsBuilder) Kernel(op Opcode) *ArgsBuilder   { b.a.Kernel = op; return b }
func (b *ArgsBuilder) Mod(m uint64) *ArgsBuilder       { b.a.Mod = m; return b }
func (b *ArgsBuilder) Scalar(s uint64) *ArgsBuilder    { b.a.Scalar = s; return b }
func (b *ArgsBuilder) Cmp(c Cmp) *ArgsBuilder          { b.a.Cmp = c; return b }
func (b *ArgsBuilder) Bound(v uint64) *ArgsBuilder     { b.a.Bound = v; return b }
func (b *ArgsBuilder) ModFactor(f uint32) *ArgsBuilder { b.a.ModFactor = f; return b }
func (b *ArgsBuilder) InFactor(f uint32) *ArgsBuilder  { b.a.InputModFactor = f; return b }
func (b *ArgsBuilder) OutFactor(f uint32) *ArgsBuilder { b.a.OutputModFactor = f; return b }

// Build finalizes the record.
func (b *ArgsBuilder) Build() Args { return b.a }
