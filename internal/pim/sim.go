package pim

import (
	"encoding/binary"
	"fmt"

	"github.com/mpokimwaisela/openfhe-pim/internal/modular"
)

// ensure interface compliance
var _ Transport = (*SimDevice)(nil)

// SimDevice emulates a set of compute units in process memory. Every unit
// has a private byte bank; Exec decodes the broadcast argument record and
// runs the selected kernel on each unit's bank in turn, which models the
// all-units barrier of the hardware launch.
type SimDevice struct {
	banks   [][]byte
	args    []byte
	program string
	loaded  bool
}

// NewSimDevice creates units simulated compute units with memBytes of
// private memory each.
func NewSimDevice(units int, memBytes uint32) *SimDevice {
	banks := make([][]byte, units)
	for i := range banks {
		banks[i] = make([]byte, memBytes)
	}
	return &SimDevice{banks: banks}
}

func (d *SimDevice) Units() int { return len(d.banks) }

func (d *SimDevice) Load(program string) error {
	d.program = program
	d.loaded = true
	return nil
}

func (d *SimDevice) Scatter(perUnit [][]Word, off uint32) error {
	if len(perUnit) != len(d.banks) {
		return fmt.Errorf("%w: got %d buffers for %d units", ErrSizeMismatch, len(perUnit), len(d.banks))
	}
	for u, buf := range perUnit {
		end := int(off) + len(buf)*WordSize
		if end > len(d.banks[u]) {
			return fmt.Errorf("pim: scatter of %d bytes at offset %d exceeds unit %d memory", len(buf)*WordSize, off, u)
		}
		for i, w := range buf {
			binary.LittleEndian.PutUint64(d.banks[u][int(off)+i*WordSize:], w)
		}
	}
	return nil
}

func (d *SimDevice) Gather(out [][]Word, bytes, off uint32) error {
	if len(out) != len(d.banks) {
		return fmt.Errorf("%w: got %d buffers for %d units", ErrSizeMismatch, len(out), len(d.banks))
	}
	words := int(bytes) / WordSize
	for u := range out {
		end := int(off) + int(bytes)
		if end > len(d.banks[u]) {
			return fmt.Errorf("pim: gather of %d bytes at offset %d exceeds unit %d memory", bytes, off, u)
		}
		if len(out[u]) < words {
			out[u] = make([]Word, words)
		}
		for i := 0; i < words; i++ {
			out[u][i] = binary.LittleEndian.Uint64(d.banks[u][int(off)+i*WordSize:])
		}
	}
	return nil
}

func (d *SimDevice) PushArgs(record []byte) error {
	d.args = append(d.args[:0], record...)
	return nil
}

func (d *SimDevice) Exec() error {
	if !d.loaded {
		return fmt.Errorf("pim: exec before program load")
	}
	args, err := DecodeArgs(d.args)
	if err != nil {
		return err
	}
	for u := range d.banks {
		if err := d.run(u, &args); err != nil {
			return fmt.Errorf("pim: unit %d: %w", u, err)
		}
	}
	return nil
}

func (d *SimDevice) word(u int, off uint32) Word {
	return binary.LittleEndian.Uint64(d.banks[u][off:])
}

func (d *SimDevice) setWord(u int, off uint32, w Word) {
	binary.LittleEndian.PutUint64(d.banks[u][off:], w)
}

// run executes one kernel on unit u's bank.
func (d *SimDevice) run(u int, a *Args) error {
	switch a.Kernel {
	case OpNTTStage:
		return d.nttStage(u, a)
	case OpModAdd, OpModAddScalar, OpCmpAdd, OpCmpSubMod, OpFmaMod,
		OpModSub, OpModSubScalar, OpModMul, OpModReduce:
		return d.elementwise(u, a)
	}
	return fmt.Errorf("unknown opcode %d", uint32(a.Kernel))
}

// elementwise applies one of the pointwise kernels over A (and B when
// present) into C, element by element over the unit-local chunk.
func (d *SimDevice) elementwise(u int, a *Args) error {
	n := a.A.Size
	hasB := a.B.Present()
	for i := uint32(0); i < n; i++ {
		x := d.word(u, a.A.Offset+i*WordSize)
		var y Word
		if hasB {
			y = d.word(u, a.B.Offset+i*WordSize)
		}
		var out Word
		switch a.Kernel {
		case OpModAdd:
			out = modular.AddMod(x, y, a.Mod)
		case OpModAddScalar:
			out = modular.AddMod(x, a.Scalar%a.Mod, a.Mod)
		case OpModSub:
			out = modular.SubMod(x, y, a.Mod)
		case OpModSubScalar:
			out = modular.SubMod(x, a.Scalar%a.Mod, a.Mod)
		case OpModMul:
			out = modular.MulMod(x, y, a.Mod)
		case OpFmaMod:
			out = fmaMod(x, y, a.Scalar, a.Mod, hasB)
		case OpCmpAdd:
			out = x
			if a.Cmp.Holds(x, a.Bound) {
				out = x + a.Scalar
			}
		case OpCmpSubMod:
			out = x
			if out >= a.Mod {
				out -= a.Mod
			}
			if a.Cmp.Holds(out, a.Bound) {
				out = modular.SubMod(out, a.Scalar, a.Mod)
			}
		case OpModReduce:
			out = reduceMod(x, a.Mod, a.InputModFactor, a.OutputModFactor)
		}
		d.setWord(u, a.C.Offset+i*WordSize, out)
	}
	return nil
}

// fmaMod computes (a*scalar + b) mod m. Inputs may arrive in [0, 8m) and are
// normalized with at most three subtractions first.
func fmaMod(x, y, scalar, m uint64, hasAddend bool) uint64 {
	x = reduce8m(x, m)
	if hasAddend {
		y = reduce8m(y, m)
	} else {
		y = 0
	}
	prod := modular.MulMod(x, scalar, m)
	sum := prod + y
	if sum >= m {
		sum -= m
	}
	return sum
}

func reduce8m(x, m uint64) uint64 {
	for i := 0; i < 3 && x >= m; i++ {
		x -= m
	}
	return x
}

// reduceMod normalizes x into [0, outFactor*m). Input factors 2 and 4 take
// bounded fast paths; any other factor falls back to repeated subtraction.
func reduceMod(x, m uint64, inFactor, outFactor uint32) uint64 {
	switch inFactor {
	case 2:
		if outFactor == 1 && x >= m {
			x -= m
		}
	case 4:
		if outFactor == 1 {
			for x >= m {
				x -= m
			}
		} else if x >= m<<1 {
			x -= m << 1
		}
	default:
		target := m
		if outFactor == 2 {
			target = m << 1
		}
		for x >= target {
			x -= m
		}
	}
	return x
}

// nttStage runs one butterfly stage over the unit-local chunk. ModFactor
// carries the global span, InputModFactor the twiddle stride, and
// OutputModFactor the inverse/last flags. For spans below the chunk length
// the stage is purely local; for larger spans the host has already exchanged
// partner halves, and the unit ordinal determines the twiddle base.
func (d *SimDevice) nttStage(u int, a *Args) error {
	chunk := a.A.Size
	span := a.ModFactor
	step := a.InputModFactor
	inverse := a.OutputModFactor&NTTFlagInverse != 0
	last := a.OutputModFactor&NTTFlagLast != 0
	q := a.Mod
	ninv := a.Scalar

	twiddle := func(e uint32) Word {
		return d.word(u, a.B.Offset+e*WordSize)
	}
	butterfly := func(xOff, yOff uint32, w Word) {
		x := d.word(u, a.A.Offset+xOff*WordSize)
		y := d.word(u, a.A.Offset+yOff*WordSize)
		var nx, ny Word
		if inverse {
			// Gentleman-Sande
			nx = modular.AddMod(x, y, q)
			ny = modular.MulMod(modular.SubMod(x, y, q), w, q)
			if last {
				nx = modular.MulMod(nx, ninv, q)
				ny = modular.MulMod(ny, ninv, q)
			}
		} else {
			// Cooley-Tukey
			t := modular.MulMod(y, w, q)
			nx = modular.AddMod(x, t, q)
			ny = modular.SubMod(x, t, q)
		}
		d.setWord(u, a.A.Offset+xOff*WordSize, nx)
		d.setWord(u, a.A.Offset+yOff*WordSize, ny)
	}

	if span < chunk {
		// local stage: partner stays inside this unit's chunk
		for base := uint32(0); base+2*span <= chunk; base += 2 * span {
			for j := uint32(0); j < span; j++ {
				butterfly(base+j, base+j+span, twiddle(j*step))
			}
		}
		return nil
	}

	// cross-unit stage: the host parked this unit's butterfly partners in the
	// opposite half of the chunk. The twiddle exponent of pair j is the lower
	// element's global index modulo span, which depends on the unit ordinal.
	pb := span / chunk
	base := (uint32(u) & (pb - 1)) * chunk
	if uint32(u)&pb != 0 {
		base += chunk / 2
	}
	for j := uint32(0); j < chunk/2; j++ {
		butterfly(j, j+chunk/2, twiddle((base+j)*step))
	}
	return nil
}
