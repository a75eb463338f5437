// Package modular provides the 64-bit modular arithmetic primitives shared by
// the host-side orchestration code and the simulated compute kernels.
package modular

import "math/bits"

// AddMod returns (x + y) mod m. Inputs must already be reduced below m.
func AddMod(x, y, m uint64) uint64 {
	s := x + y
	if s >= m {
		s -= m
	}
	return s
}

// SubMod returns (x - y) mod m. Inputs must already be reduced below m.
func SubMod(x, y, m uint64) uint64 {
	if x >= y {
		return x - y
	}
	return x + m - y
}

// MulMod returns (a * b) mod m using a full 128-bit intermediate product.
func MulMod(a, b, m uint64) uint64 {
	a %= m
	b %= m
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi, lo, m)
	return rem
}

// PowMod returns base^exp mod m by square-and-multiply.
func PowMod(base, exp, m uint64) uint64 {
	acc := uint64(1) % m
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			acc = MulMod(acc, base, m)
		}
		base = MulMod(base, base, m)
		exp >>= 1
	}
	return acc
}

// InvMod returns a^-1 mod m via the extended Euclidean algorithm, or 0 when a
// is not invertible. m must fit in 63 bits.
func InvMod(a, m uint64) uint64 {
	var t, newT int64 = 0, 1
	var r, newR int64 = int64(m), int64(a % m)
	for newR != 0 {
		q := r / newR
		t, newT = newT, t-q*newT
		r, newR = newR, r-q*newR
	}
	if r != 1 {
		return 0
	}
	if t < 0 {
		t += int64(m)
	}
	return uint64(t)
}

// Ilog2 returns floor(log2(n)). n must be non-zero.
func Ilog2(n uint32) uint32 {
	return uint32(bits.Len32(n)) - 1
}

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// BitRev reverses the low logn bits of x.
func BitRev(x, logn uint32) uint32 {
	var r uint32
	for i := uint32(0); i < logn; i++ {
		r = (r << 1) | (x & 1)
		x >>= 1
	}
	return r
}

// FindRoot searches for a primitive n-th root of unity modulo p. It requires
// n to divide p-1 and returns 0 when no root exists.
func FindRoot(n uint32, p uint64) uint64 {
	step := (p - 1) / uint64(n)
	for g := uint64(2); g < p; g++ {
		w := PowMod(g, step, p)
		if PowMod(w, uint64(n), p) == 1 && PowMod(w, uint64(n)/2, p) != 1 {
			return w
		}
	}
	return 0
}
