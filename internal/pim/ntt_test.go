package pim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpokimwaisela/openfhe-pim/internal/modular"
)

// naiveDFT evaluates X[k] = sum_j v[j] * w^(j*k) mod q directly.
func naiveDFT(v []Word, q uint64) []Word {
	n := uint32(len(v))
	w := modular.FindRoot(n, q)
	out := make([]Word, n)
	for k := uint64(0); k < uint64(n); k++ {
		var acc uint64
		for j := uint64(0); j < uint64(n); j++ {
			term := modular.MulMod(v[j], modular.PowMod(w, j*k%uint64(n), q), q)
			acc = modular.AddMod(acc, term, q)
		}
		out[k] = acc
	}
	return out
}

func rampVector(t *testing.T, mgr *Manager, n int, q uint64) *Vector[Word] {
	t.Helper()
	vals := make([]Word, n)
	for i := range vals {
		vals[i] = modular.MulMod(uint64(i)+3, uint64(i)*7+1, q)
	}
	return vectorOf(t, mgr, vals)
}

func TestNTTMatchesNaiveDFT(t *testing.T) {
	const (
		n = 32
		q = uint64(97)
	)
	mgr := newTestManager(t, 2)

	vec := rampVector(t, mgr, n, q)
	want := naiveDFT(readAll(t, vec), q)

	tw, err := NewTwiddles(mgr, n, q)
	require.NoError(t, err)
	defer tw.Free()

	require.NoError(t, NTT(vec, tw, Forward))
	require.Equal(t, want, readAll(t, vec))
}

func TestNTTSingleUnit(t *testing.T) {
	const (
		n = 16
		q = uint64(97)
	)
	mgr := newTestManager(t, 1)

	vec := rampVector(t, mgr, n, q)
	want := naiveDFT(readAll(t, vec), q)

	tw, err := NewTwiddles(mgr, n, q)
	require.NoError(t, err)
	defer tw.Free()

	require.NoError(t, NTT(vec, tw, Forward))
	require.Equal(t, want, readAll(t, vec))
}

func TestNTTInverseLaw(t *testing.T) {
	cases := []struct {
		name  string
		units int
		n     int
		q     uint64
	}{
		{"d1_n16_q97", 1, 16, 97},
		{"d2_n32_q97", 2, 32, 97},
		{"d4_n64_q193", 4, 64, 193},
		{"d2_n64_q257", 2, 64, 257},
		{"d4_n128_q12289", 4, 128, 12289},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mgr := newTestManager(t, tc.units)

			vec := rampVector(t, mgr, tc.n, tc.q)
			orig := readAll(t, vec)

			tw, err := NewTwiddles(mgr, uint32(tc.n), tc.q)
			require.NoError(t, err)
			defer tw.Free()

			require.NoError(t, NTT(vec, tw, Forward))
			require.NotEqual(t, orig, readAll(t, vec), "transform must permute a non-trivial input")
			require.NoError(t, NTT(vec, tw, Inverse))
			require.Equal(t, orig, readAll(t, vec))
		})
	}
}

func TestNTTConvolutionTheorem(t *testing.T) {
	// pointwise products in the transform domain realize negacyclic-free
	// cyclic convolution: NTT^-1(NTT(a) .* NTT(b)) == a (*) b
	const (
		n = 32
		q = uint64(193)
	)
	mgr := newTestManager(t, 2)

	aVals := make([]Word, n)
	bVals := make([]Word, n)
	for i := range aVals {
		aVals[i] = uint64(i + 1)
		bVals[i] = uint64(2*i + 5)
	}
	want := make([]Word, n)
	for i := 0; i < n; i++ {
		var acc uint64
		for j := 0; j < n; j++ {
			acc = modular.AddMod(acc, modular.MulMod(aVals[j], bVals[(i-j+n)%n], q), q)
		}
		want[i] = acc
	}

	a := vectorOf(t, mgr, aVals)
	b := vectorOf(t, mgr, bVals)
	tw, err := NewTwiddles(mgr, n, q)
	require.NoError(t, err)
	defer tw.Free()

	require.NoError(t, NTT(a, tw, Forward))
	require.NoError(t, NTT(b, tw, Forward))
	require.NoError(t, EltwiseMulMod(a, a, b, q))
	require.NoError(t, NTT(a, tw, Inverse))
	require.Equal(t, want, readAll(t, a))
}

func TestNewTwiddlesValidation(t *testing.T) {
	mgr := newTestManager(t, 2)

	_, err := NewTwiddles(mgr, 24, 97)
	require.Error(t, err, "non power of two size")

	_, err = NewTwiddles(mgr, 4, 97)
	require.Error(t, err, "size below chunk alignment")

	// 98 = 2*49 admits no primitive 16th root of unity
	_, err = NewTwiddles(mgr, 16, 98)
	require.Error(t, err)
}

func TestNTTPreconditions(t *testing.T) {
	mgr := newTestManager(t, 2)

	tw, err := NewTwiddles(mgr, 32, 97)
	require.NoError(t, err)
	defer tw.Free()

	short := vectorOf(t, mgr, make([]Word, 16))
	require.Error(t, NTT(short, tw, Forward), "length must match the twiddle size")

	// 8 elements over 2 units pads the chunk past the shard length
	small, err := NewVector[Word](mgr, 8)
	require.NoError(t, err)
	defer small.Free()
	smallTw, err := NewTwiddles(mgr, 8, 17)
	require.NoError(t, err)
	defer smallTw.Free()
	require.Error(t, NTT(small, smallTw, Forward))

	var empty Vector[Word]
	empty.mgr = mgr
	require.ErrorIs(t, NTT(&empty, tw, Forward), ErrNoShards)
}

func TestTwiddleTablesAreCached(t *testing.T) {
	mgr := newTestManager(t, 2)

	tw1, err := NewTwiddles(mgr, 32, 97)
	require.NoError(t, err)
	defer tw1.Free()
	first, _ := tw1.W.Get(1)

	tw2, err := NewTwiddles(mgr, 32, 97)
	require.NoError(t, err)
	defer tw2.Free()
	second, _ := tw2.W.Get(1)

	require.Equal(t, first, second)
	require.NotEqual(t, tw1.W.DeviceBlock().Off, tw2.W.DeviceBlock().Off,
		"each table set owns its own device allocation")
}
