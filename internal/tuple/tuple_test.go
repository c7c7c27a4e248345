package tuple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTuple_Compare(t *testing.T) {
	t0 := Of(1, 1, 1)
	t1 := Of(1, 1, 2)
	t2 := Of(1, 2, 0)
	t3 := Of(2, 0, 0)

	require.Equal(t, LessThan, t0.Compare(t1))
	require.Equal(t, LessThan, t1.Compare(t2))
	require.Equal(t, LessThan, t2.Compare(t3))
	require.Equal(t, MoreThan, t3.Compare(t0))
	require.Equal(t, Equal, t2.Compare(Of(1, 2, 0)))
	require.Equal(t, LessThan, Of(1, 2).Compare(t2))
}

func TestKey_CompareMatchesTuple(t *testing.T) {
	tuples := []Tuple{
		Of(1, 2, 3),
		Of(1, 2, 300),
		Of(1, 256, 3),
		Of(70000, 1, 1),
		Of(1<<40, 1, 1),
	}
	for _, a := range tuples {
		for _, b := range tuples {
			require.Equal(t, a.Compare(b), EncodeKey(a).Compare(EncodeKey(b)), "%v vs %v", a, b)
		}
	}
}

func TestKey_DecodeRoundTrip(t *testing.T) {
	in := Of(4, 5, 6, 7)
	out, err := DecodeKey(EncodeKey(in), 4)
	require.NoError(t, err)
	require.True(t, in.Equal(out))

	_, err = DecodeKey(EncodeKey(in), 3)
	require.ErrorIs(t, err, ErrBadKey)
}

func TestKey_HasPrefix(t *testing.T) {
	k := EncodeKey(Of(1, 2, 3))
	require.True(t, k.HasPrefix(EncodeKey(Of(1))))
	require.True(t, k.HasPrefix(EncodeKey(Of(1, 2))))
	require.False(t, k.HasPrefix(EncodeKey(Of(2))))
}

func TestTuple_Validate(t *testing.T) {
	require.NoError(t, Of(1, 2, 3).Validate(3))
	require.ErrorIs(t, Of(1, 2).Validate(3), ErrArity)
	require.ErrorIs(t, Of(1, 0, 3).Validate(3), ErrAnyInKey)
}

func TestMapping_MapUnmap(t *testing.T) {
	m, err := ParseMapping("231", 3)
	require.NoError(t, err)
	require.Equal(t, "231", m.Descriptor())
	require.False(t, m.IsIdentity())

	mapped, err := m.Map(Of(10, 20, 30))
	require.NoError(t, err)
	require.Equal(t, Of(20, 30, 10), mapped)

	back, err := m.Unmap(mapped)
	require.NoError(t, err)
	require.Equal(t, Of(10, 20, 30), back)

	_, err = m.Map(Of(1, 2))
	require.ErrorIs(t, err, ErrArity)
}

func TestMapping_Letters(t *testing.T) {
	pos := MustMapping("POS", 3)
	mapped, err := pos.Map(Of(1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, Of(2, 3, 1), mapped)

	gspo := MustMapping("GSPO", 4)
	require.True(t, gspo.IsIdentity())

	require.True(t, pos.Equal(MustMapping("231", 3)))
	require.False(t, pos.Equal(MustMapping("SPO", 3)))
	require.Equal(t, 1, pos.Column(0))

	spog := MustMapping("spog", 4)
	mapped, err = spog.Map(Of(9, 1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, Of(1, 2, 3, 9), mapped)
}

func TestParseMapping_Bad(t *testing.T) {
	for _, desc := range []string{"12", "1234", "112", "124", "SPX", "", "ſ2", "ſ2ſ", "ſ23x"} {
		_, err := ParseMapping(desc, 3)
		require.ErrorIs(t, err, ErrBadDescriptor, desc)
	}
}
