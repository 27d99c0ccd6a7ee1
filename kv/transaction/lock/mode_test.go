package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibilitySymmetric(t *testing.T) {
	for _, a := range Modes {
		for _, b := range Modes {
			assert.Equal(t, Compatible(a, b), Compatible(b, a), "%s/%s", a, b)
		}
	}
}

func TestCompatibilityMatrix(t *testing.T) {
	cases := []struct {
		a, b Mode
		ok   bool
	}{
		{S, S, true},
		{S, U, true},
		{U, U, false},
		{S, X, false},
		{X, X, false},
		{IS, IX, true},
		{IX, IX, true},
		{IX, S, false},
		{SIX, IS, true},
		{SIX, IX, false},
		{SIX, SIX, false},
		{SchS, X, true},
		{SchS, SchS, true},
		{SchM, SchS, false},
		{SchM, IS, false},
		{IS, X, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, Compatible(c.a, c.b), "%s/%s", c.a, c.b)
	}
	for _, m := range Modes {
		assert.False(t, Compatible(SchM, m), "Sch-M must conflict with %s", m)
		assert.True(t, Compatible(NoLock, m))
	}
}

func TestCombine(t *testing.T) {
	assert.Equal(t, SIX, Combine(S, IX))
	assert.Equal(t, SIX, Combine(IX, S))
	assert.Equal(t, SIX, Combine(U, IX))
	assert.Equal(t, SIX, Combine(IX, U))
	assert.Equal(t, SIX, Combine(SIX, U))
	assert.Equal(t, SIX, Combine(U, SIX))
	assert.Equal(t, S, Combine(IS, S))
	assert.Equal(t, X, Combine(S, X))
	for _, a := range Modes {
		for _, b := range Modes {
			c := Combine(a, b)
			assert.True(t, Covers(c, a), "%s covers %s", c, a)
			assert.True(t, Covers(c, b), "%s covers %s", c, b)
			// c conflicts with exactly what a or b conflicts with.
			for _, other := range Modes {
				want := !Compatible(a, other) || !Compatible(b, other)
				assert.Equal(t, want, !Compatible(c, other), "%s+%s against %s", a, b, other)
			}
		}
	}
}

func TestIntentAndCoverage(t *testing.T) {
	assert.Equal(t, IS, IntentFor(S))
	assert.Equal(t, IX, IntentFor(X))
	assert.Equal(t, IX, IntentFor(U))
	assert.Equal(t, NoLock, IntentFor(SchM))

	assert.True(t, CoversChild(S, S))
	assert.True(t, CoversChild(X, X))
	assert.False(t, CoversChild(S, X))
	assert.False(t, CoversChild(IX, X))
	assert.False(t, CoversChild(SIX, X))
	assert.True(t, CoversChild(SIX, S))
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		parsed, ok := ParseMode(m.String())
		require.True(t, ok)
		assert.Equal(t, m, parsed)
	}
	m, ok := ParseMode("six")
	assert.True(t, ok)
	assert.Equal(t, SIX, m)
	_, ok = ParseMode("Z")
	assert.False(t, ok)
}

func TestResourcePath(t *testing.T) {
	row := RowResource(1, 7, []byte("k"))
	path := row.path()
	require.Len(t, path, 3)
	assert.Equal(t, TableResource(1), path[0])
	assert.Equal(t, PageResource(1, 7), path[1])
	assert.Equal(t, row, path[2])

	path = RowResource(1, 0, []byte("k")).path()
	require.Len(t, path, 2)
	assert.Equal(t, TableResource(1), path[0])

	gap := GapResource(2, nil)
	assert.Equal(t, "gap:2:+inf", gap.String())
	assert.NotEqual(t, GapResource(2, []byte("k")).String(), RowResource(2, 0, []byte("k")).String())
}
