package lock

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalation(t *testing.T) {
	m := newTestManager(Config{EscalationThreshold: 10})
	register(m, 1)
	for i := 0; i < 11; i++ {
		_, err := m.Acquire(context.Background(), 1, row(fmt.Sprintf("k%02d", i)), S)
		require.Nil(t, err)
	}
	held := m.HeldBy(1)
	require.Len(t, held, 1)
	assert.Equal(t, "table:1", held[0].Resource)
	assert.Equal(t, "S", held[0].Mode)

	// Further reads are covered by the table lock.
	lease, err := m.Acquire(context.Background(), 1, row("k99"), S)
	require.Nil(t, err)
	assert.Empty(t, lease.Resources)
}

func TestEscalationToExclusive(t *testing.T) {
	m := newTestManager(Config{EscalationThreshold: 4})
	register(m, 1)
	_, err := m.Acquire(context.Background(), 1, row("w"), X)
	require.Nil(t, err)
	for i := 0; i < 4; i++ {
		_, err := m.Acquire(context.Background(), 1, row(fmt.Sprintf("r%d", i)), S)
		require.Nil(t, err)
	}
	assert.Equal(t, X, m.HeldMode(1, TableResource(1)))
	assert.Len(t, m.HeldBy(1), 1)
}

func TestShortLocksDoNotEscalate(t *testing.T) {
	m := newTestManager(Config{EscalationThreshold: 4})
	register(m, 1)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := m.AcquireShort(ctx, 1, row(fmt.Sprintf("k%d", i)), S)
		require.Nil(t, err)
	}
	assert.Equal(t, IS, m.HeldMode(1, TableResource(1)))
	assert.Len(t, m.HeldBy(1), 7)

	for i := 0; i < 3; i++ {
		_, err := m.Acquire(ctx, 1, row(fmt.Sprintf("r%d", i)), S)
		require.Nil(t, err)
	}
	// Converting a short lock makes it count.
	_, err := m.Acquire(ctx, 1, row("k0"), X)
	require.Nil(t, err)
	assert.Equal(t, IX, m.HeldMode(1, TableResource(1)))

	// So does taking a held short lock again for the transaction.
	_, err = m.Acquire(ctx, 1, row("k1"), S)
	require.Nil(t, err)
	assert.Equal(t, X, m.HeldMode(1, TableResource(1)))
	assert.Len(t, m.HeldBy(1), 1)
}

func TestEscalationSkippedWhenBlocked(t *testing.T) {
	m := newTestManager(Config{EscalationThreshold: 10, EscalationRetryStep: 5})
	register(m, 1, 2)
	_, err := m.Acquire(context.Background(), 2, row("other"), X)
	require.Nil(t, err)

	for i := 0; i < 11; i++ {
		_, err := m.Acquire(context.Background(), 1, row(fmt.Sprintf("k%02d", i)), S)
		require.Nil(t, err)
	}
	// 11 rows plus the table intent lock.
	assert.Len(t, m.HeldBy(1), 12)
	assert.Equal(t, IS, m.HeldMode(1, TableResource(1)))

	m.ReleaseAll(2)
	// The retry waits for EscalationRetryStep more row grants.
	for i := 11; i < 15; i++ {
		_, err := m.Acquire(context.Background(), 1, row(fmt.Sprintf("k%02d", i)), S)
		require.Nil(t, err)
	}
	assert.Len(t, m.HeldBy(1), 16)
	_, err = m.Acquire(context.Background(), 1, row("k15"), S)
	require.Nil(t, err)
	assert.Len(t, m.HeldBy(1), 1)
	assert.Equal(t, S, m.HeldMode(1, TableResource(1)))
}
