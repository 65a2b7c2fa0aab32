package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectNextRotates(t *testing.T) {
	pool := NewCredentialPool([]string{"a", "b", "c"}, newFakeClock())

	var got []int
	for i := 0; i < 5; i++ {
		cred, err := pool.SelectNext()
		require.NoError(t, err)
		got = append(got, cred.Index)
	}

	assert.Equal(t, []int{0, 1, 2, 0, 1}, got)
}

func TestSelectNextSkipsCoolingCredentials(t *testing.T) {
	clock := newFakeClock()
	pool := NewCredentialPool([]string{"a", "b", "c"}, clock)
	pool.Cooldown(1, time.Minute)

	for i := 0; i < 6; i++ {
		cred, err := pool.SelectNext()
		require.NoError(t, err)
		assert.NotEqual(t, 1, cred.Index)
		assert.False(t, pool.CooldownUntil(cred.Index).After(clock.Now()))
	}

	clock.Advance(time.Minute)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		cred, err := pool.SelectNext()
		require.NoError(t, err)
		seen[cred.Index] = true
	}
	assert.True(t, seen[1], "credential should rejoin rotation once its cooldown ends")
}

func TestSelectNextExhausted(t *testing.T) {
	pool := NewCredentialPool([]string{"a", "b"}, newFakeClock())
	pool.Cooldown(0, time.Minute)
	pool.Cooldown(1, time.Minute)

	_, err := pool.SelectNext()
	require.ErrorIs(t, err, ErrExhausted)

	_, err = NewCredentialPool(nil, newFakeClock()).SelectNext()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestCooldownNeverShortens(t *testing.T) {
	clock := newFakeClock()
	pool := NewCredentialPool([]string{"a"}, clock)

	pool.Cooldown(0, 90*time.Second)
	pool.Cooldown(0, 10*time.Second)

	assert.Equal(t, clock.Now().Add(90*time.Second), pool.CooldownUntil(0))

	pool.Cooldown(0, 2*time.Minute)
	assert.Equal(t, clock.Now().Add(2*time.Minute), pool.CooldownUntil(0))
}

func TestRecordCall(t *testing.T) {
	clock := newFakeClock()
	pool := NewCredentialPool([]string{"a", "b"}, clock)

	require.NoError(t, pool.RecordCall(0))
	assert.Equal(t, clock.Now(), pool.LastCallAt(0))
	assert.True(t, pool.LastCallAt(1).IsZero())

	pool.Cooldown(1, time.Second)
	require.ErrorIs(t, pool.RecordCall(1), ErrCoolingDown)
	require.Error(t, pool.RecordCall(7))
}

func TestSnapshotHidesSecrets(t *testing.T) {
	clock := newFakeClock()
	pool := NewCredentialPool([]string{"secret-a", "secret-b"}, clock)
	pool.Cooldown(1, 30*time.Second)
	require.NoError(t, pool.RecordCall(0))

	snap := pool.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[0].CoolingDown)
	assert.Equal(t, clock.Now(), snap[0].LastCallAt)
	assert.True(t, snap[1].CoolingDown)
	assert.Equal(t, 30*time.Second, snap[1].CooldownLeft)
	assert.NotContains(t, pool.creds[0].String(), "secret")
}
