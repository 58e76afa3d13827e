package ttlcache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	c := New[string, int](time.Hour)
	defer c.Close()

	c.Set("a", 1, time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestGetExpiredEntryMisses(t *testing.T) {
	c := New[string, int](time.Hour)
	defer c.Close()

	c.Set("a", 1, -time.Second) // already expired

	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestGetOrSetComputesOnce(t *testing.T) {
	c := New[string, int](time.Hour)
	defer c.Close()

	calls := 0
	fn := func() (int, error) {
		calls++
		return 42, nil
	}

	v1, err := c.GetOrSet("k", time.Minute, fn)
	require.NoError(t, err)
	v2, err := c.GetOrSet("k", time.Minute, fn)
	require.NoError(t, err)

	require.Equal(t, 42, v1)
	require.Equal(t, 42, v2)
	require.Equal(t, 1, calls)
}

func TestGetOrSetPropagatesError(t *testing.T) {
	c := New[string, int](time.Hour)
	defer c.Close()

	wantErr := errors.New("boom")
	_, err := c.GetOrSet("k", time.Minute, func() (int, error) { return 0, wantErr })

	require.ErrorIs(t, err, wantErr)
	_, ok := c.Get("k")
	require.False(t, ok, "a failed compute must not cache a zero value")
}

func TestDelete(t *testing.T) {
	c := New[string, int](time.Hour)
	defer c.Close()

	c.Set("a", 1, time.Minute)
	c.Delete("a")

	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestLenExcludesExpired(t *testing.T) {
	c := New[string, int](time.Hour)
	defer c.Close()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, -time.Second)

	require.Equal(t, 1, c.Len())
}
