package secrets

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingFetch(calls *int) FetchFunc {
	return func(_ context.Context, name string) ([]byte, error) {
		*calls++
		return []byte(fmt.Sprintf("%s-%d", name, *calls)), nil
	}
}

func TestFetchCachesWithinTTL(t *testing.T) {
	var calls int
	c := New(countingFetch(&calls), time.Minute)
	ctx := context.Background()

	first, err := c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)
	second, err := c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second Fetch within TTL must not hit the backing store")
}

func TestFetchRefetchesAfterTTLExpires(t *testing.T) {
	var calls int
	c := New(countingFetch(&calls), time.Millisecond)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestFetchNeverCachesWhenTTLNonPositive(t *testing.T) {
	var calls int
	c := New(countingFetch(&calls), 0)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)
	_, err = c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	var calls int
	c := New(countingFetch(&calls), time.Minute)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)
	c.Invalidate("DB_PASSWORD")
	_, err = c.Fetch(ctx, "DB_PASSWORD")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestFetchPropagatesBackingStoreError(t *testing.T) {
	boom := fmt.Errorf("secret not found")
	c := New(func(context.Context, string) ([]byte, error) { return nil, boom }, time.Minute)

	_, err := c.Fetch(context.Background(), "MISSING")
	assert.ErrorIs(t, err, boom)
}

func TestFromEnvReadsEnvironmentVariable(t *testing.T) {
	t.Setenv("DOCUFLOW_TEST_SECRET", "shh")
	fetch := FromEnv()

	got, err := fetch(context.Background(), "DOCUFLOW_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "shh", string(got))
}

func TestFromEnvErrorsWhenUnset(t *testing.T) {
	fetch := FromEnv()
	_, err := fetch(context.Background(), "DOCUFLOW_TEST_SECRET_DOES_NOT_EXIST")
	assert.Error(t, err)
}
