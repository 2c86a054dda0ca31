package locker

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLockerGrantsLease(t *testing.T) {
	var l *Locker
	assert.False(t, l.Enabled())

	token, ok, err := l.TryLock(context.Background(), "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, l.Release(context.Background(), "sweep", token))
}

func TestNewWithoutClient(t *testing.T) {
	assert.Nil(t, New(nil))
}

func TestTryLockValidatesInput(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	l := New(client)

	_, _, err := l.TryLock(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = l.TryLock(context.Background(), "sweep", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}
