package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsContention(t *testing.T) {
	assert.True(t, IsContention(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	assert.True(t, IsContention(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	assert.True(t, IsContention(&pgconn.PgError{Code: pgerrcode.LockNotAvailable}))
	assert.True(t, IsContention(errors.New("read: connection reset by peer")))

	assert.False(t, IsContention(nil))
	assert.False(t, IsContention(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, IsContention(errors.New("boom")))
}

func TestWithContentionRetry_SucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := WithContentionRetry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithContentionRetry_ExhaustedIsTransient(t *testing.T) {
	calls := 0
	err := WithContentionRetry(context.Background(), 2, time.Millisecond, func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	})

	assert.ErrorIs(t, err, ErrContention)
	assert.Equal(t, 2, calls)
}

func TestWithContentionRetry_HardErrorNotRetried(t *testing.T) {
	hard := errors.New("constraint violated")
	calls := 0
	err := WithContentionRetry(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
		calls++
		return hard
	})

	assert.ErrorIs(t, err, hard)
	assert.NotErrorIs(t, err, ErrContention)
	assert.Equal(t, 1, calls)
}
