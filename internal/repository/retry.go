package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// IsContention сообщает, вызвана ли ошибка конкуренцией за строки или временным сбоем соединения.
// Такие ошибки безопасно повторять: транзакция откатилась целиком.
func IsContention(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return true
		}
		return false
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// WithContentionRetry выполняет fn, повторяя её не более attempts раз при конкуренции.
// Если конкуренция не прекратилась, возвращает ошибку, обёрнутую в ErrContention.
func WithContentionRetry(ctx context.Context, attempts uint64, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts == 0 {
		attempts = 1
	}
	if base <= 0 {
		base = 50 * time.Millisecond
	}

	b := retry.WithMaxRetries(attempts-1, retry.WithJitterPercent(20, retry.NewExponential(base)))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if IsContention(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && IsContention(err) {
		return fmt.Errorf("%w: %v", ErrContention, err)
	}
	return err
}
