package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable means the store could not be reached after bounded retries.
	ErrUnavailable = errors.New("store unavailable")
	// ErrContended means a transaction kept losing to concurrent writers.
	ErrContended = errors.New("store transaction contended")
	ErrClosed    = errors.New("store client closed")
)

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 1; attempt <= c.opts.RetryMax; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		last = err
		if attempt == c.opts.RetryMax {
			break
		}
		if sleepWithContext(ctx, backoffDuration(c.opts.RetryBase, attempt)) != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, last)
}

// isTransient reports transport failures worth retrying.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, redis.TxFailedErr) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * base
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
