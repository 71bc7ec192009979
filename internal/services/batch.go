package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
)

// ErrRateLimited marks a store error that is worth retrying after backoff.
var ErrRateLimited = errors.New("rate limited")

// BatchOptions 分块处理参数
type BatchOptions struct {
	ChunkSize  int
	MaxRetries uint
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultBatchOptions 默认分块参数
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		ChunkSize:  100,
		MaxRetries: 5,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

func (o BatchOptions) withDefaults() BatchOptions {
	d := DefaultBatchOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	return o
}

// ProcessInChunks runs fn over items chunk by chunk. A chunk failing with a
// retryable error is retried with capped exponential backoff; any other
// error stops processing.
func ProcessInChunks[T any](ctx context.Context, items []T, opts BatchOptions, fn func(ctx context.Context, chunk []T) error) error {
	opts = opts.withDefaults()
	for start := 0; start < len(items); start += opts.ChunkSize {
		end := start + opts.ChunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(opts.MaxRetries),
			retry.Delay(opts.BaseDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isRetryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				d := retry.BackOffDelay(n, err, config)
				if d > opts.MaxDelay {
					return opts.MaxDelay
				}
				return d
			}),
		)
		if err := r.Do(func() error { return fn(ctx, chunk) }); err != nil {
			return err
		}
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "deadlock", "too many connections", "connection reset", "rate limit"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
