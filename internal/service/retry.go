package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
)

// StoragePolicy bounds every key store call.
type StoragePolicy struct {
	Timeout   time.Duration // per operation, including retries
	Retries   uint64        // extra attempts for transient failures
	RetryBase time.Duration // first backoff interval, doubled each attempt
}

// DefaultStoragePolicy returns a 3s budget with up to 2 retries.
func DefaultStoragePolicy() StoragePolicy {
	return StoragePolicy{
		Timeout:   3 * time.Second,
		Retries:   2,
		RetryBase: 50 * time.Millisecond,
	}
}

func (p StoragePolicy) withDefaults() StoragePolicy {
	d := DefaultStoragePolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.RetryBase <= 0 {
		p.RetryBase = d.RetryBase
	}
	return p
}

// do runs fn under the policy's timeout, retrying transient failures with
// jittered exponential backoff. config.ErrNotFound is returned unchanged;
// any other failure is wrapped in a storage error.
func (p StoragePolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(p.Retries, retry.WithJitterPercent(10, retry.NewExponential(p.RetryBase)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if config.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil || errors.Is(err, config.ErrNotFound) {
		return err
	}
	return model.NewStorageError(op, config.IsTransient(err) || ctx.Err() != nil, err)
}
