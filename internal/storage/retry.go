package storage

import (
	"time"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
)

// withRetry runs op up to 3 times with exponential backoff (spec §7:
// "Storage failures during status updates must be retried with bounded
// exponential backoff (3 attempts) before surfacing"). The first backoff
// is 20ms, doubling each attempt.
func withRetry(reason string, op func() error) error {
	const maxAttempts = 3
	backoff := 20 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return cerrors.NewStorageUnavailable(reason, lastErr)
}
