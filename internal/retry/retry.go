// Package retry re-runs operations that fail transiently, such as reading a
// file an editor has not finished writing.
package retry

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"time"
)

// Policy bounds the attempts made for one operation. Waits double after
// every failed attempt up to MaxWait.
type Policy struct {
	Attempts int // at least one attempt is always made
	Wait     time.Duration
	MaxWait  time.Duration
	Jitter   float64 // fraction of each wait randomised, 0 to 1
}

// FileRead suits re-reading a file that is being saved. Editors that write
// through a temporary file finish well within the total wait.
var FileRead = Policy{
	Attempts: 3,
	Wait:     10 * time.Millisecond,
	MaxWait:  100 * time.Millisecond,
	Jitter:   0.1,
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked by Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Do calls fn until it succeeds, returns an error not marked Transient, or
// the policy runs out. The final error is returned without the mark.
func Do[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	wait := p.Wait
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var t transientError
		if !errors.As(err, &t) {
			return zero, err
		}
		if attempt >= p.Attempts {
			return zero, t.err
		}

		timer := time.NewTimer(jitter(wait, p.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		wait = min(2*wait, p.MaxWait)
	}
}

// ReadFile reads path under p. Absence and permission errors are final;
// anything else is retried.
func ReadFile(ctx context.Context, p Policy, path string) ([]byte, error) {
	return Do(ctx, p, func() ([]byte, error) {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission) {
			return nil, Transient(err)
		}
		return b, err
	})
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*frac*(rand.Float64()*2-1))
}
