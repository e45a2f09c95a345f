// Package retry holds the retry policy shared by every stage: how many
// attempts a transient failure gets and how long to wait between them.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/lucasnoah/handoff/internal/faults"
)

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// Policy decides whether a failed attempt is retried and how long to wait
// first. The zero value is usable: default delays, the default classifier
// and no cap beyond each stage's own retry limit.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxRetries, when positive, caps the retries of every stage.
	MaxRetries int

	// Classify maps an error into the taxonomy. Defaults to faults.Classify.
	Classify func(error) *faults.Error

	// Sleep waits for d or until ctx is done. Tests replace it to avoid
	// real waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return p.BaseDelay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

// Limit returns the retries allowed for a stage whose own limit is stageMax.
func (p Policy) Limit(stageMax int) int {
	if p.MaxRetries > 0 && p.MaxRetries < stageMax {
		return p.MaxRetries
	}
	return stageMax
}

// Delay returns the wait before the given retry, counting from 1:
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.baseDelay()) * math.Pow(2, float64(attempt-1))
	if d > float64(p.maxDelay()) {
		return p.maxDelay()
	}
	return time.Duration(d)
}

// Classified runs the policy's classifier over err.
func (p Policy) Classified(err error) *faults.Error {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return faults.Classify(err)
}

// ShouldRetry reports whether fe earns another attempt after retries earlier
// retries on a stage allowing stageMax.
func (p Policy) ShouldRetry(fe *faults.Error, retries, stageMax int) bool {
	return fe != nil && fe.Recoverable() && retries < p.Limit(stageMax)
}

// Wait blocks for d or until ctx is done, returning ctx.Err() in the latter
// case.
func (p Policy) Wait(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
