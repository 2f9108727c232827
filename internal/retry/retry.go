// Package retry holds the explicit policy applied to transient failures,
// replacing scattered sleep-and-hope handling with one injectable object.
package retry

import (
	"context"
	"time"

	"TopPhotos/internal/domain"
)

// Policy describes how transient errors are handled: how many in-process
// attempts an operation gets, how long to wait between them, and which
// errors qualify at all.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// Qualifies reports whether err is worth retrying. Nil means the
	// domain-kind default (KindTransient only).
	Qualifies func(error) bool
}

// Default mirrors the pipeline's historical behavior: no in-process retry
// loop, one fixed delay before the place is handed back for resubmission.
func Default() Policy {
	return Policy{Attempts: 1, Delay: 30 * time.Second}
}

func (p Policy) qualifies(err error) bool {
	if p.Qualifies != nil {
		return p.Qualifies(err)
	}
	return domain.KindOf(err) == domain.KindTransient
}

// Do runs op up to Attempts times, sleeping Delay between tries. The last
// error is returned unchanged; non-qualifying errors short-circuit.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if waitErr := p.Sleep(ctx); waitErr != nil {
				return waitErr
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !p.qualifies(err) {
			return err
		}
	}
	return err
}

// Sleep blocks for the policy delay or until ctx is cancelled. Callers use
// it before returning a transient failure so an immediate resubmission does
// not hammer a struggling collaborator.
func (p Policy) Sleep(ctx context.Context) error {
	if p.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
