// internal/poller/backoff.go
package poller

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// Backoff is the retry policy shared by reads and writes.
type Backoff struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// Delay returns the wait before retry n (1-based): Base * 2^(n-1), capped at Max.
// Max <= 0 means uncapped. The result is deterministic so the scheduler can
// compute due times without holding per-job backoff state.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}

	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = eb.NextBackOff()
	}
	return min(d, ceiling)
}

// Retry reports whether failed attempt number attempt (1-based) with kind
// may be retried.
func (b Backoff) Retry(attempt int, kind fault.Kind) bool {
	return kind.Retriable() && attempt <= b.MaxRetries
}

// ---- job state transitions (pure; the loop owns the job) ----

// dispatch moves a due job to InFlight.
func (j *PollJob) dispatch() {
	j.State = InFlight
}

// succeed records a good attempt that started at started.
// The next due time is last_poll_time + interval.
func (j *PollJob) succeed(started time.Time) {
	j.State = Succeeded
	j.Attempt = 0
	j.LastErr = nil
	j.Scheduled = started
	j.Due = started.Add(j.Interval)
}

// fail records a failed attempt and schedules the next one.
// It returns true when the failure is terminal for this cycle.
func (j *PollJob) fail(now time.Time, err error, pol Backoff) bool {
	j.State = Failed
	j.Attempt++
	j.LastErr = err

	if pol.Retry(j.Attempt, fault.KindOf(err)) {
		j.Due = now.Add(pol.Delay(j.Attempt))
		return false
	}

	// terminal: wait for the next regular slot
	j.Attempt = 0
	j.Due = nextRegular(j.Scheduled, j.Interval, now)
	j.Scheduled = j.Due
	return true
}

// rearm returns a finished job to Pending.
func (j *PollJob) rearm() {
	j.State = Pending
}

// nextRegular returns the first base + k*interval strictly after now.
func nextRegular(base time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	if base.IsZero() || base.After(now) {
		return now.Add(interval)
	}
	k := now.Sub(base)/interval + 1
	return base.Add(k * interval)
}
