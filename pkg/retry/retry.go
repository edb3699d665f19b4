// Package retry decides whether and when a failed step runs again.
//
// Rules are pure: the same failure count and elapsed time always produce
// the same decision, so a worker resuming a flight after a crash computes
// the backoff the original worker would have.
package retry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// Rule decides the retry delay after a failure. failures is the number of
// failed invocations so far (1 after the first failure) and elapsed is the
// time since the first invocation. ok is false when the caller should give up.
type Rule interface {
	Next(failures int, elapsed time.Duration) (delay time.Duration, ok bool)
}

// None never retries.
type None struct{}

// Next implements Rule.
func (None) Next(int, time.Duration) (time.Duration, bool) {
	return 0, false
}

// Fixed retries after a constant interval.
type Fixed struct {
	Interval time.Duration
	// MaxRetries bounds the number of retries. 0 means unbounded by count.
	MaxRetries int
	// MaxElapsed bounds the time spent retrying. 0 means unbounded by time.
	MaxElapsed time.Duration
}

// Next implements Rule.
func (f Fixed) Next(failures int, elapsed time.Duration) (time.Duration, bool) {
	if failures < 1 {
		failures = 1
	}
	if f.MaxRetries > 0 && failures > f.MaxRetries {
		return 0, false
	}
	if f.MaxElapsed > 0 && elapsed+f.Interval > f.MaxElapsed {
		return 0, false
	}
	return f.Interval, true
}

// Exponential doubles the delay after every failure up to Cap.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
	// MaxRetries bounds the number of retries. 0 means unbounded by count.
	MaxRetries int
	// MaxElapsed bounds the time spent retrying. 0 means unbounded by time.
	MaxElapsed time.Duration
	// Jitter adds up to Jitter*delay on top of the delay, in [0, 1].
	Jitter float64
	// Seed varies the jitter sequence between rules.
	Seed uint64
}

// Next implements Rule.
func (e Exponential) Next(failures int, elapsed time.Duration) (time.Duration, bool) {
	if failures < 1 {
		failures = 1
	}
	if e.MaxRetries > 0 && failures > e.MaxRetries {
		return 0, false
	}
	delay := e.backoff(failures)
	if e.MaxElapsed > 0 && elapsed+delay > e.MaxElapsed {
		return 0, false
	}
	return delay, true
}

// backoff returns min(base*2^(failures-1), cap) plus deterministic jitter.
func (e Exponential) backoff(failures int) time.Duration {
	base := e.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base
	for i := 1; i < failures; i++ {
		if e.Cap > 0 && delay >= e.Cap {
			break
		}
		// overflow guard
		if delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if e.Cap > 0 && delay > e.Cap {
		delay = e.Cap
	}
	if e.Jitter > 0 {
		jitter := e.Jitter
		if jitter > 1 {
			jitter = 1
		}
		delay += time.Duration(float64(delay) * jitter * unitFraction(e.Seed, failures))
	}
	return delay
}

// unitFraction maps (seed, n) onto [0, 1) deterministically.
func unitFraction(seed uint64, n int) float64 {
	h := fnv.New64a()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(n))
	_, _ = h.Write(buf[:])
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// Validate checks the rule configuration.
func (e Exponential) Validate() error {
	if e.Base < 0 || e.Cap < 0 || e.MaxElapsed < 0 {
		return errors.New("retry: durations cannot be negative")
	}
	if e.Cap > 0 && e.Cap < e.Base {
		return errors.New("retry: Cap must be >= Base")
	}
	if e.Jitter < 0 || e.Jitter > 1 {
		return errors.New("retry: Jitter must be between 0 and 1")
	}
	return nil
}

// Default returns the rule used for steps that do not choose their own.
func Default() Rule {
	return Exponential{
		Base:       time.Second,
		Cap:        time.Minute,
		MaxRetries: 5,
		Jitter:     0.25,
	}
}

// Permanent wraps errors that Do must not retry.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string {
	return fmt.Sprintf("non-retryable: %v", p.Err)
}

func (p *Permanent) Unwrap() error {
	return p.Err
}

// Stop marks err as non-retryable for Do.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs fn until it succeeds, returns a Stop error, the rule gives up or
// ctx is cancelled. It sleeps in-process and is meant for short store-level
// contention loops, not for step retries.
func Do(ctx context.Context, rule Rule, fn func() error) error {
	start := time.Now()
	for failures := 1; ; failures++ {
		err := fn()
		if err == nil {
			return nil
		}
		var p *Permanent
		if errors.As(err, &p) {
			return p.Err
		}
		delay, ok := rule.Next(failures, time.Since(start))
		if !ok {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", failures, ctx.Err())
		case <-timer.C:
		}
	}
}
