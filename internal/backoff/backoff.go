// Package backoff implements the exponential-delay-with-jitter policy
// shared by the token fetcher and the regional access boundary fetcher.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config describes an exponential backoff policy: an initial delay,
// a growth multiplier, a jitter fraction applied symmetrically around
// the current delay, and a ceiling on the current delay. Jitter is
// applied after the ceiling, so a returned delay can exceed Max by up
// to Jitter*Max.
type Config struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

// DefaultConfig matches the gRPC connection-backoff defaults: 1s initial
// delay, 1.6x growth, 20% jitter, capped at 120s.
func DefaultConfig() Config {
	return Config{
		Initial:    time.Second,
		Multiplier: 1.6,
		Jitter:     0.2,
		Max:        120 * time.Second,
	}
}

// Backoff tracks the delay before the next retry attempt. It is not
// safe for concurrent use; callers that need concurrent access guard it
// with their own mutex, the way token.Credential and regional.Fetcher do.
type Backoff struct {
	eb *backoff.ExponentialBackOff
}

// New creates a Backoff from cfg. The first call to NextAttemptDelay
// returns cfg.Initial with jitter applied, i.e. a value within
// cfg.Initial ± cfg.Jitter*cfg.Initial; it is exactly cfg.Initial only
// when cfg.Jitter is 0.
func New(cfg Config) *Backoff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.Initial
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = cfg.Jitter
	eb.MaxInterval = cfg.Max
	eb.MaxElapsedTime = 0 // never stop retrying on our behalf; callers own the retry count
	eb.Reset()
	return &Backoff{eb: eb}
}

// NextAttemptDelay returns the delay before the next attempt should
// start, advancing the internal state by one step.
func (b *Backoff) NextAttemptDelay() time.Duration {
	d := b.eb.NextBackOff()
	if d == backoff.Stop {
		// MaxElapsedTime is disabled above, so this should not happen;
		// fall back to the configured ceiling rather than returning a
		// sentinel negative duration.
		return b.eb.MaxInterval
	}
	return d
}

// Reset restores first-call behaviour: the next NextAttemptDelay call
// returns the initial delay again, with jitter applied.
func (b *Backoff) Reset() {
	b.eb.Reset()
}
