package supervisor

import (
	"math"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/config"
	"github.com/cenkalti/backoff/v5"
)

// Backoff is the reconnect delay policy. The delay before retry n (from
// zero) is Initial*Multiplier^n capped at Max, spread by +/- Jitter of
// itself.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	// MaxRetries is the number of consecutive failed sessions tolerated
	// before the loop waits for an explicit reconnect. Zero means no limit.
	MaxRetries int
}

// BackoffFromConfig builds the policy from INGEST_CLIENT_RECONNECT_*.
func BackoffFromConfig(cfg *config.Config) Backoff {
	return Backoff{
		Initial:    cfg.ReconnectMin,
		Max:        cfg.ReconnectMax,
		Multiplier: cfg.ReconnectMultiplier,
		Jitter:     cfg.ReconnectJitter,
		MaxRetries: cfg.ReconnectMaxRetries,
	}
}

// Schedule returns a fresh delay sequence for this policy. Call Reset on
// it to start again from Initial.
func (b Backoff) Schedule() *backoff.ExponentialBackOff {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	maxInterval := b.Max
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}

	initial := b.Initial
	if initial > maxInterval {
		initial = maxInterval
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: jitter,
		Multiplier:          mult,
		MaxInterval:         maxInterval,
	}
	eb.Reset()

	return eb
}

// Exhausted reports whether attempt has used up the retry budget. The
// count is kept by the caller because a joined session resets it, which
// backoff.WithMaxTries has no hook for.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxRetries > 0 && attempt >= b.MaxRetries
}
