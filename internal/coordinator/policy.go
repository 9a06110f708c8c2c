package coordinator

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/miszen/internal/executor"
)

// Policy controls retries and attempt timeouts.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// AttemptTimeout bounds a single attempt. CommandTimeouts overrides it
	// per command id. Zero means no limit.
	AttemptTimeout  time.Duration
	CommandTimeouts map[string]time.Duration
}

// DefaultPolicy returns three attempts with 1s, 2s backoff and the built-in
// per-command timeouts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		AttemptTimeout:      executor.DefaultTimeout,
		CommandTimeouts:     executor.DefaultCommandTimeouts(),
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) timeoutFor(command string) time.Duration {
	if d, ok := p.CommandTimeouts[command]; ok && d > 0 {
		return d
	}
	return p.AttemptTimeout
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	return b
}
