package realtime

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultMaxAttempts = 5
	defaultDelay       = time.Second
)

// Policy bounds automatic reconnection. After MaxAttempts failed retries the
// connection stays Disconnected until Retry is called.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Jitter spreads each delay by up to +/- Jitter.
	Jitter time.Duration
}

// DefaultPolicy retries five times, one second apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: defaultMaxAttempts, Delay: defaultDelay}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.Delay <= 0 {
		p.Delay = defaultDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= p.Delay {
		p.Jitter = p.Delay - time.Millisecond
	}
	return p
}

// backoff returns a fresh retry budget.
func (p Policy) backoff() retry.Backoff {
	p = p.normalized()
	b := retry.NewConstant(p.Delay)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxAttempts), b)
}
