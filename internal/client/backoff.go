package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponentially growing reconnect delays with jitter.
type Backoff struct {
	// Initial is the delay after the first failure.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Multiplier grows the delay per attempt.
	Multiplier float64

	// Jitter spreads delays by +/- this fraction to avoid thundering
	// herds of reconnecting clients.
	Jitter float64

	attempt int
}

// NewBackoff returns a backoff with the defaults used for control
// channel reconnects.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// NextDelay returns the delay before the next attempt.
func (b *Backoff) NextDelay() time.Duration {
	b.attempt++

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(b.attempt-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * b.Jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
