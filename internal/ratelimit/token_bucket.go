package ratelimit

import (
	"sync"
	"time"
)

// nanoTokensPerToken is the fixed-point scale: one token = 1e9 nano-tokens,
// so a fill rate of N tokens/sec adds exactly N nano-tokens per elapsed
// nanosecond with no float rounding.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket refilling at an integer
// tokens/sec rate from a provided Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityTokens int64
	fillRate       int64 // tokens/sec

	availableNano int64
	last          time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:          clock,
		capacityTokens: capacityTokens,
		fillRate:       fillRate,
		availableNano:  toNano(capacityTokens),
		last:           clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacityNano := toNano(b.capacityTokens)
	need := capacityNano - b.availableNano
	if need <= 0 {
		b.availableNano = capacityNano
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens/ns. Clamp instead of
	// multiplying when elapsed time alone is enough to fill the bucket, which
	// also avoids overflow in elapsed*rate.
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos >= need/b.fillRate {
		b.availableNano = capacityNano
		return
	}

	b.availableNano += elapsedNanos * b.fillRate
	if b.availableNano > capacityNano {
		b.availableNano = capacityNano
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
