// Package identity rotates request identities (credential/header/routing
// bundles) by observed success rate, with a per-identity cooldown so the same
// client face is never reused back-to-back.
package identity

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrEmptyPool is returned by Acquire when no identities are configured.
var ErrEmptyPool = errors.New("identity pool is empty")

const (
	// penaltyWeight is the synthetic failure count applied on an explicit
	// blocking signal. It deprioritizes the identity immediately instead of
	// through slow statistical decay.
	penaltyWeight = 10

	// blockBase and blockCap bound the exponential block window applied
	// alongside a penalty: base * 2^(consecutive-1), capped.
	blockBase = 5 * time.Minute
	blockCap  = time.Hour
)

// Seed is the configured, immutable part of an identity.
type Seed struct {
	Credential    string
	HeaderProfile string
	RoutingTag    string
}

// Identity is one request identity with its learned track record. Copies are
// handed out by Acquire; the pool keeps the mutable original.
type Identity struct {
	Seed

	LastUsedAt   time.Time
	SuccessCount int
	FailureCount int

	consecutive  int
	blockedUntil time.Time
}

// SuccessRate is successes over total reports. An identity with no history
// scores 1.0 so fresh identities get tried before worn ones.
func (id *Identity) SuccessRate() float64 {
	total := id.SuccessCount + id.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(id.SuccessCount) / float64(total)
}

func (id *Identity) blocked(now time.Time) bool {
	return now.Before(id.blockedUntil)
}

func (id *Identity) cooled(cooldown time.Duration, now time.Time) bool {
	return now.Sub(id.LastUsedAt) >= cooldown
}

// Pool selects identities by success rate with a reuse cooldown. Safe for
// concurrent use; the lock covers only in-memory selection and counting.
type Pool struct {
	mu         sync.Mutex
	identities []*Identity
	cooldown   time.Duration
	rng        *rand.Rand
	now        func() time.Time
}

// NewPool builds a pool from configured seeds. Cooldown is the minimum gap
// between two uses of the same identity.
func NewPool(cooldown time.Duration, seeds ...Seed) *Pool {
	p := &Pool{
		cooldown: cooldown,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	for _, seed := range seeds {
		p.identities = append(p.identities, &Identity{Seed: seed})
	}
	return p
}

// Acquire returns the best eligible identity: highest success rate among
// identities past their cooldown and not blocked, ties broken randomly. When
// every identity is cooling or blocked it degrades to least-recently-used
// rather than failing the caller. Stamps last-used on the winner.
func (p *Pool) Acquire() (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.identities) == 0 {
		return Identity{}, ErrEmptyPool
	}
	now := p.now()

	var best []*Identity
	bestRate := -1.0
	for _, id := range p.identities {
		if id.blocked(now) || !id.cooled(p.cooldown, now) {
			continue
		}
		rate := id.SuccessRate()
		switch {
		case rate > bestRate:
			bestRate = rate
			best = best[:0]
			best = append(best, id)
		case rate == bestRate:
			best = append(best, id)
		}
	}

	var chosen *Identity
	if len(best) > 0 {
		chosen = best[p.rng.Intn(len(best))]
	} else {
		chosen = p.leastRecentlyUsed(now)
	}

	chosen.LastUsedAt = now
	return *chosen, nil
}

// leastRecentlyUsed prefers unblocked identities, falling back to the oldest
// blocked one when the whole pool is blocked.
func (p *Pool) leastRecentlyUsed(now time.Time) *Identity {
	var lru *Identity
	for _, id := range p.identities {
		if id.blocked(now) {
			continue
		}
		if lru == nil || id.LastUsedAt.Before(lru.LastUsedAt) {
			lru = id
		}
	}
	if lru != nil {
		return lru
	}
	lru = p.identities[0]
	for _, id := range p.identities[1:] {
		if id.LastUsedAt.Before(lru.LastUsedAt) {
			lru = id
		}
	}
	return lru
}

// Report records one outcome for the identity with the given credential.
// Unknown credentials are ignored.
func (p *Pool) Report(credential string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.find(credential)
	if id == nil {
		return
	}
	if success {
		id.SuccessCount++
		id.consecutive = 0
		return
	}
	id.FailureCount++
	id.consecutive++
}

// Penalize applies the synthetic failure weight for an explicit blocking
// signal (rate limit, forbidden) and blocks the identity for an exponentially
// growing window.
func (p *Pool) Penalize(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.find(credential)
	if id == nil {
		return
	}
	id.FailureCount += penaltyWeight
	id.consecutive++

	window := blockBase << (id.consecutive - 1)
	if window <= 0 || window > blockCap {
		window = blockCap
	}
	id.blockedUntil = p.now().Add(window)
}

func (p *Pool) find(credential string) *Identity {
	for _, id := range p.identities {
		if id.Credential == credential {
			return id
		}
	}
	return nil
}

// Health is the pool-level observability snapshot.
type Health struct {
	Total       int     `json:"total"`
	Available   int     `json:"available"`
	Blocked     int     `json:"blocked"`
	SuccessRate float64 `json:"success_rate"`
}

func (h Health) String() string {
	return fmt.Sprintf("identities=%d available=%d blocked=%d success_rate=%.2f",
		h.Total, h.Available, h.Blocked, h.SuccessRate)
}

// Health reports how much of the pool is currently usable and its aggregate
// success rate.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	h := Health{Total: len(p.identities)}
	successes, total := 0, 0
	for _, id := range p.identities {
		if id.blocked(now) {
			h.Blocked++
		} else if id.cooled(p.cooldown, now) {
			h.Available++
		}
		successes += id.SuccessCount
		total += id.SuccessCount + id.FailureCount
	}
	if total > 0 {
		h.SuccessRate = float64(successes) / float64(total)
	}
	return h
}
