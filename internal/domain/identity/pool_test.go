package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(name string) Seed {
	return Seed{Credential: name, HeaderProfile: name + "-headers", RoutingTag: name + "-route"}
}

// freezePool pins the pool clock so cooldown and block windows are
// deterministic under test.
func freezePool(p *Pool, at time.Time) *time.Time {
	now := at
	p.now = func() time.Time { return now }
	return &now
}

func TestAcquire_EmptyPool(t *testing.T) {
	p := NewPool(time.Minute)
	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestAcquire_PrefersHigherSuccessRate(t *testing.T) {
	p := NewPool(time.Minute, seed("alpha"), seed("beta"))
	freezePool(p, time.Now())

	for i := 0; i < 20; i++ {
		p.Report("alpha", true)
	}
	p.Report("beta", true)
	for i := 0; i < 9; i++ {
		p.Report("beta", false)
	}

	wins := 0
	for i := 0; i < 50; i++ {
		id, err := p.Acquire()
		require.NoError(t, err)
		if id.Credential == "alpha" {
			wins++
		}
		// Keep both eligible between rounds
		for _, stored := range p.identities {
			stored.LastUsedAt = time.Time{}
		}
	}
	assert.Equal(t, 50, wins)
}

func TestAcquire_FreshIdentityScoresFull(t *testing.T) {
	id := &Identity{}
	assert.Equal(t, 1.0, id.SuccessRate())

	id.SuccessCount = 3
	id.FailureCount = 1
	assert.InDelta(t, 0.75, id.SuccessRate(), 1e-9)
}

func TestAcquire_RespectsCooldown(t *testing.T) {
	p := NewPool(time.Minute, seed("alpha"), seed("beta"))
	now := freezePool(p, time.Now())

	first, err := p.Acquire()
	require.NoError(t, err)
	second, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, first.Credential, second.Credential)

	// Past the cooldown both are eligible again
	*now = now.Add(2 * time.Minute)
	_, err = p.Acquire()
	require.NoError(t, err)
}

func TestAcquire_FallsBackToLRUWhenAllCooling(t *testing.T) {
	p := NewPool(time.Hour, seed("alpha"), seed("beta"))
	now := freezePool(p, time.Now())

	first, err := p.Acquire()
	require.NoError(t, err)
	*now = now.Add(time.Second)
	_, err = p.Acquire()
	require.NoError(t, err)
	*now = now.Add(time.Second)

	// Everyone is cooling; the least recently used is the first one acquired
	third, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, first.Credential, third.Credential)
}

func TestPenalize_BlocksAndDeprioritizes(t *testing.T) {
	p := NewPool(0, seed("alpha"), seed("beta"))
	now := freezePool(p, time.Now())

	p.Report("alpha", true)
	p.Penalize("alpha")

	for i := 0; i < 10; i++ {
		id, err := p.Acquire()
		require.NoError(t, err)
		assert.Equal(t, "beta", id.Credential)
	}

	// After the block window the identity returns, but its synthetic
	// failures keep it deprioritized
	*now = now.Add(blockBase + time.Second)
	id, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "beta", id.Credential)

	alpha := p.find("alpha")
	assert.Equal(t, penaltyWeight, alpha.FailureCount)
}

func TestPenalize_BlockWindowGrowsAndCaps(t *testing.T) {
	p := NewPool(0, seed("alpha"))
	now := freezePool(p, time.Now())

	p.Penalize("alpha")
	alpha := p.find("alpha")
	assert.Equal(t, now.Add(blockBase), alpha.blockedUntil)

	p.Penalize("alpha")
	assert.Equal(t, now.Add(2*blockBase), alpha.blockedUntil)

	for i := 0; i < 10; i++ {
		p.Penalize("alpha")
	}
	assert.Equal(t, now.Add(blockCap), alpha.blockedUntil)
}

func TestReport_SuccessResetsConsecutive(t *testing.T) {
	p := NewPool(0, seed("alpha"))

	p.Report("alpha", false)
	p.Report("alpha", false)
	assert.Equal(t, 2, p.find("alpha").consecutive)

	p.Report("alpha", true)
	assert.Equal(t, 0, p.find("alpha").consecutive)

	// Unknown credentials are ignored, not fatal
	p.Report("ghost", true)
	p.Penalize("ghost")
}

func TestHealth(t *testing.T) {
	p := NewPool(time.Minute, seed("alpha"), seed("beta"), seed("gamma"))
	freezePool(p, time.Now())

	p.Report("alpha", true)
	p.Report("alpha", true)
	p.Report("beta", false)
	p.Penalize("gamma")

	_, err := p.Acquire()
	require.NoError(t, err)

	h := p.Health()
	assert.Equal(t, 3, h.Total)
	assert.Equal(t, 1, h.Blocked)
	assert.Equal(t, 1, h.Available)
	// 2 successes out of 2+1+10 penalized reports
	assert.InDelta(t, 2.0/13.0, h.SuccessRate, 1e-9)
	assert.Contains(t, h.String(), "identities=3")
}
