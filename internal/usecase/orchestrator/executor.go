package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/takumi-oki/restockd/internal/domain/purchase"
)

// Result is the outcome of one executor invocation. A false Success with a
// nil error is a normal purchase failure (sold out, payment declined); errors
// mean the executor itself misbehaved.
type Result struct {
	Success  bool
	Reason   purchase.Reason
	OrderRef string
	Elapsed  time.Duration
}

// Executor performs one purchase attempt. Treated strictly as a black box
// under a bounded timeout.
type Executor interface {
	Execute(ctx context.Context, productID string) (Result, error)
}

// mockFailureReasons mirrors the failure modes a real checkout hits.
var mockFailureReasons = []purchase.Reason{
	purchase.ReasonOutOfStock,
	purchase.ReasonPaymentFailed,
	purchase.ReasonCartTimeout,
	purchase.ReasonCaptchaRequired,
	purchase.ReasonPriceChanged,
	purchase.ReasonShippingUnavailable,
}

var defaultMockDurations = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	20 * time.Second,
	25 * time.Second,
}

// MockExecutor simulates checkout runs: a random duration from a fixed set,
// then success at the configured rate with a synthetic order reference, or a
// random failure reason.
type MockExecutor struct {
	mu          sync.Mutex
	successRate float64
	durations   []time.Duration
	rng         *rand.Rand
}

// NewMockExecutor creates a mock with the given success rate. Durations
// override the default 5-25s run lengths; tests pass short ones.
func NewMockExecutor(successRate float64, durations ...time.Duration) *MockExecutor {
	if len(durations) == 0 {
		durations = defaultMockDurations
	}
	return &MockExecutor{
		successRate: successRate,
		durations:   durations,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockExecutor) roll() (time.Duration, bool, purchase.Reason, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.durations[m.rng.Intn(len(m.durations))]
	if m.rng.Float64() < m.successRate {
		orderRef := fmt.Sprintf("ORD-%06d-%02d", m.rng.Intn(1000000), m.rng.Intn(100))
		return duration, true, "", orderRef
	}
	reason := mockFailureReasons[m.rng.Intn(len(mockFailureReasons))]
	return duration, false, reason, ""
}

func (m *MockExecutor) Execute(ctx context.Context, productID string) (Result, error) {
	duration, success, reason, orderRef := m.roll()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if success {
		return Result{Success: true, OrderRef: orderRef, Elapsed: duration}, nil
	}
	return Result{Reason: reason, Elapsed: duration}, nil
}

// DisabledExecutor immediately fails every attempt with execution_disabled.
// Used when the operator wants monitoring and state tracking without any
// purchase being made.
type DisabledExecutor struct{}

func (DisabledExecutor) Execute(ctx context.Context, productID string) (Result, error) {
	return Result{Reason: purchase.ReasonExecutionDisabled}, nil
}
