// Package orchestrator turns availability events into gated purchase
// attempts: the state store is the sole synchronization point, the executor
// is a black box under a bounded timeout, and every finished attempt lands in
// the journal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/takumi-oki/restockd/internal/domain/purchase"
	"github.com/takumi-oki/restockd/internal/infra/repository/journal"
	"github.com/takumi-oki/restockd/internal/infra/repository/statestore"
	"github.com/takumi-oki/restockd/internal/pkg/logging"
)

// Params configures an Orchestrator.
type Params struct {
	// ExecutorTimeout bounds one purchase execution. Default 120s.
	ExecutorTimeout time.Duration

	// RealAttempts marks started attempts as real (money moves) rather
	// than mock runs.
	RealAttempts bool

	// BreakerFailures opens the executor breaker after this many
	// consecutive executor errors. Default 3.
	BreakerFailures uint32

	// BreakerOpenFor is how long the breaker stays open. Default 60s.
	BreakerOpenFor time.Duration
}

func (p *Params) applyDefaults() {
	if p.ExecutorTimeout <= 0 {
		p.ExecutorTimeout = 120 * time.Second
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = 3
	}
	if p.BreakerOpenFor <= 0 {
		p.BreakerOpenFor = time.Minute
	}
}

// Orchestrator consumes availability events. Safe to call concurrently for
// the same or different products; duplicate events lose the store's gate and
// become no-ops.
type Orchestrator struct {
	store    *statestore.Store
	journal  *journal.Journal
	executor Executor
	breaker  *gobreaker.CircuitBreaker[Result]
	params   Params
}

// New wires the orchestrator. The breaker counts only executor errors
// (timeouts, panics, transport faults); a declined purchase is a normal
// result, not an availability problem.
func New(store *statestore.Store, jrnl *journal.Journal, executor Executor, params Params) *Orchestrator {
	params.applyDefaults()
	o := &Orchestrator{
		store:    store,
		journal:  jrnl,
		executor: executor,
		params:   params,
	}
	o.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:    "purchase-executor",
		Timeout: params.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= params.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("%s breaker %s -> %s", name, from, to)
		},
	})
	return o
}

// OnStockEvent handles one availability observation. Out-of-stock is a no-op
// (resets happen via the scheduled reconcile, never here). In-stock gates
// through TryStartAttempt and runs the attempt to a terminal state before
// returning.
func (o *Orchestrator) OnStockEvent(ctx context.Context, productID, title string, inStock bool) error {
	if !inStock {
		return nil
	}

	state, err := o.store.TryStartAttempt(productID, title, o.params.RealAttempts)
	if err != nil {
		if errors.Is(err, statestore.ErrAttemptInFlight) {
			// Duplicate prevention working as intended
			logging.Debug("skipping %s: %v", productID, err)
			return nil
		}
		return fmt.Errorf("failed to start attempt for %s: %w", productID, err)
	}

	logging.Info("attempt %s started: product=%s real=%t", state.AttemptID, productID, o.params.RealAttempts)
	o.runAttempt(ctx, state)
	return nil
}

// runAttempt executes one started attempt and always finalizes it; the state
// must never stay attempting past the executor bound.
func (o *Orchestrator) runAttempt(ctx context.Context, state *purchase.State) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.params.ExecutorTimeout)
	defer cancel()

	result, err := o.guardedExecute(ctx, state.ProductID)

	outcome := purchase.OutcomeFailed
	details := purchase.FinalizeDetails{}
	switch {
	case err == nil && result.Success:
		outcome = purchase.OutcomePurchased
		details.OrderRef = result.OrderRef
	case err == nil:
		details.FailureReason = result.Reason
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		details.FailureReason = purchase.ReasonExecutorUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		details.FailureReason = purchase.ReasonTimeout
	default:
		details.FailureReason = purchase.ReasonInternalError
	}
	if err != nil {
		logging.Warn("attempt %s executor error: %v", state.AttemptID, err)
	}

	final, finalizeErr := o.store.FinalizeAttempt(state.ProductID, outcome, details)
	if finalizeErr != nil {
		logging.Error("failed to finalize attempt %s: %v", state.AttemptID, finalizeErr)
		return
	}
	logging.Info("attempt %s finished: product=%s outcome=%s reason=%s",
		final.AttemptID, final.ProductID, outcome, details.FailureReason)

	if o.journal != nil {
		rec := journal.Record{
			AttemptID:     final.AttemptID,
			ProductID:     final.ProductID,
			Outcome:       outcome,
			OrderRef:      details.OrderRef,
			FailureReason: details.FailureReason,
			RealAttempt:   final.RealAttempt,
			ElapsedMS:     time.Since(started).Milliseconds(),
			RecordedAt:    time.Now().UTC(),
		}
		if err := o.journal.Append(rec); err != nil {
			logging.Warn("failed to journal attempt %s: %v", final.AttemptID, err)
		}
	}
}

// guardedExecute runs the executor behind the breaker and converts panics
// into errors so the attempt still reaches a terminal state.
func (o *Orchestrator) guardedExecute(ctx context.Context, productID string) (Result, error) {
	return o.breaker.Execute(func() (result Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panicked: %v", r)
			}
		}()
		return o.executor.Execute(ctx, productID)
	})
}
