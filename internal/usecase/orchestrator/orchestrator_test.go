package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takumi-oki/restockd/internal/domain/purchase"
	"github.com/takumi-oki/restockd/internal/infra/repository/journal"
	"github.com/takumi-oki/restockd/internal/infra/repository/statestore"
)

// stubExecutor scripts executor behavior and counts invocations.
type stubExecutor struct {
	calls  atomic.Int32
	result Result
	err    error
	block  bool
	panics bool
}

func (s *stubExecutor) Execute(ctx context.Context, productID string) (Result, error) {
	s.calls.Add(1)
	if s.panics {
		panic("executor exploded")
	}
	if s.block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	return s.result, s.err
}

func newTestOrchestrator(t *testing.T, executor Executor, params Params) (*Orchestrator, *statestore.Store, *journal.Journal) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store := statestore.New(fsys, "var/state.json", "var/state.lock", statestore.WithoutFileLock())
	jrnl := journal.New(fsys, "var/attempts.ndjson")
	return New(store, jrnl, executor, params), store, jrnl
}

func TestOnStockEvent_PurchasedScenario(t *testing.T) {
	exec := &stubExecutor{result: Result{Success: true, OrderRef: "ORD-123456-07", Elapsed: 2 * time.Second}}
	o, store, jrnl := newTestOrchestrator(t, exec, Params{})

	require.NoError(t, o.OnStockEvent(context.Background(), "P1", "Booster Box", true))

	snapshot, err := store.SnapshotAll()
	require.NoError(t, err)
	st := snapshot["P1"]
	assert.Equal(t, purchase.StatusPurchased, st.Status)
	assert.Equal(t, "ORD-123456-07", st.OrderRef)
	require.NotNil(t, st.CompletedAt)

	records, err := jrnl.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, purchase.OutcomePurchased, records[0].Outcome)
	assert.Equal(t, st.AttemptID, records[0].AttemptID)

	// The later out-of-stock signal resets P1 through reconcile
	reset, err := store.Reconcile(map[string]statestore.StockSignal{
		"P1": {InStock: false, ObservedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	status, err := store.GetStatus("P1")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusReady, status)
}

func TestOnStockEvent_OutOfStockIsNoop(t *testing.T) {
	exec := &stubExecutor{}
	o, store, _ := newTestOrchestrator(t, exec, Params{})

	require.NoError(t, o.OnStockEvent(context.Background(), "P1", "", false))
	assert.Zero(t, exec.calls.Load())

	status, err := store.GetStatus("P1")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusReady, status)
}

// Two near-simultaneous in-stock events for the same product produce exactly
// one executor invocation.
func TestOnStockEvent_DuplicateEventsSingleExecution(t *testing.T) {
	exec := &stubExecutor{result: Result{Success: true, OrderRef: "ORD-000001-01"}}
	o, store, _ := newTestOrchestrator(t, exec, Params{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.OnStockEvent(context.Background(), "P2", "Box", true))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), exec.calls.Load())
	status, err := store.GetStatus("P2")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusPurchased, status)
}

func TestOnStockEvent_FailureReasonRecorded(t *testing.T) {
	exec := &stubExecutor{result: Result{Reason: purchase.ReasonPaymentFailed}}
	o, store, jrnl := newTestOrchestrator(t, exec, Params{})

	require.NoError(t, o.OnStockEvent(context.Background(), "P1", "", true))

	snapshot, err := store.SnapshotAll()
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusFailed, snapshot["P1"].Status)
	assert.Equal(t, purchase.ReasonPaymentFailed, snapshot["P1"].FailureReason)

	records, err := jrnl.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, purchase.ReasonPaymentFailed, records[0].FailureReason)
}

func TestOnStockEvent_ExecutorTimeout(t *testing.T) {
	exec := &stubExecutor{block: true}
	o, store, _ := newTestOrchestrator(t, exec, Params{ExecutorTimeout: 30 * time.Millisecond})

	require.NoError(t, o.OnStockEvent(context.Background(), "P1", "", true))

	snapshot, err := store.SnapshotAll()
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusFailed, snapshot["P1"].Status)
	assert.Equal(t, purchase.ReasonTimeout, snapshot["P1"].FailureReason)
}

func TestOnStockEvent_PanicFinalizesInternalError(t *testing.T) {
	exec := &stubExecutor{panics: true}
	o, store, _ := newTestOrchestrator(t, exec, Params{})

	require.NoError(t, o.OnStockEvent(context.Background(), "P1", "", true))

	snapshot, err := store.SnapshotAll()
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusFailed, snapshot["P1"].Status)
	assert.Equal(t, purchase.ReasonInternalError, snapshot["P1"].FailureReason)
}

func TestOnStockEvent_BreakerShedsAttempts(t *testing.T) {
	exec := &stubExecutor{err: errors.New("connection refused")}
	o, store, _ := newTestOrchestrator(t, exec, Params{BreakerFailures: 2})

	// Each attempt needs a fresh ready state; reset between rounds
	signals := map[string]statestore.StockSignal{"P1": {InStock: false}}
	for i := 0; i < 2; i++ {
		require.NoError(t, o.OnStockEvent(context.Background(), "P1", "", true))
		_, err := store.Reconcile(signals)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), exec.calls.Load())

	// Breaker is open now; the executor must not be invoked again
	require.NoError(t, o.OnStockEvent(context.Background(), "P1", "", true))
	assert.Equal(t, int32(2), exec.calls.Load())

	snapshot, err := store.SnapshotAll()
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusFailed, snapshot["P1"].Status)
	assert.Equal(t, purchase.ReasonExecutorUnavailable, snapshot["P1"].FailureReason)
}

func TestOnStockEvent_DisabledMode(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, DisabledExecutor{}, Params{})

	require.NoError(t, o.OnStockEvent(context.Background(), "P1", "", true))

	snapshot, err := store.SnapshotAll()
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusFailed, snapshot["P1"].Status)
	assert.Equal(t, purchase.ReasonExecutionDisabled, snapshot["P1"].FailureReason)
}

func TestMockExecutor(t *testing.T) {
	t.Run("always succeeds at rate 1", func(t *testing.T) {
		exec := NewMockExecutor(1.0, time.Millisecond)
		for i := 0; i < 10; i++ {
			result, err := exec.Execute(context.Background(), "P1")
			require.NoError(t, err)
			assert.True(t, result.Success)
			assert.Regexp(t, `^ORD-\d{6}-\d{2}$`, result.OrderRef)
		}
	})

	t.Run("always fails at rate 0", func(t *testing.T) {
		exec := NewMockExecutor(0.0, time.Millisecond)
		result, err := exec.Execute(context.Background(), "P1")
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, mockFailureReasons, result.Reason)
	})

	t.Run("honors cancellation", func(t *testing.T) {
		exec := NewMockExecutor(1.0, time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := exec.Execute(ctx, "P1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
