// Package statestore persists the purchase state machine to a JSON file
// shared across processes. Every mutation runs the same sequence: in-process
// mutex -> advisory file lock -> load -> mutate -> atomic temp-write+rename
// -> unlock. No lock is ever held across network I/O or sleeps.
package statestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/takumi-oki/restockd/internal/domain/purchase"
	"github.com/takumi-oki/restockd/internal/infra/fs"
	"github.com/takumi-oki/restockd/internal/pkg/logging"
)

// ErrAttemptInFlight is returned by TryStartAttempt when the product is not
// in the ready state. Callers treat it as duplicate prevention working, not
// as a failure.
var ErrAttemptInFlight = errors.New("purchase attempt already in flight")

// ErrLockContended is surfaced after the bounded lock-retry budget is spent.
var ErrLockContended = fs.ErrLockContended

// StockSignal is the latest observed availability for one product, fed into
// Reconcile.
type StockSignal struct {
	InStock    bool
	ObservedAt time.Time
}

// Store is the single authoritative owner of the persisted purchase state
// map. It is safe for concurrent use; the advisory file lock extends the
// mutual exclusion across process boundaries.
type Store struct {
	fsys      afero.Fs
	statePath string
	lockPath  string

	stuckTimeout time.Duration
	lockAttempts uint
	lockDelay    time.Duration
	fileLock     bool

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithStuckTimeout sets the safety timeout after which an in-flight attempt
// is force-failed by Reconcile. Default 60s.
func WithStuckTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.stuckTimeout = d
		}
	}
}

// WithLockRetry bounds the lock-contention retry budget.
func WithLockRetry(attempts uint, delay time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.lockAttempts = attempts
		}
		if delay > 0 {
			s.lockDelay = delay
		}
	}
}

// WithoutFileLock disables the cross-process advisory lock. Only for tests
// running on an in-memory filesystem, where flock has nothing to attach to.
func WithoutFileLock() Option {
	return func(s *Store) {
		s.fileLock = false
	}
}

// New creates a Store persisting to statePath, guarded by lockPath.
func New(fsys afero.Fs, statePath, lockPath string, opts ...Option) *Store {
	s := &Store{
		fsys:         fsys,
		statePath:    statePath,
		lockPath:     lockPath,
		stuckTimeout: 60 * time.Second,
		lockAttempts: 5,
		lockDelay:    25 * time.Millisecond,
		fileLock:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewAttemptID returns a fresh ULID for stamping a started attempt.
func NewAttemptID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// GetStatus returns the current status for a product, defaulting to ready
// for products never seen before.
func (s *Store) GetStatus(productID string) (purchase.Status, error) {
	status := purchase.StatusReady
	err := s.withLockedStates(func(states map[string]*purchase.State) (bool, error) {
		if st, ok := states[productID]; ok {
			status = st.Status
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// TryStartAttempt atomically transitions a ready product to attempting and
// persists the new state. Exactly one of any number of concurrent callers
// can succeed; the rest get ErrAttemptInFlight.
func (s *Store) TryStartAttempt(productID, title string, real bool) (*purchase.State, error) {
	now := time.Now().UTC()
	var started *purchase.State

	err := s.withLockedStates(func(states map[string]*purchase.State) (bool, error) {
		st, ok := states[productID]
		if !ok {
			st = purchase.NewReady(productID)
			states[productID] = st
		}
		if !st.CanStart() {
			return false, fmt.Errorf("%w: %s is %s", ErrAttemptInFlight, productID, st.Status)
		}
		if err := st.StartAttempt(NewAttemptID(now), title, now, real); err != nil {
			return false, err
		}
		copied := *st
		started = &copied
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// FinalizeAttempt transitions an in-flight product to its terminal state and
// persists it.
func (s *Store) FinalizeAttempt(productID string, outcome purchase.Outcome, details purchase.FinalizeDetails) (*purchase.State, error) {
	now := time.Now().UTC()
	var final *purchase.State

	err := s.withLockedStates(func(states map[string]*purchase.State) (bool, error) {
		st, ok := states[productID]
		if !ok {
			return false, fmt.Errorf("cannot finalize unknown product %s", productID)
		}
		if err := st.Finalize(outcome, details, now); err != nil {
			return false, err
		}
		copied := *st
		final = &copied
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// Reconcile corrects stale persisted state against external signals:
// terminal products whose latest signal is out-of-stock reset to ready, and
// in-flight attempts older than the stuck timeout are force-failed with
// stuck_timeout. Returns the number of states changed. Reconcile is
// idempotent for unchanged signals.
func (s *Store) Reconcile(signals map[string]StockSignal) (int, error) {
	now := time.Now().UTC()
	resetCount := 0

	err := s.withLockedStates(func(states map[string]*purchase.State) (bool, error) {
		changed := false

		for productID, st := range states {
			if st.StuckSince(s.stuckTimeout, now) {
				age := now.Sub(*st.StartedAt)
				if err := st.Finalize(purchase.OutcomeFailed, purchase.FinalizeDetails{
					FailureReason: purchase.ReasonStuckTimeout,
				}, now); err != nil {
					return changed, err
				}
				logging.Warn("forced stuck attempt to failed: product=%s age=%s", productID, age.Round(time.Second))
				resetCount++
				changed = true
				continue
			}

			if st.Terminal() {
				signal, ok := signals[productID]
				if ok && !signal.InStock {
					st.ResetReady()
					logging.Info("reconciled %s back to ready (out of stock)", productID)
					resetCount++
					changed = true
				}
			}
		}
		return changed, nil
	})
	if err != nil {
		return 0, err
	}
	return resetCount, nil
}

// SnapshotAll returns a copy of every persisted purchase state, keyed by
// product ID. Read-only; intended for observability.
func (s *Store) SnapshotAll() (map[string]purchase.State, error) {
	snapshot := make(map[string]purchase.State)
	err := s.withLockedStates(func(states map[string]*purchase.State) (bool, error) {
		for id, st := range states {
			snapshot[id] = *st
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// withLockedStates runs one read-modify-write cycle under both locks,
// persisting atomically when fn reports a change.
func (s *Store) withLockedStates(fn func(states map[string]*purchase.State) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquireFileLock()
	if err != nil {
		return err
	}
	defer func() {
		if release != nil {
			if err := release(); err != nil {
				logging.Warn("failed to release state file lock: %v", err)
			}
		}
	}()

	states := s.loadStates()

	changed, err := fn(states)
	if changed {
		if writeErr := fs.AtomicWriteJSON(s.fsys, s.statePath, states); writeErr != nil {
			if err != nil {
				return errors.Join(err, writeErr)
			}
			return fmt.Errorf("failed to persist purchase states: %w", writeErr)
		}
	}
	return err
}

// acquireFileLock takes the cross-process advisory lock with bounded
// backoff. Contention is logged, retried, and only surfaced after the
// attempt budget is spent.
func (s *Store) acquireFileLock() (func() error, error) {
	if !s.fileLock {
		return nil, nil
	}

	var release func() error
	err := retry.New(
		retry.Attempts(s.lockAttempts),
		retry.Delay(s.lockDelay),
		retry.MaxDelay(500*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			contended := errors.Is(err, fs.ErrLockContended)
			if contended {
				logging.Debug("state file lock contended, retrying")
			}
			return contended
		}),
		retry.LastErrorOnly(true),
	).Do(func() error {
		var err error
		release, err = fs.TryLockFile(s.lockPath)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("state file lock: %w", err)
	}
	return release, nil
}

// loadStates reads the persisted map. A missing, corrupt, or partial file is
// treated as "no prior state", never fatal.
func (s *Store) loadStates() map[string]*purchase.State {
	states := make(map[string]*purchase.State)

	data, err := afero.ReadFile(s.fsys, s.statePath)
	if err != nil {
		return states
	}

	if err := json.Unmarshal(data, &states); err != nil {
		logging.Warn("state file %s is corrupt, starting from empty state: %v", s.statePath, err)
		return make(map[string]*purchase.State)
	}

	for id, st := range states {
		if st == nil {
			states[id] = purchase.NewReady(id)
			continue
		}
		st.Normalize(id)
	}
	return states
}
