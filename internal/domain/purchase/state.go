package purchase

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a product's purchase attempt.
// Exactly one status holds at a time; transitions happen only through the
// state store's gated operations.
type Status string

const (
	StatusReady      Status = "ready"
	StatusQueued     Status = "queued"
	StatusAttempting Status = "attempting"
	StatusPurchased  Status = "purchased"
	StatusFailed     Status = "failed"
)

// ValidStatuses defines allowed values for the status field
var ValidStatuses = map[Status]bool{
	StatusReady:      true,
	StatusQueued:     true,
	StatusAttempting: true,
	StatusPurchased:  true,
	StatusFailed:     true,
}

// Outcome is the terminal result of a finished attempt.
type Outcome string

const (
	OutcomePurchased Outcome = "purchased"
	OutcomeFailed    Outcome = "failed"
)

// Reason explains why an attempt failed.
type Reason string

const (
	ReasonOutOfStock          Reason = "out_of_stock"
	ReasonPaymentFailed       Reason = "payment_failed"
	ReasonCartTimeout         Reason = "cart_timeout"
	ReasonCaptchaRequired     Reason = "captcha_required"
	ReasonPriceChanged        Reason = "price_changed"
	ReasonShippingUnavailable Reason = "shipping_unavailable"
	ReasonTimeout             Reason = "timeout"
	ReasonStuckTimeout        Reason = "stuck_timeout"
	ReasonInternalError       Reason = "internal_error"
	ReasonExecutorUnavailable Reason = "executor_unavailable"
	ReasonExecutionDisabled   Reason = "execution_disabled"
)

// State is the persisted purchase record for one product.
// It is owned exclusively by the state store; everyone else sees copies.
type State struct {
	ProductID     string     `json:"product_id"`
	Title         string     `json:"product_title,omitempty"`
	Status        Status     `json:"status"`
	AttemptID     string     `json:"attempt_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletesAt   *time.Time `json:"completes_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FinalOutcome  Outcome    `json:"final_outcome,omitempty"`
	OrderRef      string     `json:"order_reference,omitempty"`
	FailureReason Reason     `json:"failure_reason,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	RealAttempt   bool       `json:"is_real_attempt"`
}

// NewReady returns the implicit initial state for a product observed for the
// first time.
func NewReady(productID string) *State {
	return &State{ProductID: productID, Status: StatusReady}
}

// CanStart reports whether a new attempt may begin.
func (s *State) CanStart() bool {
	return s.Status == StatusReady
}

// InFlight reports whether an attempt is currently queued or running.
func (s *State) InFlight() bool {
	return s.Status == StatusQueued || s.Status == StatusAttempting
}

// Terminal reports whether the state is a completed attempt.
func (s *State) Terminal() bool {
	return s.Status == StatusPurchased || s.Status == StatusFailed
}

// StartAttempt transitions ready -> attempting and stamps the attempt.
func (s *State) StartAttempt(attemptID, title string, now time.Time, real bool) error {
	if !s.CanStart() {
		return fmt.Errorf("cannot start attempt for %s: status is %s", s.ProductID, s.Status)
	}
	started := now
	s.Status = StatusAttempting
	s.AttemptID = attemptID
	if title != "" {
		s.Title = title
	}
	s.StartedAt = &started
	s.CompletesAt = nil
	s.CompletedAt = nil
	s.FinalOutcome = ""
	s.OrderRef = ""
	s.FailureReason = ""
	s.AttemptCount++
	s.RealAttempt = real
	return nil
}

// FinalizeDetails carries the optional terminal facts of an attempt.
type FinalizeDetails struct {
	OrderRef      string
	FailureReason Reason
}

// Finalize transitions queued/attempting -> purchased/failed and stamps the
// completion time.
func (s *State) Finalize(outcome Outcome, details FinalizeDetails, now time.Time) error {
	if !s.InFlight() {
		return fmt.Errorf("cannot finalize %s: status is %s, not in flight", s.ProductID, s.Status)
	}
	completed := now
	s.CompletedAt = &completed
	s.FinalOutcome = outcome
	switch outcome {
	case OutcomePurchased:
		s.Status = StatusPurchased
		s.OrderRef = details.OrderRef
		s.FailureReason = ""
	case OutcomeFailed:
		s.Status = StatusFailed
		s.FailureReason = details.FailureReason
		s.OrderRef = ""
	default:
		return fmt.Errorf("cannot finalize %s: unknown outcome %q", s.ProductID, outcome)
	}
	return nil
}

// ResetReady returns a terminal state to ready for the next availability
// cycle, keeping the cumulative attempt count.
func (s *State) ResetReady() {
	count := s.AttemptCount
	title := s.Title
	*s = State{
		ProductID:    s.ProductID,
		Title:        title,
		Status:       StatusReady,
		AttemptCount: count,
	}
}

// StuckSince reports whether an in-flight attempt has exceeded the safety
// timeout.
func (s *State) StuckSince(timeout time.Duration, now time.Time) bool {
	if !s.InFlight() || s.StartedAt == nil {
		return false
	}
	return now.Sub(*s.StartedAt) > timeout
}

// Normalize repairs a state loaded from disk. Unknown statuses and in-flight
// records with no start timestamp are demoted to ready; every persisted value
// must be explainable by a terminal or timed-out transition.
func (s *State) Normalize(productID string) {
	if s.ProductID == "" {
		s.ProductID = productID
	}
	if !ValidStatuses[s.Status] {
		s.Status = StatusReady
	}
	if s.InFlight() && s.StartedAt == nil {
		s.ResetReady()
	}
}
