// Package royaltyerr defines the error taxonomy shared by the royalty engine.
//
// Domain packages declare their own sentinels on top of these kinds so that
// transports (HTTP, feeds) can classify any failure with Kind.
package royaltyerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is a low-cardinality error class.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindDuplicate       Kind = "duplicate"
	KindIntegrity       Kind = "integrity_error"
	KindStateTransition Kind = "state_transition_error"
	KindExternal        Kind = "external_error"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal_error"
)

var (
	// ErrDuplicate marks a replayed write. Callers treat it as a no-op success.
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not_found")
)

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Field string `json:"field"`
	Code  string `json:"code"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Code
	}
	return e.Field + ": " + e.Code
}

// Invalid builds a ValidationError. Package-level sentinels are created with it
// so errors.Is matches by identity.
func Invalid(field, code string) *ValidationError {
	return &ValidationError{Field: field, Code: code}
}

// Conflict describes one agreement involved in an integrity violation.
type Conflict struct {
	AgreementID   string     `json:"agreement_id"`
	RecipientID   string     `json:"recipient_id"`
	Percentage    string     `json:"percentage"`
	EffectiveDate time.Time  `json:"effective_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
}

// IntegrityError reports split agreements that do not partition 100% of an
// entity's revenue at some instant. It is never corrected automatically.
type IntegrityError struct {
	EntityID    string     `json:"entity_id"`
	SplitType   string     `json:"split_type"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	Instant     time.Time  `json:"instant"`
	Sum         string     `json:"sum"`
	Gap         bool       `json:"gap"`
	Agreements  []Conflict `json:"agreements,omitempty"`
}

func (e *IntegrityError) Error() string {
	if e.Gap {
		return fmt.Sprintf("integrity: no split agreements for %s/%s at %s",
			e.EntityID, e.SplitType, e.Instant.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("integrity: split percentages for %s/%s sum to %s at %s",
		e.EntityID, e.SplitType, e.Sum, e.Instant.UTC().Format(time.RFC3339))
}

// StateTransitionError rejects an operation on an entity in an incompatible state.
type StateTransitionError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

func (e *StateTransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Resource, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// ExternalError wraps failures of collaborators outside the engine, such as a
// malformed platform callback or an unavailable rate lookup.
type ExternalError struct {
	Source string
	Err    error
}

func (e *ExternalError) Error() string {
	if e.Err == nil {
		return "external " + e.Source + ": unknown failure"
	}
	return "external " + e.Source + ": " + e.Err.Error()
}

func (e *ExternalError) Unwrap() error { return e.Err }

// External wraps err as an ExternalError. A nil err yields nil.
func External(source string, err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalError{Source: strings.TrimSpace(source), Err: err}
}

// KindOf classifies err into the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		integrity  *IntegrityError
		transition *StateTransitionError
		external   *ExternalError
	)
	switch {
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &integrity):
		return KindIntegrity
	case errors.As(err, &transition):
		return KindStateTransition
	case errors.As(err, &external):
		return KindExternal
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// Retryable reports whether a unit of work failing with err may succeed later
// without operator intervention.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExternal, KindInternal:
		return true
	default:
		return false
	}
}
