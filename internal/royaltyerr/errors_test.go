package royaltyerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	invalidPct := Invalid("percentage", "invalid_percentage")

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"duplicate", fmt.Errorf("ingest: %w", ErrDuplicate), KindDuplicate},
		{"validation", invalidPct, KindValidation},
		{"wrapped validation", fmt.Errorf("create: %w", invalidPct), KindValidation},
		{"integrity", &IntegrityError{EntityID: "rel-1", Gap: true}, KindIntegrity},
		{"transition", &StateTransitionError{Resource: "payout", From: "pending", To: "completed"}, KindStateTransition},
		{"external", External("fx", errors.New("timeout")), KindExternal},
		{"not found", fmt.Errorf("payout: %w", ErrNotFound), KindNotFound},
		{"internal", errors.New("boom"), KindInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestInvalidSentinelMatchesByIdentity(t *testing.T) {
	sentinel := Invalid("amount", "invalid_amount")
	other := Invalid("amount", "invalid_amount")

	assert.ErrorIs(t, fmt.Errorf("wrap: %w", sentinel), sentinel)
	assert.NotErrorIs(t, other, sentinel)
}

func TestExternalDoesNotDoubleWrap(t *testing.T) {
	inner := External("platform", errors.New("bad payload"))
	outer := External("feed", fmt.Errorf("callback: %w", inner))

	var ext *ExternalError
	assert.True(t, errors.As(outer, &ext))
	assert.Equal(t, "platform", ext.Source)
	assert.Nil(t, External("x", nil))
}

func TestIntegrityErrorMessage(t *testing.T) {
	at := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	gap := &IntegrityError{EntityID: "rel-1", SplitType: "master", Instant: at, Gap: true}
	assert.Contains(t, gap.Error(), "no split agreements for rel-1/master")

	over := &IntegrityError{EntityID: "rel-1", SplitType: "master", Instant: at, Sum: "110"}
	assert.Contains(t, over.Error(), "sum to 110")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(External("fx", errors.New("down"))))
	assert.True(t, Retryable(errors.New("db gone")))
	assert.False(t, Retryable(Invalid("amount", "invalid_amount")))
	assert.False(t, Retryable(&IntegrityError{}))
}
