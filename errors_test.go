package credits_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/credits"
)

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		short     bool
		conflict  bool
		retryable bool
	}{
		{"reservation missing", fmt.Errorf("lookup: %w", credits.ErrReservationNotFound), true, false, false, false},
		{"insufficient credits", credits.ErrInsufficientCredits, false, true, false, false},
		{"already committed", credits.ErrAlreadyCommitted, false, false, true, false},
		{"validation", credits.ValidationError{Field: "amount", Message: "must be positive"}, false, false, false, false},
		{"stale webhook", credits.ErrWebhookStale, false, false, false, false},
		{"store closed", credits.ErrStoreClosed, false, false, false, false},
		{"transient", errors.New("connection reset"), false, false, false, true},
		{"nil", nil, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, credits.IsNotFound(tt.err))
			assert.Equal(t, tt.short, credits.IsInsufficient(tt.err))
			assert.Equal(t, tt.conflict, credits.IsStateConflict(tt.err))
			assert.Equal(t, tt.retryable, credits.IsRetryable(tt.err))
		})
	}
}

func TestMultiError(t *testing.T) {
	var m credits.MultiError
	assert.NoError(t, m.ErrOrNil())
	assert.Nil(t, m.First())

	m.Add(nil)
	assert.False(t, m.HasErrors())

	m.Add(fmt.Errorf("owner a: %w", credits.ErrStoreClosed))
	m.Add(credits.ErrInsufficientCredits)

	err := m.ErrOrNil()
	assert.Error(t, err)
	assert.ErrorIs(t, err, credits.ErrStoreClosed)
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.ErrorIs(t, m.First(), credits.ErrStoreClosed)
}

func TestConsistencyWarningMessage(t *testing.T) {
	w := credits.ConsistencyWarning{OwnerID: "owner-1", Kind: credits.WarnReservedDrift, Expected: 3, Actual: 5, Detail: "drift"}
	assert.Equal(t, "credits: consistency warning reserved_balance_drift for owner owner-1: expected 3, actual 5: drift", w.Error())
}
