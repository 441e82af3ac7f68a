package allowance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/credits/allowance"
)

func TestRemaining(t *testing.T) {
	tests := []struct {
		name string
		a    *allowance.Allowance
		want int64
	}{
		{"nil", nil, 0},
		{"active", &allowance.Allowance{Status: allowance.StatusActive, IncludedPerPeriod: 100, UsedThisPeriod: 95}, 5},
		{"overused", &allowance.Allowance{Status: allowance.StatusActive, IncludedPerPeriod: 10, UsedThisPeriod: 12}, 0},
		{"inactive", &allowance.Allowance{Status: allowance.StatusInactive, IncludedPerPeriod: 100}, 0},
		{"cancelled", &allowance.Allowance{Status: allowance.StatusCancelled, IncludedPerPeriod: 100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Remaining())
		})
	}
}

func TestConsume(t *testing.T) {
	a := &allowance.Allowance{Status: allowance.StatusActive, IncludedPerPeriod: 100, UsedThisPeriod: 95}
	assert.Equal(t, int64(5), a.Consume(10))
	assert.Equal(t, int64(100), a.UsedThisPeriod)
	assert.Equal(t, int64(0), a.Consume(3))
}

func TestInPeriod(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := &allowance.Allowance{}
	assert.False(t, a.InPeriod(start))
	a.CurrentPeriodStart = &start
	assert.True(t, a.InPeriod(start.In(time.FixedZone("x", 3600))))
	assert.False(t, a.InPeriod(start.AddDate(0, 1, 0)))
}
