package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     error
	}{
		{StatusDraft, StatusReady, nil},
		{StatusDraft, StatusSent, nil},
		{StatusReady, StatusSent, nil},
		{StatusSent, StatusSent, nil},
		{StatusSent, StatusSigned, nil},
		{StatusSigned, StatusPaid, nil},
		{StatusSigned, StatusCompleted, nil},
		{StatusPaid, StatusCompleted, nil},
		{StatusSigned, StatusCancelled, nil},
		{StatusDraft, StatusSigned, ErrInvalidTransition},
		{StatusSent, StatusPaid, ErrInvalidTransition},
		{StatusPaid, StatusSigned, ErrInvalidTransition},
		{StatusSigned, StatusSent, ErrInvalidTransition},
		{StatusCompleted, StatusCancelled, ErrContractClosed},
		{StatusCancelled, StatusSent, ErrContractClosed},
		{Status("archived"), StatusSent, ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := CanTransition(tt.from, tt.to)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNextPaymentStatus(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		paid    string
		total   string
		want    Status
		changed bool
	}{
		{"deposit moves signed to paid", StatusSigned, "250", "1000", StatusPaid, true},
		{"full payment completes", StatusSigned, "1000", "1000", StatusCompleted, true},
		{"rounding within epsilon completes", StatusPaid, "999.99", "1000", StatusCompleted, true},
		{"just outside epsilon stays paid", StatusPaid, "999.98", "1000", StatusPaid, false},
		{"overpayment completes", StatusPaid, "1200", "1000", StatusCompleted, true},
		{"nothing paid leaves signed", StatusSigned, "0", "1000", StatusSigned, false},
		{"zero total completes immediately", StatusSigned, "0", "0", StatusCompleted, true},
		{"completed never regresses", StatusCompleted, "10", "1000", StatusCompleted, false},
		{"cancelled is untouched", StatusCancelled, "1000", "1000", StatusCancelled, false},
		{"unsigned contract is untouched", StatusSent, "1000", "1000", StatusSent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := NextPaymentStatus(tt.current, dec(tt.paid), dec(tt.total))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestStatusRankIsMonotonic(t *testing.T) {
	order := []Status{StatusDraft, StatusReady, StatusSent, StatusSigned, StatusPaid, StatusCompleted}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, Rank(order[i]), Rank(order[i-1]))
	}
	assert.Equal(t, -1, Rank(StatusCancelled))
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusCancelled.AtLeastSigned())
}

func TestValidateAmounts(t *testing.T) {
	assert.NoError(t, ValidateAmounts(dec("250"), dec("1000")))
	assert.NoError(t, ValidateAmounts(dec("1000"), dec("1000")))
	assert.NoError(t, ValidateAmounts(dec("0"), dec("0")))
	assert.ErrorIs(t, ValidateAmounts(dec("1000.01"), dec("1000")), ErrDepositExceedsTotal)
	assert.ErrorIs(t, ValidateAmounts(dec("-1"), dec("1000")), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmounts(dec("1"), dec("10.005")), ErrInvalidAmount)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Signed ")
	assert.NoError(t, err)
	assert.Equal(t, StatusSigned, s)

	_, err = ParseStatus("archived")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestOverpayment(t *testing.T) {
	tests := []struct {
		paid, total string
		excess      string
		over        bool
	}{
		{"100", "100", "0", false},
		{"100.01", "100", "0", false},
		{"100.02", "100", "0.02", true},
		{"200", "100", "100", true},
		{"10", "0", "10", true},
	}
	for _, tt := range tests {
		excess, over := Overpayment(dec(tt.paid), dec(tt.total))
		assert.Equal(t, tt.over, over, "%s of %s", tt.paid, tt.total)
		assert.True(t, dec(tt.excess).Equal(excess), "%s of %s: excess %s", tt.paid, tt.total, excess)
	}
}
