package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusSent      Status = "sent"
	StatusSigned    Status = "signed"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// PaymentEpsilon absorbs rounding between provider minor units and stored amounts.
var PaymentEpsilon = decimal.New(1, -2)

var statusRanks = map[Status]int{
	StatusDraft:     0,
	StatusReady:     1,
	StatusSent:      2,
	StatusSigned:    3,
	StatusPaid:      4,
	StatusCompleted: 5,
}

// transitions lists every legal edge. Self edges are idempotent replays.
var transitions = map[Status][]Status{
	StatusDraft:  {StatusReady, StatusSent, StatusCancelled},
	StatusReady:  {StatusReady, StatusSent, StatusCancelled},
	StatusSent:   {StatusSent, StatusSigned, StatusCancelled},
	StatusSigned: {StatusSigned, StatusPaid, StatusCompleted, StatusCancelled},
	StatusPaid:   {StatusPaid, StatusCompleted, StatusCancelled},
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", ErrInvalidStatus
	}
	return s, nil
}

func (s Status) Valid() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := statusRanks[s]
	return ok
}

// Rank orders the forward lifecycle. Cancelled sits outside the order and
// ranks -1.
func Rank(s Status) int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether nothing may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AtLeastSigned is true once the signer has accepted the contract.
func (s Status) AtLeastSigned() bool {
	return s != StatusCancelled && Rank(s) >= Rank(StatusSigned)
}

// CanTransition validates a single edge.
func CanTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return ErrInvalidStatus
	}
	if from.IsTerminal() {
		return ErrContractClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// IsFullyPaid applies the epsilon rule: paid >= total - 0.01.
func IsFullyPaid(totalPaid, total decimal.Decimal) bool {
	return totalPaid.GreaterThanOrEqual(total.Sub(PaymentEpsilon))
}

// Overpayment returns how far totalPaid exceeds total. Amounts inside the
// epsilon are not an overpayment.
func Overpayment(totalPaid, total decimal.Decimal) (decimal.Decimal, bool) {
	excess := totalPaid.Sub(total)
	if excess.GreaterThan(PaymentEpsilon) {
		return excess, true
	}
	return decimal.Zero, false
}

// NextPaymentStatus decides where reconciliation moves a contract given the
// sum of its completed payments. The bool is false when status stays put.
// Only signed and paid contracts move; status never goes backward.
func NextPaymentStatus(current Status, totalPaid, total decimal.Decimal) (Status, bool) {
	if current != StatusSigned && current != StatusPaid {
		return current, false
	}

	target := current
	switch {
	case IsFullyPaid(totalPaid, total):
		target = StatusCompleted
	case totalPaid.IsPositive():
		target = StatusPaid
	}

	if target == current || Rank(target) < Rank(current) {
		return current, false
	}
	return target, true
}
