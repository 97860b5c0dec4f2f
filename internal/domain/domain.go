package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is one of the two tradable sides of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether the side is a known value.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other side of the contract.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// NormalizedPrice converts a YES mark into the cost per contract of
// this side. NO contracts cost the complement of the YES price.
func (s Side) NormalizedPrice(yesPrice decimal.Decimal) decimal.Decimal {
	if s == SideNo {
		return decimal.NewFromInt(1).Sub(yesPrice)
	}
	return yesPrice
}

// Direction marks a trade as opening or closing exposure.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// ExecutionMode selects simulated fills or live orders.
type ExecutionMode string

const (
	ModeSimulate ExecutionMode = "simulate"
	ModeLive     ExecutionMode = "live"
)

// Market resolution values stored on resolved markets.
const (
	ResolutionYes = "YES"
	ResolutionNo  = "NO"
)

// SignalStatus is the lifecycle state of a signal. Transitions only
// move forward; the table in validTransitions is the single authority.
type SignalStatus string

const (
	StatusPending  SignalStatus = "pending"
	StatusSized    SignalStatus = "sized"
	StatusSent     SignalStatus = "sent"
	StatusFilled   SignalStatus = "filled"
	StatusRejected SignalStatus = "rejected"
	StatusSkipped  SignalStatus = "skipped"
	StatusError    SignalStatus = "error"
)

var validTransitions = map[SignalStatus][]SignalStatus{
	StatusPending: {StatusSized, StatusSkipped, StatusError},
	StatusSized:   {StatusSent, StatusFilled, StatusSkipped, StatusError},
	StatusSent:    {StatusFilled, StatusRejected, StatusError},
}

// Terminal reports whether no further transitions are allowed.
func (s SignalStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusSkipped, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s SignalStatus) CanTransition(next SignalStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move from s to next.
func (s SignalStatus) Transition(next SignalStatus) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
	}
	return nil
}

// PortfolioEntry is one externally held position reported by the
// brokerage.
type PortfolioEntry struct {
	MarketTicker string
	Side         Side
	Size         int64
	AvgPrice     decimal.Decimal
}

// ExpiryBucket groups markets by time remaining to expiry.
type ExpiryBucket string

const (
	ExpiryShort  ExpiryBucket = "short"  // <= 1 day
	ExpiryMedium ExpiryBucket = "medium" // <= 7 days
	ExpiryLong   ExpiryBucket = "long"
)
