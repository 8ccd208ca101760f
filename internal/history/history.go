// Package history persists completed settlements for audit and paging.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("settlement not found")

// Settlement outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeRefunded = "refunded"
)

// Settlement is the immutable record of one completed wager escrow.
// Amounts are decimal strings with 6 fractional digits. WinnerID, Fee
// and Payout are empty for refunds.
type Settlement struct {
	ID           string    `json:"id"`
	WagerID      string    `json:"wagerId"`
	Outcome      string    `json:"outcome"`
	ChallengerID string    `json:"challengerId"`
	OpponentID   string    `json:"opponentId"`
	Stake        string    `json:"stake"` // per-player stake
	Pot          string    `json:"pot"`   // stake * 2
	WinnerID     string    `json:"winnerId,omitempty"`
	FeeBps       int64     `json:"feeBps,omitempty"`
	Fee          string    `json:"fee,omitempty"`
	Payout       string    `json:"payout,omitempty"`
	HouseTopUp   bool      `json:"houseTopUp,omitempty"` // lock needed a house refill
	TxHash       string    `json:"txHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists settlement records.
type Store interface {
	Record(ctx context.Context, s *Settlement) error
	GetByWager(ctx context.Context, wagerID string) (*Settlement, error)
	List(ctx context.Context, limit, offset int) ([]*Settlement, error)
}
