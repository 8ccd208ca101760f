// Package policy evaluates wallet spending rules before funds move.
package policy

import (
	"fmt"
	"math/big"

	"github.com/mbd888/stakehouse/internal/token"
)

// Denial reasons. The escrow layer prefixes these with the role of the
// participant that tripped the rule (challenger_, opponent_).
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonDailyLimitExceeded  = "daily_limit_exceeded"
	ReasonBankrollCapExceeded = "bet_exceeds_bankroll_cap"
)

// Denial describes a policy rule that blocked an operation.
type Denial struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Reason, d.Detail)
}

// Engine holds the configured spending limits.
type Engine struct {
	dailyTxCap     int64
	bankrollCapPct int64
}

// NewEngine creates a policy engine. A dailyTxCap of zero disables the
// daily limit; a bankrollCapPct of zero disables the bankroll cap.
func NewEngine(dailyTxCap, bankrollCapPct int64) *Engine {
	return &Engine{dailyTxCap: dailyTxCap, bankrollCapPct: bankrollCapPct}
}

// CheckBalance denies when balance cannot cover the stake.
func (e *Engine) CheckBalance(balance, stake *big.Int) *Denial {
	if balance.Cmp(stake) < 0 {
		return &Denial{
			Reason: ReasonInsufficientBalance,
			Detail: fmt.Sprintf("balance %s is less than stake %s", token.Format(balance), token.Format(stake)),
		}
	}
	return nil
}

// CheckDailyLimit denies when the wallet has already hit its daily
// transaction cap.
func (e *Engine) CheckDailyLimit(txCountToday int64) *Denial {
	if e.dailyTxCap > 0 && txCountToday >= e.dailyTxCap {
		return &Denial{
			Reason: ReasonDailyLimitExceeded,
			Detail: fmt.Sprintf("wallet has made %d transactions today (cap %d)", txCountToday, e.dailyTxCap),
		}
	}
	return nil
}

// CheckBankrollCap denies stakes above the configured percentage of the
// house bankroll. Exempt wallets (house, system) skip the cap.
func (e *Engine) CheckBankrollCap(stake, houseBankroll *big.Int, exempt bool) *Denial {
	if exempt || e.bankrollCapPct <= 0 {
		return nil
	}
	limit := new(big.Int).Mul(houseBankroll, big.NewInt(e.bankrollCapPct))
	limit.Quo(limit, big.NewInt(100))
	if stake.Cmp(limit) > 0 {
		return &Denial{
			Reason: ReasonBankrollCapExceeded,
			Detail: fmt.Sprintf("stake %s exceeds %d%% of house bankroll (%s)", token.Format(stake), e.bankrollCapPct, token.Format(limit)),
		}
	}
	return nil
}
