package policy

import (
	"math/big"
	"testing"

	"github.com/mbd888/stakehouse/internal/token"
)

func amt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := token.Parse(s)
	if !ok {
		t.Fatalf("bad amount %q", s)
	}
	return v
}

func TestCheckBalance(t *testing.T) {
	e := NewEngine(0, 0)

	if d := e.CheckBalance(amt(t, "10"), amt(t, "10")); d != nil {
		t.Errorf("exact balance denied: %v", d)
	}
	if d := e.CheckBalance(amt(t, "10"), amt(t, "10.000001")); d == nil {
		t.Error("stake above balance allowed")
	} else if d.Reason != ReasonInsufficientBalance {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonInsufficientBalance)
	}
}

func TestCheckDailyLimit(t *testing.T) {
	e := NewEngine(5, 0)

	if d := e.CheckDailyLimit(4); d != nil {
		t.Errorf("under cap denied: %v", d)
	}
	if d := e.CheckDailyLimit(5); d == nil {
		t.Error("at cap allowed")
	} else if d.Reason != ReasonDailyLimitExceeded {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonDailyLimitExceeded)
	}

	// Zero cap disables the rule.
	unlimited := NewEngine(0, 0)
	if d := unlimited.CheckDailyLimit(1_000_000); d != nil {
		t.Errorf("disabled cap denied: %v", d)
	}
}

func TestCheckBankrollCap(t *testing.T) {
	e := NewEngine(0, 10)
	bankroll := amt(t, "1000")

	if d := e.CheckBankrollCap(amt(t, "100"), bankroll, false); d != nil {
		t.Errorf("stake at cap denied: %v", d)
	}
	if d := e.CheckBankrollCap(amt(t, "100.000001"), bankroll, false); d == nil {
		t.Error("stake above cap allowed")
	} else if d.Reason != ReasonBankrollCapExceeded {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonBankrollCapExceeded)
	}

	// Exempt wallets skip the cap entirely.
	if d := e.CheckBankrollCap(amt(t, "5000"), bankroll, true); d != nil {
		t.Errorf("exempt wallet denied: %v", d)
	}
}
