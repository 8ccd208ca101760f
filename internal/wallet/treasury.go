package wallet

import (
	"context"
	"fmt"
	"math/big"
)

// Treasury moves funds between the system bankroll and the house wallet.
// The system wallet is the source of last resort: when the house cannot
// cover a stake, the escrow layer asks the treasury for a refill before
// retrying the debit once.
type Treasury struct {
	store    *Store
	houseID  string
	systemID string
}

// NewTreasury creates a treasury over the given store.
func NewTreasury(store *Store, houseID, systemID string) *Treasury {
	return &Treasury{store: store, houseID: houseID, systemID: systemID}
}

// HouseID returns the house wallet identifier.
func (t *Treasury) HouseID() string {
	return t.houseID
}

// SystemID returns the system wallet identifier.
func (t *Treasury) SystemID() string {
	return t.systemID
}

// HouseBankroll returns the house balance in smallest units.
func (t *Treasury) HouseBankroll(ctx context.Context) (*big.Int, error) {
	return t.store.BalanceOf(ctx, t.houseID)
}

// RefillHouse transfers amount from the system wallet to the house.
// Fails when the system wallet itself cannot cover the refill.
func (t *Treasury) RefillHouse(ctx context.Context, amount *big.Int) error {
	if err := t.store.Transfer(ctx, t.systemID, t.houseID, amount); err != nil {
		return fmt.Errorf("house refill from system wallet: %w", err)
	}
	return nil
}

// TransferFromHouse floats amount from the house to a platform-managed
// wallet that came up short. The reason is recorded for the audit trail.
func (t *Treasury) TransferFromHouse(ctx context.Context, toID string, amount *big.Int, reason string) error {
	if err := t.store.Transfer(ctx, t.houseID, toID, amount); err != nil {
		return fmt.Errorf("house float to %s (%s): %w", toID, reason, err)
	}
	return nil
}
