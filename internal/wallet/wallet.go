// Package wallet tracks player, house, and system balances on the platform.
//
// Flow:
//  1. A wallet is provisioned with a role and an optional chain address
//  2. Fund/transfer operations credit and debit the decimal-string balance
//  3. Escrow settlement moves stakes between wallets atomically
//  4. Daily transaction counters feed the spending policy
package wallet

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/stakehouse/internal/syncutil"
	"github.com/mbd888/stakehouse/internal/token"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Role classifies a wallet. House and system wallets are exempt from the
// bankroll cap; the system wallet additionally backs house top-ups.
type Role string

const (
	RolePlayer Role = "player"
	RoleHouse  Role = "house"
	RoleSystem Role = "system"
)

// Exempt reports whether the role skips the bankroll cap.
func (r Role) Exempt() bool {
	return r == RoleHouse || r == RoleSystem
}

// Record is a wallet's ledger state. Balance, TotalIn and TotalOut are
// decimal strings with 6 fractional digits.
type Record struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Address      string    `json:"address,omitempty"` // chain address, empty in runtime mode
	EncryptedKey string    `json:"-"`                 // opaque encrypted signing key material
	Balance      string    `json:"balance"`
	TotalIn      string    `json:"totalIn"`
	TotalOut     string    `json:"totalOut"`
	TxCountToday int64     `json:"txCountToday"`
	txDay        string    // YYYY-MM-DD the counter belongs to
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store is an in-memory wallet ledger. It is the authoritative balance
// book in runtime mode and a mirror of on-chain token balances in chain
// mode.
//
// Locking: the RWMutex guards only the record map. All access to a
// record's fields happens under that record's sharded key lock, so
// operations against the same wallet serialize while operations against
// different wallets run in parallel. Two-wallet operations acquire both
// key locks in shard order via LockPair.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record

	keys syncutil.ShardedMutex

	now func() time.Time
}

// NewStore creates an empty wallet store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *Store) lookup(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Put provisions a wallet. An existing record with the same ID keeps its
// balance and counters; role, address and key material are updated. An
// empty encryptedKey keeps whatever key material the record already holds.
func (s *Store) Put(ctx context.Context, id string, role Role, address, encryptedKey string) (*Record, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	if rec, ok := s.lookup(id); ok {
		rec.Role = role
		rec.Address = address
		if encryptedKey != "" {
			rec.EncryptedKey = encryptedKey
		}
		rec.UpdatedAt = s.now()
		cp := *rec
		return &cp, nil
	}

	now := s.now()
	rec := &Record{
		ID:           id,
		Role:         role,
		Address:      address,
		EncryptedKey: encryptedKey,
		Balance:      "0.000000",
		TotalIn:      "0.000000",
		TotalOut:     "0.000000",
		txDay:        now.UTC().Format("2006-01-02"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	cp := *rec
	return &cp, nil
}

// Get returns a copy of the wallet record.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *rec
	cp.TxCountToday = s.txToday(rec)
	return &cp, nil
}

// List returns copies of all wallet records sorted by ID.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue // removed between snapshot and copy
		}
		out = append(out, rec)
	}
	return out, nil
}

// BalanceOf returns the wallet balance in smallest units.
func (s *Store) BalanceOf(ctx context.Context, id string) (*big.Int, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	bal, _ := token.Parse(rec.Balance)
	return bal, nil
}

// Credit adds amount to the wallet balance.
func (s *Store) Credit(ctx context.Context, id string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.keys.Lock(id)
	defer unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return ErrWalletNotFound
	}
	s.credit(rec, amount)
	return nil
}

// Debit removes amount from the wallet balance, failing without mutation
// when the balance cannot cover it.
func (s *Store) Debit(ctx context.Context, id string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.keys.Lock(id)
	defer unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return ErrWalletNotFound
	}
	return s.debit(rec, amount)
}

// Transfer moves amount from one wallet to another. Both wallets are
// locked in shard order first, so the debit and credit land together or
// not at all.
func (s *Store) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return nil
	}

	unlock := s.keys.LockPair(from, to)
	defer unlock()

	src, ok := s.lookup(from)
	if !ok {
		return ErrWalletNotFound
	}
	dst, ok := s.lookup(to)
	if !ok {
		return ErrWalletNotFound
	}

	if err := s.debit(src, amount); err != nil {
		return err
	}
	s.credit(dst, amount)
	return nil
}

// DebitPair debits the same amount from two wallets as one atomic step.
// If either balance cannot cover the amount, neither wallet changes.
// Used to lock symmetric wager stakes.
func (s *Store) DebitPair(ctx context.Context, a, b string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.keys.LockPair(a, b)
	defer unlock()

	recA, ok := s.lookup(a)
	if !ok {
		return ErrWalletNotFound
	}
	recB, ok := s.lookup(b)
	if !ok {
		return ErrWalletNotFound
	}

	balA, _ := token.Parse(recA.Balance)
	balB, _ := token.Parse(recB.Balance)
	if balA.Cmp(amount) < 0 || balB.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	if err := s.debit(recA, amount); err != nil {
		return err
	}
	if err := s.debit(recB, amount); err != nil {
		// Unreachable after the joint check above, but restore A anyway.
		s.credit(recA, amount)
		return err
	}
	return nil
}

// CreditPair credits the same amount to two wallets as one atomic step.
// Used to return symmetric stakes on refund.
func (s *Store) CreditPair(ctx context.Context, a, b string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.keys.LockPair(a, b)
	defer unlock()

	recA, ok := s.lookup(a)
	if !ok {
		return ErrWalletNotFound
	}
	recB, ok := s.lookup(b)
	if !ok {
		return ErrWalletNotFound
	}

	s.credit(recA, amount)
	s.credit(recB, amount)
	return nil
}

// CreditSettlement credits the winner payout and the house fee as one
// atomic step. Both wallets are locked in shard order first, so a reader
// can never observe the payout landed without the fee. Either amount may
// be zero, but not both.
func (s *Store) CreditSettlement(ctx context.Context, winner, house string, payout, fee *big.Int) error {
	if payout == nil || fee == nil || payout.Sign() < 0 || fee.Sign() < 0 {
		return ErrInvalidAmount
	}
	if payout.Sign() == 0 && fee.Sign() == 0 {
		return ErrInvalidAmount
	}

	unlock := s.keys.LockPair(winner, house)
	defer unlock()

	win, ok := s.lookup(winner)
	if !ok {
		return ErrWalletNotFound
	}
	hse, ok := s.lookup(house)
	if !ok {
		return ErrWalletNotFound
	}

	if payout.Sign() > 0 {
		s.credit(win, payout)
	}
	if fee.Sign() > 0 {
		s.credit(hse, fee)
	}
	return nil
}

// SetBalance overwrites the wallet balance. The chain bridge uses this to
// mirror the confirmed on-chain balance after a transaction lands.
func (s *Store) SetBalance(ctx context.Context, id string, balance *big.Int) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return ErrWalletNotFound
	}
	rec.Balance = token.Format(balance)
	rec.UpdatedAt = s.now()
	return nil
}

// BumpActivity increments the wallet's daily transaction counter.
// Credits and debits do not bump it themselves; callers bump only after
// an operation fully succeeds, so a failed chain call never burns quota.
func (s *Store) BumpActivity(ctx context.Context, id string) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return ErrWalletNotFound
	}

	day := s.now().UTC().Format("2006-01-02")
	if rec.txDay != day {
		rec.txDay = day
		rec.TxCountToday = 0
	}
	rec.TxCountToday++
	rec.UpdatedAt = s.now()
	return nil
}

// TxToday returns the wallet's transaction count for the current UTC day.
func (s *Store) TxToday(ctx context.Context, id string) (int64, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	rec, ok := s.lookup(id)
	if !ok {
		return 0, ErrWalletNotFound
	}
	return s.txToday(rec), nil
}

func (s *Store) txToday(rec *Record) int64 {
	if rec.txDay != s.now().UTC().Format("2006-01-02") {
		return 0
	}
	return rec.TxCountToday
}

func (s *Store) credit(rec *Record, amount *big.Int) {
	bal, _ := token.Parse(rec.Balance)
	totalIn, _ := token.Parse(rec.TotalIn)
	bal.Add(bal, amount)
	totalIn.Add(totalIn, amount)
	rec.Balance = token.Format(bal)
	rec.TotalIn = token.Format(totalIn)
	rec.UpdatedAt = s.now()
}

func (s *Store) debit(rec *Record, amount *big.Int) error {
	bal, _ := token.Parse(rec.Balance)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	totalOut, _ := token.Parse(rec.TotalOut)
	bal.Sub(bal, amount)
	totalOut.Add(totalOut, amount)
	rec.Balance = token.Format(bal)
	rec.TotalOut = token.Format(totalOut)
	rec.UpdatedAt = s.now()
	return nil
}
