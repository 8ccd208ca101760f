// Package escrow settles wagered head-to-head matches.
//
// Flow:
//  1. Match accepted → lock debits both stakes symmetrically (none → locked)
//  2. Match completes → resolve pays pot minus house fee to winner (locked → resolved)
//  3. Match aborts → refund returns both stakes, no fee (locked → refunded)
//
// A lock is idempotent per wager ID: replaying the same lock request
// returns the existing lock without moving funds again. Terminal states
// are final; a settled wager can never be locked or settled again.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/stakehouse/internal/history"
	"github.com/mbd888/stakehouse/internal/idgen"
	"github.com/mbd888/stakehouse/internal/logging"
	"github.com/mbd888/stakehouse/internal/metrics"
	"github.com/mbd888/stakehouse/internal/policy"
	"github.com/mbd888/stakehouse/internal/syncutil"
	"github.com/mbd888/stakehouse/internal/token"
	"github.com/mbd888/stakehouse/internal/traces"
	"github.com/mbd888/stakehouse/internal/wallet"
)

var (
	ErrWagerNotFound        = errors.New("wager escrow not found")
	ErrAlreadySettled       = errors.New("wager escrow already settled")
	ErrWagerMismatch        = errors.New("wager already locked with different participants")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrSameParticipant      = errors.New("challenger and opponent cannot be the same wallet")
	ErrWinnerNotParticipant = errors.New("winner is not a participant in this wager")
)

// Status represents the state of a wager escrow.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusResolved Status = "resolved"
	StatusRefunded Status = "refunded"
)

// Lock is the escrow record for one wager.
type Lock struct {
	WagerID      string     `json:"wagerId"`
	ChallengerID string     `json:"challengerId"`
	OpponentID   string     `json:"opponentId"`
	Stake        string     `json:"stake"` // per-player, decimal string
	Status       Status     `json:"status"`
	HouseTopUp   string     `json:"houseTopUp,omitempty"` // amount floated from the treasury, if any
	SettledAt    *time.Time `json:"settledAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow reached a final state.
func (l *Lock) IsTerminal() bool {
	return l.Status == StatusResolved || l.Status == StatusRefunded
}

// DenialError reports a policy rule that blocked a lock. Reason carries
// the role prefix of the participant that tripped the rule, e.g.
// "opponent_insufficient_balance".
type DenialError struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Funds abstracts the wallet ledger. Implemented by *wallet.Store.
type Funds interface {
	Get(ctx context.Context, id string) (*wallet.Record, error)
	BalanceOf(ctx context.Context, id string) (*big.Int, error)
	TxToday(ctx context.Context, id string) (int64, error)
	CreditSettlement(ctx context.Context, winner, house string, payout, fee *big.Int) error
	DebitPair(ctx context.Context, a, b string, amount *big.Int) error
	CreditPair(ctx context.Context, a, b string, amount *big.Int) error
	BumpActivity(ctx context.Context, id string) error
}

// Treasury abstracts house bankroll operations. Implemented by *wallet.Treasury.
type Treasury interface {
	HouseID() string
	HouseBankroll(ctx context.Context) (*big.Int, error)
	RefillHouse(ctx context.Context, amount *big.Int) error
	TransferFromHouse(ctx context.Context, toID string, amount *big.Int, reason string) error
}

// EventPublisher receives settlement lifecycle events for fan-out to
// websocket subscribers. Optional.
type EventPublisher interface {
	Publish(event string, data any)
}

// LockRequest contains the parameters for locking a wager escrow.
type LockRequest struct {
	WagerID      string `json:"wager_id" binding:"required"`
	ChallengerID string `json:"challenger_id" binding:"required"`
	OpponentID   string `json:"opponent_id" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
}

// LockResult is the outcome of a lock operation.
type LockResult struct {
	Lock       *Lock  `json:"lock"`
	Idempotent bool   `json:"idempotent"`           // request replayed an existing lock
	HouseTopUp string `json:"houseTopUp,omitempty"` // total amount the treasury floated for this lock
}

// Service implements wager escrow business logic over the wallet ledger.
type Service struct {
	funds         Funds
	treasury      Treasury
	rules         *policy.Engine
	settlements   history.Store
	events        EventPublisher
	defaultFeeBps int64

	wagerMu syncutil.ShardedMutex

	mu    sync.RWMutex
	locks map[string]*Lock
}

// NewService creates a new escrow service.
func NewService(funds Funds, treasury Treasury, rules *policy.Engine, settlements history.Store, defaultFeeBps int64) *Service {
	return &Service{
		funds:         funds,
		treasury:      treasury,
		rules:         rules,
		settlements:   settlements,
		defaultFeeBps: token.ClampBasisPoints(defaultFeeBps),
		locks:         make(map[string]*Lock),
	}
}

// WithEvents adds a settlement event publisher.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// DefaultFeeBps returns the fee applied when a resolve request names none.
func (s *Service) DefaultFeeBps() int64 {
	return s.defaultFeeBps
}

// Lock debits both participants' stakes and opens the escrow. Replaying
// the same request for an already-locked wager returns the existing lock
// without moving funds.
func (s *Service) Lock(ctx context.Context, req LockRequest) (*LockResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.WagerID(req.WagerID), traces.Amount(req.Amount))
	defer span.End()

	if req.ChallengerID == req.OpponentID {
		return nil, ErrSameParticipant
	}
	stake, ok := token.ParsePositive(req.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}

	unlock := s.wagerMu.Lock(req.WagerID)
	defer unlock()

	if existing := s.getLock(req.WagerID); existing != nil {
		if existing.IsTerminal() {
			metrics.EscrowLocks.WithLabelValues("conflict").Inc()
			return nil, ErrAlreadySettled
		}
		if existing.ChallengerID != req.ChallengerID ||
			existing.OpponentID != req.OpponentID {
			metrics.EscrowLocks.WithLabelValues("conflict").Inc()
			return nil, ErrWagerMismatch
		}
		// A replayed amount, same or different, never re-debits: the
		// original lock is the authoritative stake.
		metrics.EscrowLocks.WithLabelValues("idempotent").Inc()
		cp := *existing
		return &LockResult{Lock: &cp, Idempotent: true}, nil
	}

	topUp, err := s.admitParticipants(ctx, req, stake)
	if err != nil {
		metrics.EscrowLocks.WithLabelValues("denied").Inc()
		return nil, err
	}
	floated := ""
	if topUp.Sign() > 0 {
		floated = token.Format(topUp)
	}

	if err := s.funds.DebitPair(ctx, req.ChallengerID, req.OpponentID, stake); err != nil {
		metrics.EscrowLocks.WithLabelValues("denied").Inc()
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			// Raced with a concurrent debit between admission and lock.
			return nil, s.raceDenial(ctx, req, stake)
		}
		return nil, fmt.Errorf("failed to lock stakes: %w", err)
	}

	now := time.Now()
	lock := &Lock{
		WagerID:      req.WagerID,
		ChallengerID: req.ChallengerID,
		OpponentID:   req.OpponentID,
		Stake:        token.Format(stake),
		Status:       StatusLocked,
		HouseTopUp:   floated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.putLock(lock)

	_ = s.funds.BumpActivity(ctx, req.ChallengerID)
	_ = s.funds.BumpActivity(ctx, req.OpponentID)

	metrics.EscrowLocks.WithLabelValues("locked").Inc()
	metrics.EscrowLocked.Inc()
	logging.L(ctx).Info("escrow locked",
		"wager_id", req.WagerID,
		"challenger", req.ChallengerID,
		"opponent", req.OpponentID,
		"stake", lock.Stake,
		"house_top_up", floated)
	s.publish("escrow.locked", lock)

	cp := *lock
	return &LockResult{Lock: &cp, HouseTopUp: floated}, nil
}

// admitParticipants runs the spending policy for both sides of the wager.
// When the house is a participant and short on funds, the treasury refills
// it from the system wallet once before the balance check is retried.
// A platform-managed opponent (any non-player role other than the house
// itself) that is short gets its shortfall floated from the house instead.
// Returns the total amount floated across both paths.
func (s *Service) admitParticipants(ctx context.Context, req LockRequest, stake *big.Int) (*big.Int, error) {
	topUp := new(big.Int)

	bankroll, err := s.treasury.HouseBankroll(ctx)
	if err != nil {
		return topUp, fmt.Errorf("failed to read house bankroll: %w", err)
	}

	for _, p := range []struct {
		role string
		id   string
	}{
		{"challenger", req.ChallengerID},
		{"opponent", req.OpponentID},
	} {
		rec, err := s.funds.Get(ctx, p.id)
		if err != nil {
			if errors.Is(err, wallet.ErrWalletNotFound) {
				return topUp, &DenialError{
					Reason: p.role + "_wallet_not_found",
					Detail: fmt.Sprintf("wallet %q does not exist", p.id),
				}
			}
			return topUp, err
		}

		balance, _ := token.Parse(rec.Balance)
		if d := s.rules.CheckBalance(balance, stake); d != nil {
			shortfall := new(big.Int).Sub(stake, balance)
			switch {
			case rec.ID == s.treasury.HouseID():
				if refillErr := s.treasury.RefillHouse(ctx, shortfall); refillErr == nil {
					topUp.Add(topUp, shortfall)
					metrics.HouseTopUps.Inc()
					logging.L(ctx).Info("house wallet topped up for lock",
						"wager_id", req.WagerID, "amount", token.Format(shortfall))
					balance, _ = s.funds.BalanceOf(ctx, rec.ID)
					d = s.rules.CheckBalance(balance, stake)
				}
			case p.role == "opponent" && rec.Role != wallet.RolePlayer:
				if floatErr := s.treasury.TransferFromHouse(ctx, rec.ID, shortfall, "stake shortfall for wager "+req.WagerID); floatErr == nil {
					topUp.Add(topUp, shortfall)
					metrics.HouseTopUps.Inc()
					logging.L(ctx).Info("platform opponent floated from house",
						"wager_id", req.WagerID, "wallet_id", rec.ID, "amount", token.Format(shortfall))
					balance, _ = s.funds.BalanceOf(ctx, rec.ID)
					d = s.rules.CheckBalance(balance, stake)
				}
			}
			if d != nil {
				return topUp, &DenialError{Reason: p.role + "_" + d.Reason, Detail: d.Detail}
			}
		}

		txToday, err := s.funds.TxToday(ctx, p.id)
		if err != nil {
			return topUp, err
		}
		if d := s.rules.CheckDailyLimit(txToday); d != nil {
			return topUp, &DenialError{Reason: p.role + "_" + d.Reason, Detail: d.Detail}
		}

		if d := s.rules.CheckBankrollCap(stake, bankroll, rec.Role.Exempt()); d != nil {
			return topUp, &DenialError{Reason: p.role + "_" + d.Reason, Detail: d.Detail}
		}
	}

	return topUp, nil
}

// raceDenial attributes an insufficient-balance race to the side that can
// no longer cover the stake.
func (s *Service) raceDenial(ctx context.Context, req LockRequest, stake *big.Int) error {
	role, id := "challenger", req.ChallengerID
	if bal, err := s.funds.BalanceOf(ctx, req.ChallengerID); err == nil && bal.Cmp(stake) >= 0 {
		role, id = "opponent", req.OpponentID
	}
	bal, _ := s.funds.BalanceOf(ctx, id)
	return &DenialError{
		Reason: role + "_" + policy.ReasonInsufficientBalance,
		Detail: fmt.Sprintf("balance %s is less than stake %s", token.Format(bal), token.Format(stake)),
	}
}

// Resolve pays the pot minus the house fee to the winner. The fee is
// pot*feeBps/10000 with truncating division and is credited to the house
// wallet, so fee + payout always equals the pot exactly.
func (s *Service) Resolve(ctx context.Context, wagerID, winnerID string, feeBps int64) (*history.Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve",
		traces.WagerID(wagerID), traces.WalletID(winnerID), traces.Outcome(history.OutcomeResolved))
	defer span.End()

	unlock := s.wagerMu.Lock(wagerID)
	defer unlock()

	lock := s.getLock(wagerID)
	if lock == nil {
		return nil, ErrWagerNotFound
	}
	if lock.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	if winnerID != lock.ChallengerID && winnerID != lock.OpponentID {
		return nil, ErrWinnerNotParticipant
	}

	stake, _ := token.Parse(lock.Stake)
	pot := new(big.Int).Mul(stake, big.NewInt(2))
	feeBps = token.ClampBasisPoints(feeBps)
	fee, payout := token.SplitFee(pot, feeBps)

	// Payout and fee land together or not at all, so a retried resolve
	// after a failure can never double-pay the winner.
	if err := s.funds.CreditSettlement(ctx, winnerID, s.treasury.HouseID(), payout, fee); err != nil {
		return nil, fmt.Errorf("failed to credit settlement: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	lock.Status = StatusResolved
	lock.SettledAt = &now
	lock.UpdatedAt = now
	s.mu.Unlock()

	stl := &history.Settlement{
		ID:           idgen.WithPrefix("stl_"),
		WagerID:      wagerID,
		Outcome:      history.OutcomeResolved,
		ChallengerID: lock.ChallengerID,
		OpponentID:   lock.OpponentID,
		Stake:        lock.Stake,
		Pot:          token.Format(pot),
		WinnerID:     winnerID,
		FeeBps:       feeBps,
		Fee:          token.Format(fee),
		Payout:       token.Format(payout),
		HouseTopUp:   lock.HouseTopUp != "",
		CreatedAt:    now,
	}
	if err := s.settlements.Record(ctx, stl); err != nil {
		logging.L(ctx).Error("failed to record settlement", "wager_id", wagerID, "error", err)
	}

	_ = s.funds.BumpActivity(ctx, winnerID)

	metrics.Settlements.WithLabelValues(history.OutcomeResolved).Inc()
	metrics.EscrowLocked.Dec()
	logging.L(ctx).Info("escrow resolved",
		"wager_id", wagerID,
		"winner", winnerID,
		"pot", stl.Pot,
		"fee_bps", feeBps,
		"fee", stl.Fee,
		"payout", stl.Payout)
	s.publish("escrow.resolved", stl)

	return stl, nil
}

// Refund returns both stakes in full. No fee is taken on refund.
func (s *Service) Refund(ctx context.Context, wagerID string) (*history.Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.WagerID(wagerID), traces.Outcome(history.OutcomeRefunded))
	defer span.End()

	unlock := s.wagerMu.Lock(wagerID)
	defer unlock()

	lock := s.getLock(wagerID)
	if lock == nil {
		return nil, ErrWagerNotFound
	}
	if lock.IsTerminal() {
		return nil, ErrAlreadySettled
	}

	stake, _ := token.Parse(lock.Stake)
	if err := s.funds.CreditPair(ctx, lock.ChallengerID, lock.OpponentID, stake); err != nil {
		return nil, fmt.Errorf("failed to return stakes: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	lock.Status = StatusRefunded
	lock.SettledAt = &now
	lock.UpdatedAt = now
	s.mu.Unlock()

	stl := &history.Settlement{
		ID:           idgen.WithPrefix("stl_"),
		WagerID:      wagerID,
		Outcome:      history.OutcomeRefunded,
		ChallengerID: lock.ChallengerID,
		OpponentID:   lock.OpponentID,
		Stake:        lock.Stake,
		Pot:          token.Format(new(big.Int).Mul(stake, big.NewInt(2))),
		HouseTopUp:   lock.HouseTopUp != "",
		CreatedAt:    now,
	}
	if err := s.settlements.Record(ctx, stl); err != nil {
		logging.L(ctx).Error("failed to record settlement", "wager_id", wagerID, "error", err)
	}

	metrics.Settlements.WithLabelValues(history.OutcomeRefunded).Inc()
	metrics.EscrowLocked.Dec()
	logging.L(ctx).Info("escrow refunded", "wager_id", wagerID, "stake", lock.Stake)
	s.publish("escrow.refunded", stl)

	return stl, nil
}

// Get returns the escrow lock for a wager.
func (s *Service) Get(ctx context.Context, wagerID string) (*Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[wagerID]
	if !ok {
		return nil, ErrWagerNotFound
	}
	cp := *lock
	return &cp, nil
}

// Settlements returns completed settlements, newest first.
func (s *Service) Settlements(ctx context.Context, limit, offset int) ([]*history.Settlement, error) {
	return s.settlements.List(ctx, limit, offset)
}

func (s *Service) getLock(wagerID string) *Lock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locks[wagerID]
}

func (s *Service) putLock(lock *Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[lock.WagerID] = lock
}

func (s *Service) publish(event string, data any) {
	if s.events != nil {
		s.events.Publish(event, data)
	}
}
