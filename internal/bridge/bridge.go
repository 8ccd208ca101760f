// Package bridge exposes wallet funding, withdrawal, and transfer in two
// modes. In runtime mode balances live only in the in-process ledger and
// operations settle instantly under a synthetic transaction hash. In
// chain mode every operation is mirrored to the settlement token
// contract: fund mints to the wallet's address, withdraw moves tokens to
// the treasury, and transfers move tokens between wallet addresses. A
// wallet with sealed key material signs its own token transactions after
// a native-gas top-up from the sponsor; wallets without key material are
// signed for by the sponsor account.
//
// The ledger is debited before any chain call and compensated when the
// call fails, so a reverted or unbroadcast transaction never leaves the
// book out of sync. Activity counters bump only after confirmed success.
package bridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/stakehouse/internal/chain"
	"github.com/mbd888/stakehouse/internal/idgen"
	"github.com/mbd888/stakehouse/internal/logging"
	"github.com/mbd888/stakehouse/internal/policy"
	"github.com/mbd888/stakehouse/internal/token"
	"github.com/mbd888/stakehouse/internal/traces"
	"github.com/mbd888/stakehouse/internal/wallet"
)

var (
	ErrNoChainAddress = errors.New("wallet has no chain address")
	ErrSameWallet     = errors.New("source and destination wallets are the same")
	ErrNoKeySealing   = errors.New("wallet key sealing not configured")
)

// DenialError reports a spending rule that blocked a bridge operation.
// Reason carries the wallet prefix that tripped the rule, e.g.
// "wallet_daily_limit_exceeded".
type DenialError struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Rules is the slice of the spending policy the bridge enforces before
// any funds move. Implemented by *policy.Engine.
type Rules interface {
	CheckDailyLimit(txToday int64) *policy.Denial
}

// Keys seals and opens wallet signing keys. Implemented by *secrets.Codec.
type Keys interface {
	SealHexKey(hexKey string) (string, error)
	OpenKey(encrypted string) (*ecdsa.PrivateKey, error)
}

// EventPublisher receives bridge operation events for fan-out to
// websocket subscribers. Optional.
type EventPublisher interface {
	Publish(event string, data any)
}

// Chain abstracts the settlement token operations the bridge needs.
// Implemented by *chain.Chain.
type Chain interface {
	Mint(ctx context.Context, to common.Address, amount *big.Int) (*chain.TxResult, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (*chain.TxResult, error)
	TransferAs(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.TxResult, error)
	ApproveAs(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount *big.Int) (*chain.TxResult, error)
	EnsureGas(ctx context.Context, addr common.Address) (*chain.TxResult, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	WaitMined(ctx context.Context, txHash string, timeout time.Duration) (*chain.TxResult, error)
	SponsorAddress() common.Address
	TreasuryAddress() common.Address
	EscrowAddress() common.Address
	TokenDecimals() int
}

// Receipt describes a completed bridge operation.
type Receipt struct {
	WalletID    string `json:"walletId"`
	Op          string `json:"op"`
	Amount      string `json:"amount"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	ToWalletID  string `json:"toWalletId,omitempty"`
}

// Summary is a wallet's combined ledger and chain view.
type Summary struct {
	Wallet       *wallet.Record `json:"wallet"`
	Symbol       string         `json:"symbol"`
	ChainBalance string         `json:"chainBalance,omitempty"`
	Stale        bool           `json:"stale,omitempty"` // chain balance from cache after a failed refresh
}

// WalletPreparation reports one wallet's escrow readiness: its token
// balance, escrow allowance, and native gas, plus any transactions sent
// to bring them up to the stake.
type WalletPreparation struct {
	WalletID      string `json:"walletId"`
	Address       string `json:"address,omitempty"`
	Balance       string `json:"balance,omitempty"`
	Allowance     string `json:"allowance,omitempty"`
	NativeBalance string `json:"nativeBalance,omitempty"` // wei
	MintTxHash    string `json:"mintTxHash,omitempty"`
	ApproveTxHash string `json:"approveTxHash,omitempty"`
	GasTxHash     string `json:"gasTxHash,omitempty"`
	Ready         bool   `json:"ready"`
	Error         string `json:"error,omitempty"`
}

// PrepareResult reports escrow preparation across all named wallets.
// Prepared is true only when every wallet is ready.
type PrepareResult struct {
	Prepared bool                 `json:"prepared"`
	Wallets  []*WalletPreparation `json:"wallets,omitempty"`
}

// Service implements bridge operations over the wallet ledger and an
// optional chain handle.
type Service struct {
	wallets *wallet.Store
	chain   Chain // nil in runtime mode
	rules   Rules
	keys    Keys           // nil when key sealing is not configured
	events  EventPublisher // nil when no subscriber fan-out
	symbol  string

	confirmTimeout time.Duration

	// Last successfully fetched chain balances, kept for stale reads.
	cacheMu sync.RWMutex
	cache   map[string]string
}

// NewService creates a bridge service. A nil chain selects runtime mode.
func NewService(wallets *wallet.Store, ch Chain, rules Rules, symbol string) *Service {
	return &Service{
		wallets:        wallets,
		chain:          ch,
		rules:          rules,
		symbol:         symbol,
		confirmTimeout: chain.DefaultConfirmationTimeout,
		cache:          make(map[string]string),
	}
}

// WithKeys adds a wallet key codec for per-wallet transaction signing.
func (s *Service) WithKeys(k Keys) *Service {
	s.keys = k
	return s
}

// WithEvents adds a bridge event publisher.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// ChainMode reports whether operations settle on chain.
func (s *Service) ChainMode() bool {
	return s.chain != nil
}

// SealWalletKey encrypts a hex private key for storage on a wallet record.
func (s *Service) SealWalletKey(hexKey string) (string, error) {
	if s.keys == nil {
		return "", ErrNoKeySealing
	}
	return s.keys.SealHexKey(hexKey)
}

// admit runs the spending rules for a wallet before any funds move.
// The prefix distinguishes the source wallet from a transfer target in
// the denial reason.
func (s *Service) admit(ctx context.Context, prefix, walletID string) error {
	txToday, err := s.wallets.TxToday(ctx, walletID)
	if err != nil {
		return err
	}
	if d := s.rules.CheckDailyLimit(txToday); d != nil {
		return &DenialError{Reason: prefix + d.Reason, Detail: d.Detail}
	}
	return nil
}

// signerFor resolves the signing key sealed on a wallet record. A wallet
// without key material is sponsor-custodied and returns nil.
func (s *Service) signerFor(rec *wallet.Record) (*ecdsa.PrivateKey, error) {
	if s.keys == nil || rec.EncryptedKey == "" {
		return nil, nil
	}
	key, err := s.keys.OpenKey(rec.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unseal signing key for %s: %w", rec.ID, err)
	}
	return key, nil
}

// Fund credits a wallet. In chain mode the amount is minted to the
// wallet's address and mirrored into the ledger once mined.
func (s *Service) Fund(ctx context.Context, walletID, amount string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "bridge.Fund",
		traces.WalletID(walletID), traces.Amount(amount))
	defer span.End()

	value, ok := token.ParsePositive(amount)
	if !ok {
		return nil, wallet.ErrInvalidAmount
	}
	if err := s.admit(ctx, "wallet_", walletID); err != nil {
		return nil, err
	}

	if s.chain == nil {
		if err := s.wallets.Credit(ctx, walletID, value); err != nil {
			return nil, err
		}
		_ = s.wallets.BumpActivity(ctx, walletID)
		r := s.receipt(ctx, walletID, "fund", value, idgen.TxHash(), 0)
		s.publish("wallet.funded", r)
		return r, nil
	}

	addr, err := s.chainAddress(ctx, walletID)
	if err != nil {
		return nil, err
	}

	raw := token.Rescale(value, token.LedgerDecimals, s.chain.TokenDecimals())
	sent, err := s.chain.Mint(ctx, addr, raw)
	if err != nil {
		return nil, err
	}
	mined, err := s.chain.WaitMined(ctx, sent.TxHash, s.confirmTimeout)
	if err != nil {
		return nil, err
	}

	if err := s.wallets.Credit(ctx, walletID, value); err != nil {
		logging.L(ctx).Error("ledger credit failed after mint",
			"wallet", walletID, "tx", sent.TxHash, "error", err)
		return nil, err
	}
	s.refreshChainBalance(ctx, walletID, addr)
	_ = s.wallets.BumpActivity(ctx, walletID)

	r := s.receipt(ctx, walletID, "fund", value, sent.TxHash, mined.BlockNumber)
	s.publish("wallet.funded", r)
	return r, nil
}

// Withdraw debits a wallet. In chain mode the wallet's own tokens move to
// the treasury; the ledger debit is compensated if the chain call fails.
func (s *Service) Withdraw(ctx context.Context, walletID, amount string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "bridge.Withdraw",
		traces.WalletID(walletID), traces.Amount(amount))
	defer span.End()

	value, ok := token.ParsePositive(amount)
	if !ok {
		return nil, wallet.ErrInvalidAmount
	}
	if err := s.admit(ctx, "wallet_", walletID); err != nil {
		return nil, err
	}

	if err := s.wallets.Debit(ctx, walletID, value); err != nil {
		return nil, err
	}

	if s.chain == nil {
		_ = s.wallets.BumpActivity(ctx, walletID)
		r := s.receipt(ctx, walletID, "withdraw", value, idgen.TxHash(), 0)
		s.publish("wallet.withdrawn", r)
		return r, nil
	}

	raw := token.Rescale(value, token.LedgerDecimals, s.chain.TokenDecimals())
	sent, err := s.sendTokens(ctx, walletID, s.chain.TreasuryAddress(), raw)
	if err != nil {
		s.compensate(ctx, walletID, value, "withdraw")
		return nil, err
	}
	mined, err := s.chain.WaitMined(ctx, sent.TxHash, s.confirmTimeout)
	if err != nil {
		s.compensate(ctx, walletID, value, "withdraw")
		return nil, err
	}

	_ = s.wallets.BumpActivity(ctx, walletID)
	r := s.receipt(ctx, walletID, "withdraw", value, sent.TxHash, mined.BlockNumber)
	s.publish("wallet.withdrawn", r)
	return r, nil
}

// Transfer moves funds between two wallets. In chain mode tokens also
// move from the sender's address to the recipient's.
func (s *Service) Transfer(ctx context.Context, fromID, toID, amount string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "bridge.Transfer",
		traces.WalletID(fromID), traces.Amount(amount))
	defer span.End()

	if fromID == toID {
		return nil, ErrSameWallet
	}
	value, ok := token.ParsePositive(amount)
	if !ok {
		return nil, wallet.ErrInvalidAmount
	}
	if err := s.admit(ctx, "wallet_", fromID); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, "target_wallet_", toID); err != nil {
		return nil, err
	}

	if err := s.wallets.Transfer(ctx, fromID, toID, value); err != nil {
		return nil, err
	}

	if s.chain == nil {
		_ = s.wallets.BumpActivity(ctx, fromID)
		r := s.receipt(ctx, fromID, "transfer", value, idgen.TxHash(), 0)
		r.ToWalletID = toID
		s.publish("wallet.transferred", r)
		return r, nil
	}

	toAddr, err := s.chainAddress(ctx, toID)
	if err != nil {
		s.reverse(ctx, fromID, toID, value)
		return nil, err
	}

	raw := token.Rescale(value, token.LedgerDecimals, s.chain.TokenDecimals())
	sent, err := s.sendTokens(ctx, fromID, toAddr, raw)
	if err != nil {
		s.reverse(ctx, fromID, toID, value)
		return nil, err
	}
	mined, err := s.chain.WaitMined(ctx, sent.TxHash, s.confirmTimeout)
	if err != nil {
		s.reverse(ctx, fromID, toID, value)
		return nil, err
	}

	_ = s.wallets.BumpActivity(ctx, fromID)
	r := s.receipt(ctx, fromID, "transfer", value, sent.TxHash, mined.BlockNumber)
	r.ToWalletID = toID
	s.publish("wallet.transferred", r)
	return r, nil
}

// sendTokens moves raw token units out of a wallet. A wallet with sealed
// key material is gassed up and signs its own transfer; otherwise the
// sponsor signs from its custody.
func (s *Service) sendTokens(ctx context.Context, fromID string, to common.Address, raw *big.Int) (*chain.TxResult, error) {
	rec, err := s.wallets.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	key, err := s.signerFor(rec)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return s.chain.Transfer(ctx, to, raw)
	}

	if gasTx, err := s.chain.EnsureGas(ctx, common.HexToAddress(rec.Address)); err != nil {
		return nil, err
	} else if gasTx != nil {
		if _, err := s.chain.WaitMined(ctx, gasTx.TxHash, s.confirmTimeout); err != nil {
			return nil, err
		}
	}
	return s.chain.TransferAs(ctx, key, to, raw)
}

// Summary returns the combined ledger and chain view of a wallet. When a
// chain balance refresh fails, the last known value is served marked
// stale instead of failing the request.
func (s *Service) Summary(ctx context.Context, walletID string) (*Summary, error) {
	rec, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Wallet: rec, Symbol: s.symbol}
	if s.chain == nil || rec.Address == "" {
		return summary, nil
	}

	raw, err := s.chain.BalanceOf(ctx, common.HexToAddress(rec.Address))
	if err != nil {
		s.cacheMu.RLock()
		cached, ok := s.cache[walletID]
		s.cacheMu.RUnlock()
		if ok {
			summary.ChainBalance = cached
			summary.Stale = true
			logging.L(ctx).Warn("serving stale chain balance",
				"wallet", walletID, "error", err)
			return summary, nil
		}
		return nil, err
	}

	formatted := token.Format(token.Rescale(raw, s.chain.TokenDecimals(), token.LedgerDecimals))
	s.cacheMu.Lock()
	s.cache[walletID] = formatted
	s.cacheMu.Unlock()
	summary.ChainBalance = formatted
	return summary, nil
}

// List returns all wallets.
func (s *Service) List(ctx context.Context) ([]*wallet.Record, error) {
	return s.wallets.List(ctx)
}

// PrepareEscrow readies each named wallet for an on-chain stake of
// amount: native gas is topped up, the token balance is minted up to the
// stake, and the wallet approves the escrow contract. The result reports
// every wallet's balance, allowance, and gas state. Runtime mode needs no
// preparation.
func (s *Service) PrepareEscrow(ctx context.Context, walletIDs []string, amount string) (*PrepareResult, error) {
	value, ok := token.ParsePositive(amount)
	if !ok {
		return nil, wallet.ErrInvalidAmount
	}

	if s.chain == nil {
		return &PrepareResult{Prepared: true}, nil
	}

	raw := token.Rescale(value, token.LedgerDecimals, s.chain.TokenDecimals())
	result := &PrepareResult{Prepared: true}
	for _, id := range walletIDs {
		p := s.prepareWallet(ctx, id, raw)
		if !p.Ready {
			result.Prepared = false
		}
		result.Wallets = append(result.Wallets, p)
	}
	return result, nil
}

func (s *Service) prepareWallet(ctx context.Context, walletID string, raw *big.Int) *WalletPreparation {
	p := &WalletPreparation{WalletID: walletID}
	fail := func(stage string, err error) *WalletPreparation {
		p.Error = stage + ": " + err.Error()
		return p
	}

	rec, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return fail("wallet", err)
	}
	if rec.Address == "" {
		return fail("wallet", ErrNoChainAddress)
	}
	p.Address = rec.Address
	addr := common.HexToAddress(rec.Address)

	// Native gas first: the wallet signs its own approval below.
	if gasTx, err := s.chain.EnsureGas(ctx, addr); err != nil {
		return fail("gas", err)
	} else if gasTx != nil {
		p.GasTxHash = gasTx.TxHash
		if _, err := s.chain.WaitMined(ctx, gasTx.TxHash, s.confirmTimeout); err != nil {
			return fail("gas", err)
		}
	}
	native, err := s.chain.NativeBalance(ctx, addr)
	if err != nil {
		return fail("gas", err)
	}
	p.NativeBalance = native.String()

	balance, err := s.chain.BalanceOf(ctx, addr)
	if err != nil {
		return fail("balance", err)
	}
	if balance.Cmp(raw) < 0 {
		shortfall := new(big.Int).Sub(raw, balance)
		mintTx, err := s.chain.Mint(ctx, addr, shortfall)
		if err != nil {
			return fail("mint", err)
		}
		p.MintTxHash = mintTx.TxHash
		if _, err := s.chain.WaitMined(ctx, mintTx.TxHash, s.confirmTimeout); err != nil {
			return fail("mint", err)
		}
		balance = raw
	}
	p.Balance = token.Format(token.Rescale(balance, s.chain.TokenDecimals(), token.LedgerDecimals))

	allowance, err := s.chain.Allowance(ctx, addr, s.chain.EscrowAddress())
	if err != nil {
		return fail("allowance", err)
	}
	if allowance.Cmp(raw) < 0 {
		key, err := s.signerFor(rec)
		if err != nil {
			return fail("approve", err)
		}
		if key == nil {
			return fail("approve", errors.New("wallet has no signing key to approve the escrow"))
		}
		approveTx, err := s.chain.ApproveAs(ctx, key, s.chain.EscrowAddress(), raw)
		if err != nil {
			return fail("approve", err)
		}
		p.ApproveTxHash = approveTx.TxHash
		if _, err := s.chain.WaitMined(ctx, approveTx.TxHash, s.confirmTimeout); err != nil {
			return fail("approve", err)
		}
		allowance = raw
	}
	p.Allowance = token.Format(token.Rescale(allowance, s.chain.TokenDecimals(), token.LedgerDecimals))

	p.Ready = true
	return p
}

func (s *Service) chainAddress(ctx context.Context, walletID string) (common.Address, error) {
	rec, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return common.Address{}, err
	}
	if rec.Address == "" {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoChainAddress, walletID)
	}
	return common.HexToAddress(rec.Address), nil
}

func (s *Service) refreshChainBalance(ctx context.Context, walletID string, addr common.Address) {
	raw, err := s.chain.BalanceOf(ctx, addr)
	if err != nil {
		logging.L(ctx).Warn("chain balance refresh failed", "wallet", walletID, "error", err)
		return
	}
	formatted := token.Format(token.Rescale(raw, s.chain.TokenDecimals(), token.LedgerDecimals))
	s.cacheMu.Lock()
	s.cache[walletID] = formatted
	s.cacheMu.Unlock()
}

func (s *Service) compensate(ctx context.Context, walletID string, value *big.Int, op string) {
	if err := s.wallets.Credit(ctx, walletID, value); err != nil {
		logging.L(ctx).Error("compensation credit failed",
			"wallet", walletID, "op", op, "amount", token.Format(value), "error", err)
	}
}

func (s *Service) reverse(ctx context.Context, fromID, toID string, value *big.Int) {
	if err := s.wallets.Transfer(ctx, toID, fromID, value); err != nil {
		logging.L(ctx).Error("transfer reversal failed",
			"from", fromID, "to", toID, "amount", token.Format(value), "error", err)
	}
}

func (s *Service) receipt(ctx context.Context, walletID, op string, value *big.Int, txHash string, block uint64) *Receipt {
	amount := token.Format(value)
	logging.L(ctx).Info("bridge operation settled",
		"wallet", walletID, "op", op, "amount", amount, "tx", txHash, "chain_mode", s.chain != nil)
	return &Receipt{
		WalletID:    walletID,
		Op:          op,
		Amount:      amount,
		TxHash:      txHash,
		BlockNumber: block,
	}
}

func (s *Service) publish(event string, data any) {
	if s.events != nil {
		s.events.Publish(event, data)
	}
}
