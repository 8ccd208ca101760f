// Package chain handles all blockchain interactions for the settlement token.
//
// The platform custodies player wallets: each wallet signs its own token
// transactions with a key held by the platform, while a sponsor account
// mints, keeps wallets topped up with native gas, and signs for wallets
// without key material. Amounts at this boundary are raw token units in
// the contract's own decimal precision; the bridge rescales to and from
// ledger units.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/stakehouse/internal/circuitbreaker"
	"github.com/mbd888/stakehouse/internal/metrics"
	"github.com/mbd888/stakehouse/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrCircuitOpen       = errors.New("chain: send circuit open")
)

// CallError wraps chain call failures with context.
type CallError struct {
	Op     string // operation that failed
	TxHash string // transaction hash if available
	Err    error  // underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, truncated(e.Err))
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, truncated(e.Err))
}

func (e *CallError) Unwrap() error { return e.Err }

// truncated bounds RPC error text so provider responses cannot flood logs
// or API envelopes.
func truncated(err error) string {
	s := err.Error()
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// Client abstracts the go-ethereum client for testing.
// *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Minimal ABI for the settlement token: mintable ERC-20.
const tokenABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"mint","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for token transactions when estimation fails.
	DefaultGasLimit = uint64(100000)

	// NativeTransferGasLimit is the fixed cost of a plain value transfer.
	NativeTransferGasLimit = uint64(21000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

var (
	// MinNativeBalance is the floor below which a custodied wallet gets a
	// gas top-up from the sponsor before signing its own transactions.
	MinNativeBalance = big.NewInt(1_000_000_000_000_000) // 0.001 native

	// GasTopUpAmount is sent per top-up, covering dozens of token calls.
	GasTopUpAmount = big.NewInt(5_000_000_000_000_000) // 0.005 native
)

// Config for creating a chain handle.
type Config struct {
	RPCURL            string
	SponsorPrivateKey string // hex, 0x prefix optional
	ChainID           int64
	TokenContract     string
	EscrowContract    string
	TreasuryAddress   string
	TokenDecimals     int
}

// Option configures the chain handle.
type Option func(*Chain)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client Client) Option {
	return func(c *Chain) {
		c.client = client
	}
}

// TxResult contains details of a sent or mined transaction.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Chain is the handle for settlement token operations.
type Chain struct {
	client      Client
	sponsorKey  *ecdsa.PrivateKey
	sponsorAddr common.Address
	chainID     *big.Int
	token       common.Address
	escrow      common.Address
	treasury    common.Address
	decimals    int
	abi         abi.ABI

	// Trips after repeated send failures so a dead RPC endpoint is not
	// hammered with doomed transactions.
	breaker *circuitbreaker.Breaker

	// Serializes nonce assignment so concurrent sends cannot reuse one.
	nonceMu sync.Mutex
}

// New creates a chain handle from config.
func New(cfg Config, opts ...Option) (*Chain, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SponsorPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	decimals := cfg.TokenDecimals
	if decimals <= 0 {
		decimals = 6
	}

	c := &Chain{
		sponsorKey:  key,
		sponsorAddr: crypto.PubkeyToAddress(*pub),
		chainID:     big.NewInt(cfg.ChainID),
		token:       common.HexToAddress(cfg.TokenContract),
		escrow:      common.HexToAddress(cfg.EscrowContract),
		treasury:    common.HexToAddress(cfg.TreasuryAddress),
		decimals:    decimals,
		abi:         parsedABI,
		breaker:     circuitbreaker.New(5, 30*time.Second),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.SponsorPrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.TokenContract == "" {
		return fmt.Errorf("token contract address required")
	}
	return nil
}

// SponsorAddress returns the gas sponsor's address.
func (c *Chain) SponsorAddress() common.Address {
	return c.sponsorAddr
}

// TreasuryAddress returns the configured treasury address.
func (c *Chain) TreasuryAddress() common.Address {
	return c.treasury
}

// EscrowAddress returns the configured escrow contract address.
func (c *Chain) EscrowAddress() common.Address {
	return c.escrow
}

// TokenAddress returns the settlement token contract address.
func (c *Chain) TokenAddress() common.Address {
	return c.token
}

// TokenDecimals returns the token's decimal precision.
func (c *Chain) TokenDecimals() int {
	return c.decimals
}

// Client exposes the underlying client for read-side consumers.
func (c *Chain) Client() Client {
	return c.client
}

// BalanceOf returns the token balance of an address in raw units.
func (c *Chain) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", addr)
	if err != nil {
		return nil, &CallError{Op: "balance_of", Err: err}
	}
	result, err := c.call(ctx, "balance_of", data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}

// Allowance returns the token allowance owner has granted spender.
func (c *Chain) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("allowance", owner, spender)
	if err != nil {
		return nil, &CallError{Op: "allowance", Err: err}
	}
	result, err := c.call(ctx, "allowance", data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}

// NativeBalance returns an address's native coin balance in wei.
func (c *Chain) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		metrics.ChainCalls.WithLabelValues("native_balance", "error").Inc()
		return nil, &CallError{Op: "native_balance", Err: err}
	}
	metrics.ChainCalls.WithLabelValues("native_balance", "ok").Inc()
	return bal, nil
}

// Mint creates amount raw token units for the recipient. The sponsor
// account must be the token's minter.
func (c *Chain) Mint(ctx context.Context, to common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.abi.Pack("mint", to, amount)
	if err != nil {
		return nil, &CallError{Op: "mint", Err: err}
	}
	return c.send(ctx, "mint", data)
}

// Transfer moves amount raw token units from the sponsor to the recipient.
func (c *Chain) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.abi.Pack("transfer", to, amount)
	if err != nil {
		return nil, &CallError{Op: "transfer", Err: err}
	}
	return c.send(ctx, "transfer", data)
}

// TransferAs moves amount raw token units out of the wallet owning key.
// The caller ensures the wallet has native gas, see EnsureGas.
func (c *Chain) TransferAs(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.abi.Pack("transfer", to, amount)
	if err != nil {
		return nil, &CallError{Op: "transfer", Err: err}
	}
	return c.sendFrom(ctx, "transfer", key, crypto.PubkeyToAddress(key.PublicKey), c.token, big.NewInt(0), data)
}

// Approve grants spender an allowance over the sponsor's tokens. Used to
// prepare the escrow contract ahead of on-chain settlement.
func (c *Chain) Approve(ctx context.Context, spender common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.abi.Pack("approve", spender, amount)
	if err != nil {
		return nil, &CallError{Op: "approve", Err: err}
	}
	return c.send(ctx, "approve", data)
}

// ApproveAs grants spender an allowance over the tokens of the wallet
// owning key.
func (c *Chain) ApproveAs(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.abi.Pack("approve", spender, amount)
	if err != nil {
		return nil, &CallError{Op: "approve", Err: err}
	}
	return c.sendFrom(ctx, "approve", key, crypto.PubkeyToAddress(key.PublicKey), c.token, big.NewInt(0), data)
}

// EnsureGas tops up addr's native balance from the sponsor when it falls
// below MinNativeBalance. Returns nil, nil when no top-up was needed.
func (c *Chain) EnsureGas(ctx context.Context, addr common.Address) (*TxResult, error) {
	if addr == c.sponsorAddr {
		return nil, nil
	}
	bal, err := c.NativeBalance(ctx, addr)
	if err != nil {
		return nil, err
	}
	if bal.Cmp(MinNativeBalance) >= 0 {
		return nil, nil
	}
	return c.sendFrom(ctx, "gas_top_up", c.sponsorKey, c.sponsorAddr, addr, GasTopUpAmount, nil)
}

// WaitMined polls for the transaction receipt until mined or timeout.
func (c *Chain) WaitMined(ctx context.Context, txHash string, timeout time.Duration) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.ChainCalls.WithLabelValues("confirm", "timeout").Inc()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep polling.
				continue
			}

			if receipt.Status == 0 {
				metrics.ChainCalls.WithLabelValues("confirm", "reverted").Inc()
				return nil, &CallError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}

			metrics.ChainCalls.WithLabelValues("confirm", "ok").Inc()
			return &TxResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the client connection.
func (c *Chain) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// Read calls are retried on transient RPC failures. Sends are not: a
// broadcast transaction may have landed even when the RPC errors.
const (
	readRetryAttempts = 3
	readRetryDelay    = 150 * time.Millisecond
)

func (c *Chain) call(ctx context.Context, op string, data []byte) ([]byte, error) {
	var result []byte
	err := retry.Do(ctx, readRetryAttempts, readRetryDelay, func() error {
		var callErr error
		result, callErr = c.client.CallContract(ctx, ethereum.CallMsg{
			To:   &c.token,
			Data: data,
		}, nil)
		return callErr
	})
	if err != nil {
		metrics.ChainCalls.WithLabelValues(op, "error").Inc()
		return nil, &CallError{Op: op, Err: err}
	}
	metrics.ChainCalls.WithLabelValues(op, "ok").Inc()
	return result, nil
}

// send signs and broadcasts a token transaction from the sponsor account.
func (c *Chain) send(ctx context.Context, op string, data []byte) (*TxResult, error) {
	return c.sendFrom(ctx, op, c.sponsorKey, c.sponsorAddr, c.token, big.NewInt(0), data)
}

// sendFrom signs and broadcasts a transaction from an arbitrary account.
// Nonce assignment and broadcast happen under one lock so concurrent
// settlements cannot race on an account's nonce.
func (c *Chain) sendFrom(ctx context.Context, op string, key *ecdsa.PrivateKey, from, to common.Address, value *big.Int, data []byte) (*TxResult, error) {
	if !c.breaker.Allow("send") {
		metrics.ChainCalls.WithLabelValues(op, "circuit_open").Inc()
		return nil, &CallError{Op: op, Err: ErrCircuitOpen}
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		c.breaker.RecordFailure("send")
		metrics.ChainCalls.WithLabelValues(op, "error").Inc()
		return nil, &CallError{Op: op, Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		c.breaker.RecordFailure("send")
		metrics.ChainCalls.WithLabelValues(op, "error").Inc()
		return nil, &CallError{Op: op, Err: err}
	}

	gasLimit := NativeTransferGasLimit
	if len(data) > 0 {
		gasLimit, err = c.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			gasLimit = DefaultGasLimit
		}
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		metrics.ChainCalls.WithLabelValues(op, "error").Inc()
		return nil, &CallError{Op: op, Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		c.breaker.RecordFailure("send")
		metrics.ChainCalls.WithLabelValues(op, "error").Inc()
		return nil, &CallError{Op: op, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	c.breaker.RecordSuccess("send")
	metrics.ChainCalls.WithLabelValues(op, "ok").Inc()
	return &TxResult{
		TxHash: signedTx.Hash().Hex(),
		Nonce:  nonce,
	}, nil
}
