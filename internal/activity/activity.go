// Package activity indexes recent on-chain token transfers for a wallet.
//
// The indexer scans the settlement token's Transfer events over a bounded
// block window, once filtered by sender topic and once by recipient
// topic, then enriches each event with block timestamps and decoded
// transaction methods. Enrichment is best-effort: a failed header or
// transaction lookup degrades the affected record instead of failing the
// whole query.
package activity

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/stakehouse/internal/chain"
	"github.com/mbd888/stakehouse/internal/logging"
	"github.com/mbd888/stakehouse/internal/token"
)

// ERC20 Transfer event signature.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Lookback window bounds in blocks.
const (
	MinLookbackBlocks = 500
	MaxLookbackBlocks = 500000
)

// Transfer directions relative to the queried wallet.
const (
	DirectionIn   = "in"
	DirectionOut  = "out"
	DirectionSelf = "self"
)

// Record is one indexed token transfer.
type Record struct {
	TxHash       string     `json:"txHash"`
	LogIndex     uint       `json:"logIndex"`
	BlockNumber  uint64     `json:"blockNumber"`
	Timestamp    *time.Time `json:"timestamp,omitempty"` // nil when the header lookup failed
	Direction    string     `json:"direction"`
	Counterparty string     `json:"counterparty"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	Amount       string     `json:"amount"`                // ledger decimal string
	NativeValue  string     `json:"nativeValue,omitempty"` // wei carried by the enclosing transaction
	Method       string     `json:"method,omitempty"`

	TokenContract string `json:"tokenContract"`
	TokenSymbol   string `json:"tokenSymbol,omitempty"`
	TokenDecimals int    `json:"tokenDecimals"`
}

// Indexer queries transfer history from the chain.
type Indexer struct {
	client        chain.Client
	tokenContract common.Address
	tokenDecimals int
	tokenSymbol   string
	decoder       *methodDecoder

	// Chain id is immutable per connection; fetched once and cached.
	chainIDMu sync.Mutex
	chainID   *big.Int
}

// NewIndexer creates an activity indexer over the given client. The
// escrow contract address steers calldata decoding for settlement
// transactions.
func NewIndexer(client chain.Client, tokenContract, escrowContract common.Address, tokenDecimals int, tokenSymbol string) (*Indexer, error) {
	decoder, err := newMethodDecoder(tokenContract, escrowContract)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		client:        client,
		tokenContract: tokenContract,
		tokenDecimals: tokenDecimals,
		tokenSymbol:   tokenSymbol,
		decoder:       decoder,
	}, nil
}

// ChainID returns the connected chain's id, fetched once then cached.
func (ix *Indexer) ChainID(ctx context.Context) (*big.Int, error) {
	ix.chainIDMu.Lock()
	defer ix.chainIDMu.Unlock()
	if ix.chainID != nil {
		return new(big.Int).Set(ix.chainID), nil
	}
	id, err := ix.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	ix.chainID = id
	return new(big.Int).Set(id), nil
}

// ClampLookback bounds a requested lookback window to the allowed range.
func ClampLookback(blocks int64) int64 {
	if blocks < MinLookbackBlocks {
		return MinLookbackBlocks
	}
	if blocks > MaxLookbackBlocks {
		return MaxLookbackBlocks
	}
	return blocks
}

// Query returns the wallet's most recent transfers, newest first.
func (ix *Indexer) Query(ctx context.Context, addr common.Address, limit int, lookbackBlocks int64) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	lookbackBlocks = ClampLookback(lookbackBlocks)

	latest, err := ix.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	fromBlock := int64(latest) - lookbackBlocks
	if fromBlock < 0 {
		fromBlock = 0
	}

	addrTopic := common.BytesToHash(addr.Bytes())
	queries := []ethereum.FilterQuery{
		{
			FromBlock: big.NewInt(fromBlock),
			ToBlock:   big.NewInt(int64(latest)),
			Addresses: []common.Address{ix.tokenContract},
			Topics:    [][]common.Hash{{transferEventSig}, {addrTopic}}, // sent by wallet
		},
		{
			FromBlock: big.NewInt(fromBlock),
			ToBlock:   big.NewInt(int64(latest)),
			Addresses: []common.Address{ix.tokenContract},
			Topics:    [][]common.Hash{{transferEventSig}, nil, {addrTopic}}, // received by wallet
		},
	}

	// A self-transfer matches both queries; dedup on (txHash, logIndex).
	seen := make(map[string]types.Log)
	for _, q := range queries {
		logs, err := ix.client.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to filter logs: %w", err)
		}
		for _, l := range logs {
			seen[fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)] = l
		}
	}

	logs := make([]types.Log, 0, len(seen))
	for _, l := range seen {
		logs = append(logs, l)
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber > logs[j].BlockNumber
		}
		return logs[i].Index > logs[j].Index
	})
	if len(logs) > limit {
		logs = logs[:limit]
	}

	headers, txs := ix.enrich(ctx, logs)

	records := make([]*Record, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		from := common.HexToAddress(l.Topics[1].Hex())
		to := common.HexToAddress(l.Topics[2].Hex())
		amount := new(big.Int).SetBytes(l.Data)

		rec := &Record{
			TxHash:        l.TxHash.Hex(),
			LogIndex:      l.Index,
			BlockNumber:   l.BlockNumber,
			Amount:        token.Format(token.Rescale(amount, ix.tokenDecimals, token.LedgerDecimals)),
			Direction:     direction(addr, from, to),
			Counterparty:  counterparty(addr, from, to),
			From:          from.Hex(),
			To:            to.Hex(),
			TokenContract: ix.tokenContract.Hex(),
			TokenSymbol:   ix.tokenSymbol,
			TokenDecimals: ix.tokenDecimals,
		}
		if header, ok := headers[l.BlockNumber]; ok {
			ts := time.Unix(int64(header.Time), 0).UTC()
			rec.Timestamp = &ts
		}
		if tx, ok := txs[l.TxHash]; ok {
			rec.Method = ix.decoder.decode(tx)
			if v := tx.Value(); v != nil && v.Sign() > 0 {
				rec.NativeValue = v.String()
			}
		}
		records = append(records, rec)
	}

	return records, nil
}

// enrich fetches headers and transactions for the selected logs
// concurrently. Lookup failures are logged and leave the corresponding
// map entry absent.
func (ix *Indexer) enrich(ctx context.Context, logs []types.Log) (map[uint64]*types.Header, map[common.Hash]*types.Transaction) {
	blockSet := make(map[uint64]struct{})
	txSet := make(map[common.Hash]struct{})
	for _, l := range logs {
		blockSet[l.BlockNumber] = struct{}{}
		txSet[l.TxHash] = struct{}{}
	}

	headers := make(map[uint64]*types.Header)
	txs := make(map[common.Hash]*types.Transaction)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for bn := range blockSet {
		wg.Add(1)
		go func(bn uint64) {
			defer wg.Done()
			header, err := ix.client.HeaderByNumber(ctx, new(big.Int).SetUint64(bn))
			if err != nil {
				logging.L(ctx).Warn("header lookup failed", "block", bn, "error", err)
				return
			}
			mu.Lock()
			headers[bn] = header
			mu.Unlock()
		}(bn)
	}

	for h := range txSet {
		wg.Add(1)
		go func(h common.Hash) {
			defer wg.Done()
			tx, _, err := ix.client.TransactionByHash(ctx, h)
			if err != nil {
				logging.L(ctx).Warn("transaction lookup failed", "tx", h.Hex(), "error", err)
				return
			}
			mu.Lock()
			txs[h] = tx
			mu.Unlock()
		}(h)
	}

	wg.Wait()
	return headers, txs
}

func direction(addr, from, to common.Address) string {
	switch {
	case from == to:
		return DirectionSelf
	case from == addr:
		return DirectionOut
	default:
		return DirectionIn
	}
}

func counterparty(addr, from, to common.Address) string {
	if from == addr {
		return to.Hex()
	}
	return from.Hex()
}
