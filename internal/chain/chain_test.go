package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// testKey is the first dev-chain account key; never holds real funds.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type mockClient struct {
	chainID        *big.Int
	blockNumber    uint64
	callResult     []byte
	callErr        error
	nonce          uint64
	nonceErr       error
	gasPrice       *big.Int
	estimateErr    error
	sendErr        error
	sentTx         *types.Transaction
	receipt        *types.Receipt
	receiptErr     error
	nativeBalance  *big.Int
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) { return m.chainID, nil }
func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.blockNumber, nil
}
func (m *mockClient) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	return nil, errors.New("not implemented")
}
func (m *mockClient) TransactionByHash(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
	return nil, false, errors.New("not implemented")
}
func (m *mockClient) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	return m.receipt, m.receiptErr
}
func (m *mockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (m *mockClient) CallContract(ctx context.Context, call ethereum.CallMsg, bn *big.Int) ([]byte, error) {
	return m.callResult, m.callErr
}
func (m *mockClient) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	return m.nonce, m.nonceErr
}
func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return m.gasPrice, nil
}
func (m *mockClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return 60000, nil
}
func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTx = tx
	return nil
}
func (m *mockClient) BalanceAt(ctx context.Context, a common.Address, bn *big.Int) (*big.Int, error) {
	return m.nativeBalance, nil
}
func (m *mockClient) Close() {}

func newTestChain(t *testing.T, client Client) *Chain {
	t.Helper()
	c, err := New(Config{
		RPCURL:            "http://localhost:8545",
		SponsorPrivateKey: testKey,
		ChainID:           84532,
		TokenContract:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenDecimals:     6,
	}, WithClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{SponsorPrivateKey: testKey, ChainID: 1, TokenContract: "0x1"})
	if !errors.Is(err, ErrRPCConnection) {
		t.Errorf("missing RPC error = %v", err)
	}

	_, err = New(Config{RPCURL: "http://x", SponsorPrivateKey: "short", ChainID: 1, TokenContract: "0x1"})
	if !errors.Is(err, ErrInvalidPrivateKey) {
		t.Errorf("bad key error = %v", err)
	}
}

func TestBalanceOf(t *testing.T) {
	want := big.NewInt(5_000_000)
	client := &mockClient{callResult: common.LeftPadBytes(want.Bytes(), 32)}
	c := newTestChain(t, client)

	got, err := c.BalanceOf(context.Background(), common.HexToAddress("0x1"))
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Errorf("balance = %s, want %s", got, want)
	}
}

func TestTransferSignsAndSends(t *testing.T) {
	client := &mockClient{nonce: 7}
	c := newTestChain(t, client)

	result, err := c.Transfer(context.Background(), common.HexToAddress("0x2"), big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if result.Nonce != 7 {
		t.Errorf("nonce = %d, want 7", result.Nonce)
	}
	if result.TxHash == "" {
		t.Error("empty tx hash")
	}
	if client.sentTx == nil {
		t.Fatal("no transaction sent")
	}
	if client.sentTx.Gas() != 60000 {
		t.Errorf("gas = %d, want estimate 60000", client.sentTx.Gas())
	}
}

func TestTransferFallsBackToDefaultGas(t *testing.T) {
	client := &mockClient{estimateErr: errors.New("execution reverted")}
	c := newTestChain(t, client)

	_, err := c.Transfer(context.Background(), common.HexToAddress("0x2"), big.NewInt(1))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if client.sentTx.Gas() != DefaultGasLimit {
		t.Errorf("gas = %d, want default %d", client.sentTx.Gas(), DefaultGasLimit)
	}
}

func TestSendWrapsErrors(t *testing.T) {
	client := &mockClient{sendErr: errors.New("nonce too low")}
	c := newTestChain(t, client)

	_, err := c.Mint(context.Background(), common.HexToAddress("0x2"), big.NewInt(1))
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error = %v, want CallError", err)
	}
	if callErr.Op != "mint" || callErr.TxHash == "" {
		t.Errorf("CallError = %+v", callErr)
	}
}

func TestSendCircuitOpensAfterRepeatedFailures(t *testing.T) {
	client := &mockClient{sendErr: errors.New("connection refused")}
	c := newTestChain(t, client)

	for i := 0; i < 5; i++ {
		if _, err := c.Mint(context.Background(), common.HexToAddress("0x2"), big.NewInt(1)); err == nil {
			t.Fatalf("send %d: expected error", i)
		}
	}

	_, err := c.Mint(context.Background(), common.HexToAddress("0x2"), big.NewInt(1))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
}

func TestWaitMined(t *testing.T) {
	client := &mockClient{
		receipt: &types.Receipt{Status: 1, BlockNumber: big.NewInt(123), GasUsed: 42000},
	}
	c := newTestChain(t, client)

	result, err := c.WaitMined(context.Background(), "0xabc", 10*time.Second)
	if err != nil {
		t.Fatalf("WaitMined: %v", err)
	}
	if result.BlockNumber != 123 || result.GasUsed != 42000 {
		t.Errorf("result = %+v", result)
	}
}

func TestWaitMinedReverted(t *testing.T) {
	client := &mockClient{
		receipt: &types.Receipt{Status: 0, BlockNumber: big.NewInt(123)},
	}
	c := newTestChain(t, client)

	_, err := c.WaitMined(context.Background(), "0xabc", 10*time.Second)
	if !errors.Is(err, ErrTransactionFailed) {
		t.Errorf("error = %v, want ErrTransactionFailed", err)
	}
}

func TestWaitMinedTimeout(t *testing.T) {
	client := &mockClient{receiptErr: errors.New("not found")}
	c := newTestChain(t, client)

	_, err := c.WaitMined(context.Background(), "0xabc", 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

// walletKey is the second dev-chain account key.
const walletKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func TestTransferAsSignsWithWalletKey(t *testing.T) {
	client := &mockClient{}
	c := newTestChain(t, client)

	key, err := crypto.HexToECDSA(walletKey)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}

	if _, err := c.TransferAs(context.Background(), key, common.HexToAddress("0x2"), big.NewInt(1_000_000)); err != nil {
		t.Fatalf("TransferAs: %v", err)
	}
	if client.sentTx == nil {
		t.Fatal("no transaction sent")
	}

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(84532)), client.sentTx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if want := crypto.PubkeyToAddress(key.PublicKey); sender != want {
		t.Errorf("signed by %s, want the wallet key %s", sender.Hex(), want.Hex())
	}
}

func TestEnsureGasTopsUpLowBalance(t *testing.T) {
	client := &mockClient{nativeBalance: big.NewInt(0)}
	c := newTestChain(t, client)

	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	result, err := c.EnsureGas(context.Background(), addr)
	if err != nil {
		t.Fatalf("EnsureGas: %v", err)
	}
	if result == nil {
		t.Fatal("expected a top-up transaction")
	}
	if client.sentTx == nil {
		t.Fatal("no transaction sent")
	}
	if *client.sentTx.To() != addr {
		t.Errorf("top-up sent to %s", client.sentTx.To().Hex())
	}
	if client.sentTx.Value().Cmp(GasTopUpAmount) != 0 {
		t.Errorf("top-up value = %s, want %s", client.sentTx.Value(), GasTopUpAmount)
	}
	if client.sentTx.Gas() != NativeTransferGasLimit {
		t.Errorf("gas = %d, want %d for a bare value transfer", client.sentTx.Gas(), NativeTransferGasLimit)
	}
}

func TestEnsureGasSkipsFundedWallet(t *testing.T) {
	client := &mockClient{nativeBalance: new(big.Int).Mul(MinNativeBalance, big.NewInt(2))}
	c := newTestChain(t, client)

	result, err := c.EnsureGas(context.Background(), common.HexToAddress("0x3"))
	if err != nil {
		t.Fatalf("EnsureGas: %v", err)
	}
	if result != nil || client.sentTx != nil {
		t.Error("funded wallet should not be topped up")
	}
}

func TestEnsureGasSkipsSponsor(t *testing.T) {
	client := &mockClient{nativeBalance: big.NewInt(0)}
	c := newTestChain(t, client)

	result, err := c.EnsureGas(context.Background(), c.SponsorAddress())
	if err != nil {
		t.Fatalf("EnsureGas: %v", err)
	}
	if result != nil || client.sentTx != nil {
		t.Error("sponsor funds itself, no top-up expected")
	}
}
