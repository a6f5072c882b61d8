package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/votechain/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

var (
	testChainID  = big.NewInt(1337)
	testIdentity = core.Identity("0x1111111111111111111111111111111111111111111111111111111111111111")
	errRPC       = errors.New("connection refused")
)

// fakeBackend answers contract calls by ABI-decoding the request and
// mines every broadcast transaction into a receipt unless told otherwise.
type fakeBackend struct {
	mu sync.Mutex

	abi      abi.ABI
	contract common.Address

	probeErr    error
	callErr     error
	receiptErr  error
	estimate    uint64
	estimateErr error
	gasPrice    *big.Int
	voted       map[[32]byte]bool
	inactive    bool
	noMine      bool
	revert      bool

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	counts   map[string]uint64
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	parsed, err := ParsedABI()
	require.NoError(t, err)
	return &fakeBackend{
		abi:      parsed,
		contract: common.HexToAddress(testContract),
		estimate: 60000,
		gasPrice: big.NewInt(1_500_000_000),
		voted:    make(map[[32]byte]bool),
		receipts: make(map[common.Hash]*types.Receipt),
		counts:   make(map[string]uint64),
	}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	return 100, nil
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return testChainID, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch method.Name {
	case methodHasVoted:
		return method.Outputs.Pack(f.voted[args[0].([32]byte)])
	case methodIsVotingActive:
		return method.Outputs.Pack(!f.inactive)
	case methodGetVoteCount:
		return method.Outputs.Pack(new(big.Int).SetUint64(f.counts[args[0].(string)]))
	case methodGetTotalVotes:
		var total uint64
		for _, n := range f.counts {
			total += n
		}
		return method.Outputs.Pack(new(big.Int).SetUint64(total))
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, tx)
	if f.noMine {
		return nil
	}

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(101),
		BlockHash:   common.HexToHash("0xb10c"),
		GasUsed:     52000,
	}
	if f.revert {
		receipt.Status = types.ReceiptStatusFailed
		f.receipts[tx.Hash()] = receipt
		return nil
	}

	args, err := f.abi.Methods[methodCastVote].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	hash, party := args[0].([32]byte), args[1].(string)
	data, err := f.abi.Events[eventVoteCast].Inputs.NonIndexed().Pack(party, big.NewInt(1700000000))
	if err != nil {
		return err
	}
	receipt.Logs = []*types.Log{{
		Address: f.contract,
		Topics:  []common.Hash{f.abi.Events[eventVoteCast].ID, common.Hash(hash)},
		Data:    data,
	}}
	f.voted[hash] = true
	f.counts[party]++
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func newTestClient(t *testing.T, backend *fakeBackend, cfg Config) *Client {
	t.Helper()
	if cfg.ContractAddress == "" {
		cfg.ContractAddress = testContract
	}
	if cfg.PrivateKey == "" {
		cfg.PrivateKey = testKey(t)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	c, err := New(backend, cfg, nil)
	require.NoError(t, err)
	return c
}

func TestSubmitVote_Confirmed(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend, Config{})

	result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
	require.Equal(t, core.SubmissionConfirmed, result.Status, result.Message)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, core.LedgerTxConfirmed, result.Transaction.Status)
	require.NotNil(t, result.Transaction.BlockNumber)
	assert.Equal(t, uint64(101), *result.Transaction.BlockNumber)
	assert.Equal(t, uint64(52000), result.Transaction.GasUsed)
	assert.Equal(t, c.Sender().Hex(), result.Transaction.From)

	require.Len(t, backend.sent, 1)
	sent := backend.sent[0]
	assert.Equal(t, result.TxHash(), sent.Hash().Hex())
	assert.Equal(t, uint64(60000+DefaultGasMargin), sent.Gas())

	from, err := types.Sender(types.LatestSignerForChainID(testChainID), sent)
	require.NoError(t, err)
	assert.Equal(t, c.Sender(), from)

	voted, err := c.HasVoted(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestSubmitVote_GasLimit(t *testing.T) {
	tests := []struct {
		name        string
		estimate    uint64
		estimateErr error
		want        uint64
	}{
		{"margin added", 100000, nil, 150000},
		{"capped", 480000, nil, DefaultGasCap},
		{"fallback", 0, errRPC, DefaultGasFallback + DefaultGasMargin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend(t)
			backend.estimate = tt.estimate
			backend.estimateErr = tt.estimateErr
			c := newTestClient(t, backend, Config{})

			result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
			require.Equal(t, core.SubmissionConfirmed, result.Status)
			require.Len(t, backend.sent, 1)
			assert.Equal(t, tt.want, backend.sent[0].Gas())
		})
	}
}

func TestSubmitVote_ProbeFailure(t *testing.T) {
	backend := newFakeBackend(t)
	backend.probeErr = errRPC

	open := newTestClient(t, backend, Config{})
	result := open.SubmitVote(context.Background(), testIdentity, "PARTY1")
	require.Equal(t, core.SubmissionSimulated, result.Status)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, core.LedgerTxSimulated, result.Transaction.Status)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, result.TxHash())

	closed := newTestClient(t, backend, Config{Degrade: FailClosed})
	result = closed.SubmitVote(context.Background(), testIdentity, "PARTY1")
	assert.Equal(t, core.SubmissionRejected, result.Status)
	assert.Equal(t, core.RejectLedgerUnavailable, result.Reason)

	assert.Empty(t, backend.sent)
}

func TestSubmitVote_CallFailureDegrades(t *testing.T) {
	backend := newFakeBackend(t)
	backend.callErr = errRPC
	c := newTestClient(t, backend, Config{})

	result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
	assert.Equal(t, core.SubmissionSimulated, result.Status)
	assert.Empty(t, backend.sent)
}

func TestSubmitVote_NotConfigured(t *testing.T) {
	backend := newFakeBackend(t)
	c, err := New(backend, Config{}, nil)
	require.NoError(t, err)

	result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
	assert.Equal(t, core.SubmissionSimulated, result.Status)

	voted, err := c.HasVoted(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.False(t, voted)
}

func TestSubmitVote_Refusals(t *testing.T) {
	t.Run("already voted", func(t *testing.T) {
		backend := newFakeBackend(t)
		backend.voted[voterHash(testIdentity)] = true
		c := newTestClient(t, backend, Config{})

		result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
		assert.Equal(t, core.SubmissionRejected, result.Status)
		assert.Equal(t, core.RejectAlreadyVoted, result.Reason)
		assert.Empty(t, backend.sent)
	})

	t.Run("voting inactive", func(t *testing.T) {
		backend := newFakeBackend(t)
		backend.inactive = true
		c := newTestClient(t, backend, Config{})

		result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
		assert.Equal(t, core.SubmissionRejected, result.Status)
		assert.Equal(t, core.RejectVotingInactive, result.Reason)
		assert.Empty(t, backend.sent)
	})

	t.Run("reverted", func(t *testing.T) {
		backend := newFakeBackend(t)
		backend.revert = true
		c := newTestClient(t, backend, Config{})

		result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
		assert.Equal(t, core.SubmissionRejected, result.Status)
		assert.Equal(t, core.RejectReverted, result.Reason)
		require.NotNil(t, result.Transaction)
		assert.Equal(t, core.LedgerTxFailed, result.Transaction.Status)
	})
}

func TestSubmitVote_ReceiptTimeout(t *testing.T) {
	backend := newFakeBackend(t)
	backend.noMine = true
	c := newTestClient(t, backend, Config{ConfirmTimeout: 20 * time.Millisecond})

	result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
	require.Equal(t, core.SubmissionSimulated, result.Status)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, backend.sent[0].Hash().Hex(), result.TxHash(), "real hash is kept")
	assert.Equal(t, core.LedgerTxPending, result.Transaction.Status)
}

func TestVerifyEvent(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	c := newTestClient(t, backend, Config{})

	result := c.SubmitVote(ctx, testIdentity, "PARTY1")
	require.Equal(t, core.SubmissionConfirmed, result.Status)

	ok, err := c.VerifyEvent(ctx, testIdentity, "PARTY1", result.TxHash())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyEvent(ctx, testIdentity, "PARTY2", result.TxHash())
	require.NoError(t, err)
	assert.False(t, ok, "party mismatch")

	other := core.Identity("0x2222222222222222222222222222222222222222222222222222222222222222")
	ok, err = c.VerifyEvent(ctx, other, "PARTY1", result.TxHash())
	require.NoError(t, err)
	assert.False(t, ok, "identity mismatch")

	ok, err = c.VerifyEvent(ctx, testIdentity, "PARTY1", "0x"+hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	assert.False(t, ok, "unknown transaction")

	backend.receiptErr = errRPC
	_, err = c.VerifyEvent(ctx, testIdentity, "PARTY1", result.TxHash())
	assert.ErrorIs(t, err, core.ErrLedgerUnavailable)
}

func TestVerifyEvent_Reverted(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	backend.revert = true
	c := newTestClient(t, backend, Config{})

	result := c.SubmitVote(ctx, testIdentity, "PARTY1")
	ok, err := c.VerifyEvent(ctx, testIdentity, "PARTY1", result.TxHash())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadOnlyCalls(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	backend.counts["PARTY1"] = 3
	backend.counts["PARTY2"] = 2
	c := newTestClient(t, backend, Config{})

	total, err := c.TotalVotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), total)

	n, err := c.VoteCount(ctx, "PARTY1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	active, err := c.IsVotingActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	info, err := c.NetworkInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.Connected)
	assert.Equal(t, uint64(100), info.LatestBlock)
	assert.Equal(t, "1.50", info.GasPriceGwei)
	assert.Equal(t, 0, testChainID.Cmp(info.ChainID))
	assert.Equal(t, common.HexToAddress(testContract).Hex(), info.Contract)

	backend.probeErr = errRPC
	info, err = c.NetworkInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.Connected)
}

func TestNew_InvalidConfig(t *testing.T) {
	backend := newFakeBackend(t)

	_, err := New(backend, Config{ContractAddress: "not-an-address"}, nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = New(backend, Config{PrivateKey: "zz"}, nil)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = New(backend, Config{Degrade: "sometimes"}, nil)
	assert.Error(t, err)
}

func TestSimulatedHash(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := SimulatedHash(testIdentity, "PARTY1", at)
	b := SimulatedHash(testIdentity, "PARTY1", at)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, SimulatedHash(testIdentity, "PARTY2", at))
	assert.Len(t, a, 66)
}

func TestOffline(t *testing.T) {
	c, err := New(nil, Config{}, nil)
	require.NoError(t, err)

	result := c.SubmitVote(context.Background(), testIdentity, "PARTY1")
	assert.Equal(t, core.SubmissionSimulated, result.Status)

	info, err := c.NetworkInfo(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Connected)

	_, err = New(nil, Config{ContractAddress: "0x0000000000000000000000000000000000000001"}, nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}
