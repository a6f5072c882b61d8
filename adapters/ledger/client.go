package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/votechain/core"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Backend is the subset of the JSON-RPC client the ledger client uses.
// *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client talks to the voting contract. It holds no per-vote state and is
// shared by every submission worker.
type Client struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	deployed bool
	key      *ecdsa.PrivateKey
	from     common.Address
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	closer   func()
}

// New creates a ledger client over an existing backend. A nil backend gives
// an offline client that simulates every submission.
func New(backend Backend, cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	parsed, err := ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		backend: backend,
		abi:     parsed,
		cfg:     cfg,
		logger:  logger.Named("ledger"),
		now:     time.Now,
	}

	if cfg.ContractAddress != "" {
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, fmt.Errorf("%w: invalid contract address %q", core.ErrValidation, cfg.ContractAddress)
		}
		if backend == nil {
			return nil, fmt.Errorf("%w: contract configured without an rpc endpoint", core.ErrValidation)
		}
		c.contract = common.HexToAddress(cfg.ContractAddress)
		c.deployed = true
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid signing key: %w", core.ErrValidation, err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Dial connects to the JSON-RPC endpoint in cfg.RPCURL
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: ledger rpc url is empty", core.ErrValidation)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrLedgerUnavailable, err)
	}

	c, err := New(rpc, cfg, logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close
	return c, nil
}

// Close releases the underlying RPC connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Sender returns the signing account, or the zero address when none is configured
func (c *Client) Sender() common.Address {
	return c.from
}

// HasVoted asks the contract whether identity has a recorded vote.
// Without a deployed contract nothing has been recorded.
func (c *Client) HasVoted(ctx context.Context, identity core.Identity) (bool, error) {
	if !c.deployed {
		return false, nil
	}

	out, err := c.call(ctx, methodHasVoted, voterHash(identity))
	if err != nil {
		return false, err
	}
	return unpackBool(out)
}

// SubmitVote casts the vote on the contract and waits for its receipt.
// Transport failures are folded into the result according to the degrade policy.
func (c *Client) SubmitVote(ctx context.Context, identity core.Identity, partyID string) core.SubmissionResult {
	log := c.logger.With(zap.String("identity", identity.Short()), zap.String("party", partyID))

	if !c.deployed || c.key == nil {
		log.Debug("ledger not configured, simulating submission")
		return c.simulated(identity, partyID, "ledger not configured")
	}

	if _, err := c.backend.BlockNumber(ctx); err != nil {
		log.Warn("ledger probe failed", zap.Error(err))
		return c.degrade(identity, partyID, err)
	}

	voted, err := c.HasVoted(ctx, identity)
	if err != nil {
		log.Warn("ledger hasVoted check failed", zap.Error(err))
		return c.degrade(identity, partyID, err)
	}
	if voted {
		return rejected(core.RejectAlreadyVoted, "identity already has a vote on the ledger")
	}

	active, err := c.IsVotingActive(ctx)
	if err != nil {
		log.Warn("ledger isVotingActive check failed", zap.Error(err))
		return c.degrade(identity, partyID, err)
	}
	if !active {
		return rejected(core.RejectVotingInactive, "voting is not active on the ledger")
	}

	signed, gasPrice, err := c.buildTx(ctx, identity, partyID)
	if err != nil {
		log.Warn("failed to build transaction", zap.Error(err))
		return c.degrade(identity, partyID, err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		log.Warn("failed to broadcast transaction", zap.Error(err))
		return c.degrade(identity, partyID, err)
	}

	tx := &core.LedgerTransaction{
		TxHash:    signed.Hash().Hex(),
		Status:    core.LedgerTxPending,
		From:      c.from.Hex(),
		To:        c.contract.Hex(),
		GasPrice:  gasPrice,
		Identity:  identity,
		PartyID:   partyID,
		CreatedAt: c.now(),
	}
	log = log.With(zap.String("tx", tx.TxHash))
	log.Info("vote transaction broadcast")

	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		// Broadcast already happened; keep the real hash so the audit can settle it
		log.Warn("no receipt within confirm timeout", zap.Error(err))
		return core.SubmissionResult{
			Status:      core.SubmissionSimulated,
			Transaction: tx,
			Message:     "transaction broadcast, confirmation pending",
		}
	}

	block := receipt.BlockNumber.Uint64()
	tx.BlockNumber = &block
	tx.BlockHash = receipt.BlockHash.Hex()
	tx.GasUsed = receipt.GasUsed

	if receipt.Status != types.ReceiptStatusSuccessful {
		tx.Status = core.LedgerTxFailed
		log.Warn("vote transaction reverted", zap.Uint64("block", block))
		return core.SubmissionResult{
			Status:      core.SubmissionRejected,
			Transaction: tx,
			Reason:      core.RejectReverted,
			Message:     "ledger transaction reverted",
		}
	}

	tx.Status = core.LedgerTxConfirmed
	log.Info("vote transaction confirmed", zap.Uint64("block", block), zap.Uint64("gas_used", receipt.GasUsed))
	return core.SubmissionResult{
		Status:      core.SubmissionConfirmed,
		Transaction: tx,
		Message:     "vote recorded on the ledger",
	}
}

// VerifyEvent checks that txRef succeeded and emitted VoteCast for identity and partyID.
// The error is reserved for RPC failures.
func (c *Client) VerifyEvent(ctx context.Context, identity core.Identity, partyID, txRef string) (bool, error) {
	if !c.deployed {
		return false, fmt.Errorf("%w: contract not configured", core.ErrLedgerUnavailable)
	}

	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: receipt %s: %w", core.ErrLedgerUnavailable, txRef, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	event := c.abi.Events[eventVoteCast]
	want := common.Hash(voterHash(identity))
	for _, l := range receipt.Logs {
		if l.Address != c.contract || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != event.ID || l.Topics[1] != want {
			continue
		}

		values, err := c.abi.Unpack(eventVoteCast, l.Data)
		if err != nil || len(values) == 0 {
			c.logger.Debug("undecodable VoteCast log", zap.String("tx", txRef), zap.Error(err))
			continue
		}
		if party, ok := values[0].(string); ok && party == partyID {
			return true, nil
		}
	}

	return false, nil
}

// TotalVotes returns the contract's vote counter
func (c *Client) TotalVotes(ctx context.Context) (uint64, error) {
	if !c.deployed {
		return 0, fmt.Errorf("%w: contract not configured", core.ErrLedgerUnavailable)
	}
	out, err := c.call(ctx, methodGetTotalVotes)
	if err != nil {
		return 0, err
	}
	return unpackUint(out)
}

// VoteCount returns the contract's counter for one party
func (c *Client) VoteCount(ctx context.Context, partyID string) (uint64, error) {
	if !c.deployed {
		return 0, fmt.Errorf("%w: contract not configured", core.ErrLedgerUnavailable)
	}
	out, err := c.call(ctx, methodGetVoteCount, partyID)
	if err != nil {
		return 0, err
	}
	return unpackUint(out)
}

// IsVotingActive reports the contract's voting flag
func (c *Client) IsVotingActive(ctx context.Context) (bool, error) {
	if !c.deployed {
		return false, fmt.Errorf("%w: contract not configured", core.ErrLedgerUnavailable)
	}
	out, err := c.call(ctx, methodIsVotingActive)
	if err != nil {
		return false, err
	}
	return unpackBool(out)
}

// NetworkInfo summarises the endpoint. An unreachable endpoint is reported
// as disconnected rather than as an error.
func (c *Client) NetworkInfo(ctx context.Context) (*core.NetworkInfo, error) {
	info := &core.NetworkInfo{}
	if c.deployed {
		info.Contract = c.contract.Hex()
	}
	if c.backend == nil {
		return info, nil
	}

	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		c.logger.Debug("network probe failed", zap.Error(err))
		return info, nil
	}
	info.Connected = true
	info.LatestBlock = block

	if info.ChainID, err = c.backend.ChainID(ctx); err != nil {
		return nil, fmt.Errorf("%w: chain id: %w", core.ErrLedgerUnavailable, err)
	}

	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %w", core.ErrLedgerUnavailable, err)
	}
	info.GasPriceGwei = weiToGwei(price)

	return info, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrLedgerUnavailable, method, err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", core.ErrLedgerUnavailable, method, err)
	}
	return values, nil
}

func (c *Client) buildTx(ctx context.Context, identity core.Identity, partyID string) (*types.Transaction, *big.Int, error) {
	data, err := c.abi.Pack(methodCastVote, voterHash(identity), partyID)
	if err != nil {
		return nil, nil, fmt.Errorf("pack %s: %w", methodCastVote, err)
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      c.gasLimit(ctx, data),
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign: %w", err)
	}
	return signed, gasPrice, nil
}

// gasLimit adds the safety margin to the estimate and caps it.
// A failed estimate falls back to the configured default.
func (c *Client) gasLimit(ctx context.Context, data []byte) uint64 {
	estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data})
	if err != nil {
		c.logger.Debug("gas estimation failed, using fallback", zap.Error(err))
		estimate = c.cfg.GasFallback
	}

	limit := estimate + c.cfg.GasMargin
	if limit > c.cfg.GasCap {
		limit = c.cfg.GasCap
	}
	return limit
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt poll failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) degrade(identity core.Identity, partyID string, cause error) core.SubmissionResult {
	if c.cfg.Degrade == FailClosed {
		return rejected(core.RejectLedgerUnavailable, fmt.Sprintf("ledger unavailable: %v", cause))
	}
	return c.simulated(identity, partyID, "ledger unavailable, vote recorded locally")
}

func (c *Client) simulated(identity core.Identity, partyID, message string) core.SubmissionResult {
	now := c.now()
	return core.SubmissionResult{
		Status: core.SubmissionSimulated,
		Transaction: &core.LedgerTransaction{
			TxHash:    SimulatedHash(identity, partyID, now),
			Status:    core.LedgerTxSimulated,
			To:        c.contract.Hex(),
			GasPrice:  new(big.Int),
			Identity:  identity,
			PartyID:   partyID,
			CreatedAt: now,
		},
		Message: message,
	}
}

func rejected(reason core.RejectReason, message string) core.SubmissionResult {
	return core.SubmissionResult{
		Status:  core.SubmissionRejected,
		Reason:  reason,
		Message: message,
	}
}

// SimulatedHash is the placeholder reference for a vote that never reached the ledger
func SimulatedHash(identity core.Identity, partyID string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s%d", identity, partyID, at.UnixNano())))
	return "0x" + hex.EncodeToString(sum[:])
}

func voterHash(identity core.Identity) [32]byte {
	return [32]byte(common.HexToHash(identity.String()))
}

func unpackBool(values []interface{}) (bool, error) {
	if len(values) != 1 {
		return false, fmt.Errorf("%w: unexpected output length %d", core.ErrLedgerUnavailable, len(values))
	}
	b, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: unexpected output type %T", core.ErrLedgerUnavailable, values[0])
	}
	return b, nil
}

func unpackUint(values []interface{}) (uint64, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("%w: unexpected output length %d", core.ErrLedgerUnavailable, len(values))
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected output type %T", core.ErrLedgerUnavailable, values[0])
	}
	return n.Uint64(), nil
}

func weiToGwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, 0).Shift(-9).StringFixed(2)
}
