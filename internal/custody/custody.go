// Package custody handles all blockchain interactions for the escrow contract.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/middleman-market/middleman/internal/metrics"
	"github.com/middleman-market/middleman/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("custody: invalid private key")
	ErrRPCConnection     = errors.New("custody: RPC connection failed")
	ErrTransactionFailed = errors.New("custody: transaction reverted")
	ErrTimeout           = errors.New("custody: operation timed out")
)

// CallError wraps a failed contract call with context.
type CallError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("custody: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("custody: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// EthClient abstracts go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Minimal ABI for the escrow coordinator contract. Deals and parties are
// identified by 32-byte hashes; amounts are stablecoin units (6 decimals).
const escrowABI = `[
	{"inputs":[{"name":"dealId","type":"bytes32"},{"name":"buyer","type":"bytes32"},{"name":"amount","type":"uint256"}],"name":"deposit","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"},{"name":"buyer","type":"bytes32"}],"name":"refundDeposit","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"markTransferred","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"},{"name":"payout","type":"uint256"},{"name":"fee","type":"uint256"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"refund","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"autoRelease","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"},{"name":"favorBuyer","type":"bool"}],"name":"resolve","outputs":[],"type":"function"}
]`

const (
	// StablecoinDecimals is the decimal precision of the settlement token.
	StablecoinDecimals = 6

	// DefaultGasLimit for escrow contract calls.
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for connecting to the escrow contract.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x prefix
	ChainID        int64
	EscrowContract string
}

// Option configures the chain client.
type Option func(*Chain)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Chain) {
		c.client = client
	}
}

// Chain executes escrow operations against the on-chain contract. It
// implements the deal executor interface.
type Chain struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	logger     *slog.Logger

	verifyAttempts int
	verifyDelay    time.Duration
}

// New creates a new chain custody client.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Chain, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Chain{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.EscrowContract),
		abi:            parsedABI,
		logger:         logger,
		verifyAttempts: 5,
		verifyDelay:    time.Second,
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
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return fmt.Errorf("escrow contract address required")
	}
	return nil
}

// Address returns the coordinator's signing address.
func (c *Chain) Address() string {
	return c.address.Hex()
}

// Close closes the client connection.
func (c *Chain) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// DealHash maps a deal identifier to its 32-byte on-chain key.
func DealHash(dealID string) common.Hash {
	return crypto.Keccak256Hash([]byte(dealID))
}

// partyHash maps an opaque user identifier to its 32-byte on-chain key.
func partyHash(userID string) common.Hash {
	return crypto.Keccak256Hash([]byte(userID))
}

// CentsToUnits converts minor currency units to 6-decimal stablecoin units.
func CentsToUnits(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), big.NewInt(10000))
}

func (c *Chain) Deposit(ctx context.Context, dealID, buyerID string, amountCents int64) (string, error) {
	return c.invoke(ctx, "deposit", DealHash(dealID), partyHash(buyerID), CentsToUnits(amountCents))
}

func (c *Chain) RefundDeposit(ctx context.Context, dealID, buyerID string) (string, error) {
	return c.invoke(ctx, "refundDeposit", DealHash(dealID), partyHash(buyerID))
}

func (c *Chain) MarkTransferred(ctx context.Context, dealID string) (string, error) {
	return c.invoke(ctx, "markTransferred", DealHash(dealID))
}

func (c *Chain) Confirm(ctx context.Context, dealID string, payoutCents, feeCents int64) (string, error) {
	return c.invoke(ctx, "release", DealHash(dealID), CentsToUnits(payoutCents), CentsToUnits(feeCents))
}

func (c *Chain) Refund(ctx context.Context, dealID string) (string, error) {
	return c.invoke(ctx, "refund", DealHash(dealID))
}

func (c *Chain) AutoRelease(ctx context.Context, dealID string) (string, error) {
	return c.invoke(ctx, "autoRelease", DealHash(dealID))
}

func (c *Chain) ResolveDispute(ctx context.Context, dealID string, favorBuyer bool) (string, error) {
	return c.invoke(ctx, "resolve", DealHash(dealID), favorBuyer)
}

// VerifyTransaction checks that a client-submitted transaction confirmed.
// Receipt lookups are retried: a deposit submitted moments ago may not be
// indexed by the RPC node yet.
func (c *Chain) VerifyTransaction(ctx context.Context, txRef string) (bool, error) {
	hash := common.HexToHash(txRef)

	var receipt *types.Receipt
	err := retry.Do(ctx, c.verifyAttempts, c.verifyDelay, func() error {
		var rerr error
		receipt, rerr = c.client.TransactionReceipt(ctx, hash)
		return rerr
	})
	if err != nil {
		metrics.CustodyCallsTotal.WithLabelValues("verify", "error").Inc()
		return false, fmt.Errorf("failed to get receipt for %s: %w", txRef, err)
	}

	metrics.CustodyCallsTotal.WithLabelValues("verify", "ok").Inc()
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

// invoke packs, signs, and sends one contract call, then waits for the
// receipt. Sends are never retried at this layer; a retried send with a fresh
// nonce would double-execute the operation.
func (c *Chain) invoke(ctx context.Context, method string, args ...interface{}) (string, error) {
	txHash, err := c.send(ctx, method, args...)
	if err != nil {
		metrics.CustodyCallsTotal.WithLabelValues(method, "error").Inc()
		return "", err
	}

	if err := c.waitForConfirmation(ctx, method, txHash); err != nil {
		metrics.CustodyCallsTotal.WithLabelValues(method, "error").Inc()
		return "", err
	}

	metrics.CustodyCallsTotal.WithLabelValues(method, "ok").Inc()
	c.logger.Info("custody call confirmed", "method", method, "txHash", txHash)
	return txHash, nil
}

func (c *Chain) send(ctx context.Context, method string, args ...interface{}) (string, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", &CallError{Op: method, Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &CallError{Op: method, Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &CallError{Op: method, Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", &CallError{Op: method, Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &CallError{Op: method, TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

func (c *Chain) waitForConfirmation(ctx context.Context, method, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &CallError{Op: method, TxHash: txHash, Err: ErrTimeout}
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &CallError{Op: method, TxHash: txHash, Err: ErrTransactionFailed}
			}
			return nil
		}
	}
}
