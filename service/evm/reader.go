package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/metrics"
)

const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var erc20ABI = mustParseABI(erc20BalanceOfABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ERC20 ABI: %v", err))
	}
	return parsed
}

// EthClient is the subset of the JSON-RPC API the reader needs.
// *ethclient.Client satisfies it.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial EVM RPC: %w", err)
	}
	return client, nil
}

// Reader reads balances and receipts from one EVM chain.
type Reader struct {
	client  EthClient
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReader creates a reader. If metrics is nil, no metrics are recorded.
func NewReader(client EthClient, m *metrics.Metrics, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Reader{client: client, metrics: m, logger: logger}
}

// Balance returns the latest raw balance of address in wei, or in the token's base
// units when token is an ERC20 contract address.
func (r *Reader) Balance(ctx context.Context, address, token string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid address %q", address)
	}
	owner := common.HexToAddress(address)

	if token == "" {
		start := time.Now()
		bal, err := r.client.BalanceAt(ctx, owner, nil)
		r.record("eth_getBalance", start, err)
		if err != nil {
			return "", fmt.Errorf("failed to get balance: %w", err)
		}
		return bal.String(), nil
	}

	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid token %q", token)
	}
	contract := common.HexToAddress(token)

	input, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return "", fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	start := time.Now()
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	r.record("eth_call", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to call balanceOf: %w", err)
	}

	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return "", fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	if len(values) != 1 {
		return "", fmt.Errorf("unexpected balanceOf result length %d", len(values))
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return "", fmt.Errorf("unexpected balanceOf result type %T", values[0])
	}
	return bal.String(), nil
}

// TransactionStatus maps the transaction receipt onto an update. A transaction
// without a receipt is still pending.
func (r *Reader) TransactionStatus(ctx context.Context, txHash string) (chain.TransactionUpdate, error) {
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != 2+2*common.HashLength {
		return chain.TransactionUpdate{}, fmt.Errorf("invalid transaction hash %q", txHash)
	}

	start := time.Now()
	receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		r.record("eth_getTransactionReceipt", start, nil)
		return chain.TransactionUpdate{Status: chain.TxPending}, nil
	}
	r.record("eth_getTransactionReceipt", start, err)
	if err != nil {
		return chain.TransactionUpdate{}, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	rc := &chain.Receipt{
		TxHash:    receipt.TxHash.Hex(),
		BlockHash: receipt.BlockHash.Hex(),
		GasUsed:   receipt.GasUsed,
		Success:   receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		rc.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if !rc.Success {
		return chain.TransactionUpdate{Status: chain.TxFailed, Receipt: rc, Error: "execution reverted"}, nil
	}
	return chain.TransactionUpdate{Status: chain.TxConfirmed, Receipt: rc}, nil
}

func (r *Reader) record(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordRPCCall(string(chain.FamilyEVM), method, status, time.Since(start).Seconds())
}
