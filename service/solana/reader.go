package solana

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/metrics"
)

// RPCClient is the subset of the Solana RPC API the reader needs.
// *rpc.Client satisfies it; tests substitute a mock.
type RPCClient interface {
	GetBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetBalanceResult, error)

	GetTokenAccountBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetTokenAccountBalanceResult, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		transactionSignatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
}

// NewRPCClient creates an RPCClient for the given endpoint.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) RPCClient {
	return rpc.New(rpcURL)
}

// Reader reads balances and signature statuses from a Solana cluster.
type Reader struct {
	rpc        RPCClient
	commitment rpc.CommitmentType
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewReader creates a reader. If metrics is nil, no metrics are recorded.
func NewReader(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Reader{
		rpc:        rpcClient,
		commitment: rpc.CommitmentConfirmed,
		metrics:    m,
		logger:     logger,
	}
}

// Balance returns the raw balance of address in lamports, or in the token's base units
// when token is a mint address. An owner without a token account holds zero.
func (r *Reader) Balance(ctx context.Context, address, token string) (string, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}

	if token == "" {
		start := time.Now()
		out, err := r.rpc.GetBalance(ctx, owner, r.commitment)
		r.record("GetBalance", start, err)
		if err != nil {
			return "", fmt.Errorf("failed to get balance: %w", err)
		}
		return strconv.FormatUint(out.Value, 10), nil
	}

	mint, err := solana.PublicKeyFromBase58(token)
	if err != nil {
		return "", fmt.Errorf("invalid mint %q: %w", token, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive token account: %w", err)
	}

	start := time.Now()
	out, err := r.rpc.GetTokenAccountBalance(ctx, ata, r.commitment)
	r.record("GetTokenAccountBalance", start, err)
	if err != nil {
		if isMissingAccount(err) {
			r.logger.DebugContext(ctx, "no token account, reporting zero balance",
				"owner", address,
				"mint", token,
				"token_account", ata.String(),
			)
			return "0", nil
		}
		return "", fmt.Errorf("failed to get token account balance: %w", err)
	}
	if out.Value == nil {
		return "0", nil
	}
	return out.Value.Amount, nil
}

// TransactionStatus maps the signature status onto a transaction update. A signature
// the cluster has not seen yet, or has only processed, is pending.
func (r *Reader) TransactionStatus(ctx context.Context, txHash string) (chain.TransactionUpdate, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return chain.TransactionUpdate{}, fmt.Errorf("invalid signature %q: %w", txHash, err)
	}

	start := time.Now()
	out, err := r.rpc.GetSignatureStatuses(ctx, true, sig)
	r.record("GetSignatureStatuses", start, err)
	if err != nil {
		return chain.TransactionUpdate{}, fmt.Errorf("failed to get signature status: %w", err)
	}

	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return chain.TransactionUpdate{Status: chain.TxPending}, nil
	}
	st := out.Value[0]

	if st.Err != nil {
		return chain.TransactionUpdate{
			Status:  chain.TxFailed,
			Receipt: &chain.Receipt{TxHash: txHash, BlockNumber: st.Slot, Success: false},
			Error:   fmt.Sprintf("%v", st.Err),
		}, nil
	}

	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return chain.TransactionUpdate{
			Status:  chain.TxConfirmed,
			Receipt: &chain.Receipt{TxHash: txHash, BlockNumber: st.Slot, Success: true},
		}, nil
	default:
		return chain.TransactionUpdate{Status: chain.TxPending}, nil
	}
}

func (r *Reader) record(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordRPCCall(string(chain.FamilySolana), method, status, time.Since(start).Seconds())
}

func isMissingAccount(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "Invalid param: not a Token account")
}
