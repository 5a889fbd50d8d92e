package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stagehop/service/metrics"
	"github.com/brojonat/stagehop/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrConfirmationTimeout  = errors.New("confirmation timed out")
	ErrBlockhashUnavailable = errors.New("latest blockhash unavailable")
)

// TxError is a transaction the network executed and rejected. Err is the
// network's error value, unmodified.
type TxError struct {
	Signature solana.Signature
	Err       interface{}
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, describeTxErr(e.Err))
}

// SimulationError is a transaction rejected during simulation.
type SimulationError struct {
	Err  interface{}
	Logs []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation failed: %s", describeTxErr(e.Err))
}

func describeTxErr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// Client wraps the RPC with metrics, logging and a retry policy for reads.
// Writes (sending transactions) are never retried here.
type Client struct {
	rpc          RPCClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	endpoint     string // endpoint label for metrics, e.g. "mainnet" or an RPC host
	retry        retry.Policy
	commitment   rpc.CommitmentType
	pollInterval time.Duration
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRetryPolicy sets the policy applied to read-only calls.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithCommitment sets the commitment used for reads.
func WithCommitment(commitment rpc.CommitmentType) ClientOption {
	return func(c *Client) { c.commitment = commitment }
}

// WithPollInterval sets how often confirmation polls signature status.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling. If metrics is nil, no
// metrics are recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		rpc:          rpcClient,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		retry:        retry.DefaultPolicy(),
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RPC exposes the underlying RPC client.
func (c *Client) RPC() RPCClient {
	return c.rpc
}

func (c *Client) observe(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// read runs fn under the client's retry policy, recording each attempt.
func (c *Client) read(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	p := c.retry
	next := p.OnRetry
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		reason := "error"
		if retry.IsRateLimited(err) {
			reason = "rate_limit"
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
		c.metrics.RecordRPCRetry(method, reason)
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if next != nil {
			next(attempt, err, backoff)
		}
	}

	return p.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		c.observe(method, start, err)
		return err
	})
}

// GetAccount returns the account at addr, or nil if it does not exist.
func (c *Client) GetAccount(ctx context.Context, addr solana.PublicKey) (*Account, error) {
	var out *rpc.GetAccountInfoResult
	err := c.read(ctx, "GetAccountInfo", func(ctx context.Context) error {
		var err error
		out, err = c.rpc.GetAccountInfo(ctx, addr)
		if errors.Is(err, rpc.ErrNotFound) {
			out, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", addr, err)
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}

	acct := &Account{
		Address:  addr,
		Lamports: out.Value.Lamports,
		Owner:    out.Value.Owner,
	}
	if out.Value.Data != nil {
		acct.Data = out.Value.Data.GetBinary()
	}
	return acct, nil
}

// MinimumBalanceForRentExemption returns the rent-exempt minimum for an
// account holding size bytes.
func (c *Client) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	var lamports uint64
	err := c.read(ctx, "GetMinimumBalanceForRentExemption", func(ctx context.Context) error {
		var err error
		lamports, err = c.rpc.GetMinimumBalanceForRentExemption(ctx, size, c.commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get rent-exempt minimum: %w", err)
	}
	return lamports, nil
}

// LatestBlockhash returns a recent blockhash for building transactions.
func (c *Client) LatestBlockhash(ctx context.Context) (*Blockhash, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.read(ctx, "GetLatestBlockhash", func(ctx context.Context) error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, c.commitment)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockhashUnavailable, err)
	}
	if out == nil || out.Value == nil {
		return nil, ErrBlockhashUnavailable
	}
	return &Blockhash{
		Hash:                 out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction submits a signed transaction once.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	c.observe("SendTransaction", start, err)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// SimulateTransaction runs tx against current state without committing it.
// A transaction the runtime rejects is returned as *SimulationError.
func (c *Client) SimulateTransaction(ctx context.Context, tx *solana.Transaction) error {
	start := time.Now()
	out, err := c.rpc.SimulateTransaction(ctx, tx)
	c.observe("SimulateTransaction", start, err)
	if err != nil {
		return fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if out != nil && out.Value != nil && out.Value.Err != nil {
		return &SimulationError{Err: out.Value.Err, Logs: out.Value.Logs}
	}
	return nil
}

// ConfirmTransaction polls signature status until the transaction reaches
// level, fails, or ctx is done. Callers bound the wait through ctx.
func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature, level rpc.ConfirmationStatusType) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		c.observe("GetSignatureStatuses", start, err)

		switch {
		case err != nil:
			c.logger.DebugContext(ctx, "signature status poll failed",
				"signature", sig.String(),
				"error", err,
			)
		case out != nil && len(out.Value) > 0 && out.Value[0] != nil:
			status := out.Value[0]
			if status.Err != nil {
				return &TxError{Signature: sig, Err: status.Err}
			}
			if reached(status.ConfirmationStatus, level) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrConfirmationTimeout, sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

var confirmationRank = map[rpc.ConfirmationStatusType]int{
	rpc.ConfirmationStatusProcessed: 1,
	rpc.ConfirmationStatusConfirmed: 2,
	rpc.ConfirmationStatusFinalized: 3,
}

func reached(have, want rpc.ConfirmationStatusType) bool {
	h, ok := confirmationRank[have]
	if !ok {
		return false
	}
	return h >= confirmationRank[want]
}
