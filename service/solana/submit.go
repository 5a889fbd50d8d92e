package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stagehop/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrNoInstructions is returned when asked to submit an empty transaction.
var ErrNoInstructions = errors.New("no instructions to submit")

// SubmitOptions controls how transactions are sent and confirmed.
type SubmitOptions struct {
	// Level is the confirmation level Confirm waits for.
	Level rpc.ConfirmationStatusType
	// ConfirmTimeout bounds a single Confirm call. Zero means no bound
	// beyond the caller's context.
	ConfirmTimeout time.Duration
	SkipPreflight  bool
	// Simulate runs the transaction through simulation before sending.
	Simulate bool
}

// DefaultSubmitOptions confirms at processed level within one minute.
func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{
		Level:          rpc.ConfirmationStatusProcessed,
		ConfirmTimeout: time.Minute,
	}
}

// Submitter is the shared build, sign, send and confirm pipeline.
type Submitter struct {
	client  *Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    SubmitOptions
}

// NewSubmitter creates a Submitter over client.
func NewSubmitter(client *Client, opts SubmitOptions, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if opts.Level == "" {
		opts.Level = rpc.ConfirmationStatusProcessed
	}
	return &Submitter{
		client:  client,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// Send builds a transaction from ixs paid for and signed by signer, and
// submits it once. It does not wait for confirmation.
func (s *Submitter) Send(ctx context.Context, ixs []solana.Instruction, signer solana.PrivateKey) (solana.Signature, error) {
	if len(ixs) == 0 {
		return solana.Signature{}, ErrNoInstructions
	}

	bh, err := s.client.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}

	payer := signer.PublicKey()
	tx, err := solana.NewTransaction(ixs, bh.Hash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if s.opts.Simulate {
		if err := s.client.SimulateTransaction(ctx, tx); err != nil {
			var simErr *SimulationError
			if errors.As(err, &simErr) {
				s.logger.WarnContext(ctx, "transaction rejected in simulation",
					"payer", payer.String(),
					"error", simErr.Error(),
					"logs", simErr.Logs,
				)
			}
			return solana.Signature{}, err
		}
	}

	sig, err := s.client.SendTransaction(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       s.opts.SkipPreflight,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, err
	}

	s.logger.DebugContext(ctx, "transaction sent",
		"signature", sig.String(),
		"payer", payer.String(),
		"instructions", len(ixs),
	)
	return sig, nil
}

// Confirm waits until sig reaches the configured level, bounded by
// ConfirmTimeout.
func (s *Submitter) Confirm(ctx context.Context, sig solana.Signature) error {
	if s.opts.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConfirmTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.client.ConfirmTransaction(ctx, sig, s.opts.Level)

	status := "confirmed"
	var txErr *TxError
	switch {
	case errors.As(err, &txErr):
		status = "failed"
	case errors.Is(err, ErrConfirmationTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordConfirmation(status, time.Since(start).Seconds())
	return err
}

// Submit sends ixs and waits for confirmation.
func (s *Submitter) Submit(ctx context.Context, ixs []solana.Instruction, signer solana.PrivateKey) (solana.Signature, error) {
	sig, err := s.Send(ctx, ixs, signer)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := s.Confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}
