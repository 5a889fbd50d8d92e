// Package transfer drives a single mediated transfer through validation,
// staging derivation, submission and confirmation.
package transfer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"strconv"
	"time"

	"github.com/brojonat/stagehop/service/metrics"
	"github.com/brojonat/stagehop/service/mixer"
	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/staging"
	solanago "github.com/gagliardetto/solana-go"
)

// State is a phase of a transfer's lifecycle.
type State string

const (
	StateValidating State = "validating"
	StateDeriving   State = "deriving"
	StateSubmitting State = "submitting"
	StateConfirming State = "confirming"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
)

const (
	// DefaultFeeBuffer covers transaction fees for one transfer.
	DefaultFeeBuffer = 20_000
	// RentReserveAccounts is how many rent-exempt minimums a funder must
	// hold back per transfer, one for each possible staging account.
	RentReserveAccounts = staging.MaxLayers - 1
	// DefaultLayers is the layer count used when the caller has no preference.
	DefaultLayers = staging.MaxLayers
)

// Ledger is the read side of the network the orchestrator needs.
type Ledger interface {
	GetAccount(ctx context.Context, addr solanago.PublicKey) (*solana.Account, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// Submitter sends and confirms transactions.
type Submitter interface {
	Send(ctx context.Context, ixs []solanago.Instruction, signer solanago.PrivateKey) (solanago.Signature, error)
	Confirm(ctx context.Context, sig solanago.Signature) error
}

// Request is one mediated transfer.
type Request struct {
	Funder         solanago.PrivateKey
	Recipient      solanago.PublicKey
	AmountLamports uint64
	// RoundID zero is replaced with the current time in milliseconds.
	RoundID    uint64
	Layers     int
	LayersData []byte
}

// Outcome is the terminal result of a transfer. Exactly one of Signature
// (on success) or Error is meaningful; a failed confirmation may carry both.
type Outcome struct {
	Success        bool          `json:"success"`
	State          State         `json:"state"`
	FailedIn       State         `json:"failed_in,omitempty"`
	Signature      string        `json:"signature,omitempty"`
	Error          string        `json:"error,omitempty"`
	Payer          string        `json:"payer"`
	Recipient      string        `json:"recipient"`
	AmountLamports uint64        `json:"amount_lamports"`
	Layers         int           `json:"layers"`
	RoundID        uint64        `json:"round_id"`
	Staging        []string      `json:"staging,omitempty"`
	Duration       time.Duration `json:"duration"`

	// Err is the underlying error for callers that classify failures.
	Err error `json:"-"`
}

// Options tune the orchestrator.
type Options struct {
	FeeBuffer uint64
	// ProbeStaging checks each staging address for a stray balance before
	// submitting. A hit is logged, never fatal.
	ProbeStaging bool
	Now          func() time.Time
}

// DefaultOptions returns the standard fee buffer with probing enabled.
func DefaultOptions() Options {
	return Options{
		FeeBuffer:    DefaultFeeBuffer,
		ProbeStaging: true,
		Now:          time.Now,
	}
}

// Orchestrator runs mediated transfers.
type Orchestrator struct {
	ledger    Ledger
	submitter Submitter
	deriver   *staging.Deriver
	logger    *slog.Logger
	metrics   *metrics.Metrics
	opts      Options
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(ledger Ledger, submitter Submitter, deriver *staging.Deriver, opts Options, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		ledger:    ledger,
		submitter: submitter,
		deriver:   deriver,
		logger:    logger,
		metrics:   m,
		opts:      opts,
	}
}

// Transfer runs req and returns its outcome along with the failure, if any.
func (o *Orchestrator) Transfer(ctx context.Context, req Request) (*Outcome, error) {
	out := o.Execute(ctx, req)
	return &out, out.Err
}

// Execute runs req to a terminal state. It never returns an error; failures
// are reported in the Outcome.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Outcome {
	start := o.opts.Now()
	if req.RoundID == 0 {
		req.RoundID = uint64(start.UnixMilli())
	}

	out := Outcome{
		Recipient:      req.Recipient.String(),
		AmountLamports: req.AmountLamports,
		Layers:         req.Layers,
		RoundID:        req.RoundID,
	}
	logger := o.logger.With(
		"round_id", req.RoundID,
		"recipient", out.Recipient,
	)

	fail := func(state State, err error) Outcome {
		out.State = StateFailed
		out.FailedIn = state
		out.Err = err
		out.Error = err.Error()
		out.Duration = o.opts.Now().Sub(start)
		logger.WarnContext(ctx, "transfer failed",
			"phase", state,
			"error", err,
		)
		o.metrics.RecordTransfer(string(StateFailed), strconv.Itoa(req.Layers), req.AmountLamports, out.Duration.Seconds())
		return out
	}

	payer, err := FunderAddress(req.Funder)
	if err != nil {
		return fail(StateValidating, err)
	}
	out.Payer = payer.String()
	logger = logger.With("payer", out.Payer)

	if err := o.validate(ctx, req, payer); err != nil {
		return fail(StateValidating, err)
	}

	// The program declares all four staging slots; the round's own staging
	// accounts are the first Layers-1.
	stagingAddrs, err := o.deriver.DeriveAll(staging.MaxLayers, payer, req.Recipient, req.RoundID)
	if err != nil {
		return fail(StateDeriving, err)
	}
	for _, addr := range stagingAddrs[:req.Layers-1] {
		out.Staging = append(out.Staging, addr.String())
	}
	if o.opts.ProbeStaging {
		o.probe(ctx, logger, stagingAddrs)
	}

	ix, err := mixer.NewMultiLayerTransferInstruction(o.deriver.ProgramID(),
		mixer.TransferArgs{
			TransferLamports: req.AmountLamports,
			Layers:           uint8(req.Layers),
			RoundID:          req.RoundID,
			LayersData:       req.LayersData,
		},
		mixer.TransferAccounts{
			Payer:     payer,
			Staging:   stagingAddrs,
			Recipient: req.Recipient,
		},
	)
	if err != nil {
		return fail(StateSubmitting, err)
	}

	sig, err := o.submitter.Send(ctx, []solanago.Instruction{ix}, req.Funder)
	if err != nil {
		return fail(StateSubmitting, fmt.Errorf("%w: %w", ErrSubmissionFailed, err))
	}
	out.Signature = sig.String()
	logger.InfoContext(ctx, "mediated transfer submitted", "signature", out.Signature)

	if err := o.submitter.Confirm(ctx, sig); err != nil {
		var txErr *solana.TxError
		if errors.As(err, &txErr) {
			if pe, ok := mixer.ProgramErrorFromTxErr(txErr.Err); ok {
				logger.WarnContext(ctx, "program rejected transfer", "program_error", pe.Name, "code", pe.Code)
			}
		}
		return fail(StateConfirming, fmt.Errorf("%w: %w", ErrConfirmFailed, err))
	}

	out.Success = true
	out.State = StateSettled
	out.Duration = o.opts.Now().Sub(start)
	o.metrics.RecordTransfer(string(StateSettled), strconv.Itoa(req.Layers), req.AmountLamports, out.Duration.Seconds())
	logger.InfoContext(ctx, "mediated transfer settled",
		"signature", out.Signature,
		"duration", out.Duration,
	)
	return out
}

func (o *Orchestrator) validate(ctx context.Context, req Request, payer solanago.PublicKey) error {
	if req.AmountLamports == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if err := staging.ValidateLayerCount(req.Layers); err != nil {
		return err
	}

	acct, err := o.ledger.GetAccount(ctx, payer)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("%w: %s; fund it before transferring", ErrFunderNotFound, payer)
	}

	rent, err := o.ledger.MinimumBalanceForRentExemption(ctx, 0)
	if err != nil {
		return err
	}

	return CheckBalance(payer.String(), acct.Lamports, []uint64{req.AmountLamports}, rent, o.opts.FeeBuffer)
}

// FunderAddress returns the public key of funder, or ErrInvalidFunder when
// funder is not a full private key.
func FunderAddress(funder solanago.PrivateKey) (solanago.PublicKey, error) {
	if len(funder) != ed25519.PrivateKeySize {
		return solanago.PublicKey{}, fmt.Errorf("%w: got %d bytes", ErrInvalidFunder, len(funder))
	}
	return funder.PublicKey(), nil
}

// CheckBalance verifies that available covers every amount plus the rent
// reserve and fee for each transfer. A requirement too large for a uint64
// is ErrInvalidAmount.
func CheckBalance(funder string, available uint64, amounts []uint64, rent, feePerTransfer uint64) error {
	var total, carry uint64
	for _, a := range amounts {
		var c uint64
		total, c = bits.Add64(total, a, 0)
		carry |= c
	}
	n := uint64(len(amounts))
	rentTotal, c := mul64(rent, RentReserveAccounts*n)
	carry |= c
	fees, c := mul64(feePerTransfer, n)
	carry |= c
	required, c := bits.Add64(total, rentTotal, 0)
	carry |= c
	required, c = bits.Add64(required, fees, 0)
	carry |= c
	if carry != 0 {
		return fmt.Errorf("%w: %d transfers from %s need more lamports than can exist", ErrInvalidAmount, n, funder)
	}

	if available < required {
		return &InsufficientBalanceError{
			Funder:    funder,
			Required:  required,
			Available: available,
			Shortfall: required - available,
			Amount:    total,
			Rent:      rentTotal,
			Fees:      fees,
		}
	}
	return nil
}

// mul64 returns a*b and a nonzero overflow flag when the product does not
// fit in 64 bits.
func mul64(a, b uint64) (uint64, uint64) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi
}

func (o *Orchestrator) probe(ctx context.Context, logger *slog.Logger, addrs []solanago.PublicKey) {
	for i, addr := range addrs {
		acct, err := o.ledger.GetAccount(ctx, addr)
		if err != nil {
			logger.DebugContext(ctx, "staging probe failed", "layer", i+1, "error", err)
			continue
		}
		if acct != nil && acct.Lamports > 0 {
			o.metrics.RecordStagingCollision()
			logger.WarnContext(ctx, "staging address already holds lamports",
				"layer", i+1,
				"address", addr.String(),
				"lamports", acct.Lamports,
			)
		}
	}
}

// LamportsFromSOL converts a SOL amount to lamports, rejecting amounts that
// are not finite, not positive, or round to zero lamports.
func LamportsFromSOL(sol float64) (uint64, error) {
	if math.IsNaN(sol) || math.IsInf(sol, 0) || sol <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, sol)
	}
	lamports := math.Round(sol * LamportsPerSOL)
	if lamports < 1 || lamports >= math.MaxUint64 {
		return 0, fmt.Errorf("%w: %v SOL is not a representable lamport amount", ErrInvalidAmount, sol)
	}
	return uint64(lamports), nil
}
