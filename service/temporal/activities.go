package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stagehop/service/batch"
	"github.com/brojonat/stagehop/service/db"
	"github.com/brojonat/stagehop/service/metrics"
	natspkg "github.com/brojonat/stagehop/service/nats"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/sweeper"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
)

// TransferInput is one transfer in a batch. The funder is the worker's
// operator key and never travels through workflow history.
type TransferInput struct {
	Recipient      string `json:"recipient"`
	AmountLamports uint64 `json:"amount_lamports"`
	RoundID        uint64 `json:"round_id,omitempty"`
	Layers         int    `json:"layers,omitempty"`
}

// BatchInput contains the input parameters for a batch transfer workflow.
type BatchInput struct {
	BatchID   string          `json:"batch_id"`
	Transfers []TransferInput `json:"transfers"`
}

// BatchWorkflowResult contains the result of a batch transfer workflow.
type BatchWorkflowResult struct {
	BatchID      string               `json:"batch_id"`
	Status       batch.Status         `json:"status"`
	SuccessCount int                  `json:"success_count"`
	FailureCount int                  `json:"failure_count"`
	Signatures   []string             `json:"signatures"`
	Errors       []batch.IndexedError `json:"errors,omitempty"`
	Recorded     int                  `json:"recorded"`
	Error        *string              `json:"error,omitempty"`
}

// RecordBatchInput contains parameters for the RecordBatch activity.
type RecordBatchInput struct {
	BatchID string        `json:"batch_id"`
	Result  *batch.Result `json:"result"`
}

// RecordBatchResult contains the result of the RecordBatch activity.
type RecordBatchResult struct {
	Recorded  int `json:"recorded"`
	Published int `json:"published"`
}

// SweepInput contains the input parameters for a sweep workflow. A zero From
// is replaced with the workflow time minus Lookback; a zero To with the
// workflow time.
type SweepInput struct {
	Lookback time.Duration `json:"lookback"`
	From     time.Time     `json:"from,omitempty"`
	To       time.Time     `json:"to,omitempty"`
}

// SweepWorkflowResult contains the result of a sweep workflow.
type SweepWorkflowResult struct {
	Window        sweeper.Window `json:"window"`
	Candidates    int            `json:"candidates"`
	AlreadyClosed int            `json:"already_closed"`
	Closed        int            `json:"closed"`
	Failed        int            `json:"failed"`
	Recorded      int64          `json:"recorded"`
	Error         *string        `json:"error,omitempty"`
}

// SweepStagingResult contains the result of the SweepStaging activity. A
// sweep that stopped on a history page failure still reports what it did.
type SweepStagingResult struct {
	StartedAt time.Time       `json:"started_at"`
	Report    *sweeper.Report `json:"report"`
	Error     string          `json:"error,omitempty"`
}

// RecordSweepInput contains parameters for the RecordSweep activity.
type RecordSweepInput struct {
	Window    sweeper.Window  `json:"window"`
	StartedAt time.Time       `json:"started_at"`
	Report    *sweeper.Report `json:"report"`
	Error     string          `json:"error,omitempty"`
}

// RecordSweepResult contains the result of the RecordSweep activity.
type RecordSweepResult struct {
	Closures int64 `json:"closures"`
	RunID    int64 `json:"run_id"`
}

// BatchRunner runs transfer batches.
type BatchRunner interface {
	RunBatch(ctx context.Context, reqs []transfer.Request) *batch.Result
}

// SweepRunner runs reconciliation sweeps.
type SweepRunner interface {
	Sweep(ctx context.Context, window sweeper.Window) (*sweeper.Report, error)
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	RecordRound(context.Context, db.RecordRoundParams) (*db.Round, error)
	RecordClosures(context.Context, []db.Closure) (int64, error)
	RecordSweepRun(context.Context, db.SweepRun) (*db.SweepRun, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishTransferBatch(ctx context.Context, events []*natspkg.TransferEvent) error
	PublishSweep(ctx context.Context, event *natspkg.SweepEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	batches   BatchRunner
	sweeper   SweepRunner
	funder    solanago.PrivateKey
	store     StoreInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// store and publisher may be nil; their activities then only log.
func NewActivities(
	batches BatchRunner,
	sw SweepRunner,
	funder solanago.PrivateKey,
	store StoreInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		batches:   batches,
		sweeper:   sw,
		funder:    funder,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// ExecuteBatch runs a batch of transfers funded by the operator key. It is
// never retried: a transfer that was submitted must not be submitted again.
func (a *Activities) ExecuteBatch(ctx context.Context, input BatchInput) (result *batch.Result, err error) {
	defer func(start time.Time) {
		a.metrics.RecordActivityDuration("ExecuteBatch", err, time.Since(start).Seconds())
	}(time.Now())

	if len(a.funder) == 0 {
		return nil, fmt.Errorf("worker has no operator key")
	}

	reqs := make([]transfer.Request, 0, len(input.Transfers))
	for i, t := range input.Transfers {
		recipient, err := staging.ParseAddress(t.Recipient)
		if err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		layers := t.Layers
		if layers == 0 {
			layers = transfer.DefaultLayers
		}
		reqs = append(reqs, transfer.Request{
			Funder:         a.funder,
			Recipient:      recipient,
			AmountLamports: t.AmountLamports,
			RoundID:        t.RoundID,
			Layers:         layers,
		})
	}

	a.logger.InfoContext(ctx, "executing batch",
		"batch_id", input.BatchID,
		"transfers", len(reqs),
		"funder", a.funder.PublicKey().String(),
	)

	result = a.batches.RunBatch(ctx, reqs)

	a.logger.InfoContext(ctx, "batch executed",
		"batch_id", input.BatchID,
		"status", result.Status,
		"succeeded", result.SuccessCount,
		"failed", result.FailureCount,
		"waves", result.Waves,
	)
	return result, nil
}

// RecordBatch writes every round of a batch to the database and publishes
// one event per round. Publishing is best-effort.
func (a *Activities) RecordBatch(ctx context.Context, input RecordBatchInput) (out *RecordBatchResult, err error) {
	defer func(start time.Time) {
		a.metrics.RecordActivityDuration("RecordBatch", err, time.Since(start).Seconds())
	}(time.Now())

	out = &RecordBatchResult{}
	if input.Result == nil {
		return out, nil
	}

	var batchID *string
	if input.BatchID != "" {
		batchID = &input.BatchID
	}

	events := make([]*natspkg.TransferEvent, 0, len(input.Result.Outcomes))
	for _, o := range input.Result.Outcomes {
		if o.Payer == "" || o.Recipient == "" || o.RoundID == 0 {
			// Failed before it had an identity; nothing to key a row on.
			continue
		}
		if a.store != nil {
			if _, err := a.store.RecordRound(ctx, RoundParams(batchID, o)); err != nil {
				a.logger.ErrorContext(ctx, "failed to record round",
					"batch_id", input.BatchID,
					"round_id", o.RoundID,
					"error", err,
				)
				return nil, fmt.Errorf("failed to record round %d: %w", o.RoundID, err)
			}
			out.Recorded++
		}
		events = append(events, natspkg.FromOutcome(input.BatchID, o))
	}

	if a.publisher != nil && len(events) > 0 {
		if err := a.publisher.PublishTransferBatch(ctx, events); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish transfer events",
				"batch_id", input.BatchID,
				"count", len(events),
				"error", err,
			)
		} else {
			out.Published = len(events)
		}
	}

	a.logger.InfoContext(ctx, "recorded batch",
		"batch_id", input.BatchID,
		"recorded", out.Recorded,
		"published", out.Published,
	)
	return out, nil
}

// RoundParams converts a transfer outcome to a round row.
func RoundParams(batchID *string, o transfer.Outcome) db.RecordRoundParams {
	params := db.RecordRoundParams{
		Payer:            o.Payer,
		Recipient:        o.Recipient,
		RoundID:          o.RoundID,
		Layers:           o.Layers,
		AmountLamports:   o.AmountLamports,
		Status:           db.RoundSettled,
		StagingAddresses: o.Staging,
		BatchID:          batchID,
	}
	if o.Signature != "" {
		sig := o.Signature
		params.Signature = &sig
	}
	if !o.Success {
		params.Status = db.RoundFailed
		failedIn := string(o.FailedIn)
		params.FailedIn = &failedIn
		msg := o.Error
		params.Error = &msg
	}
	return params
}

// SweepStaging runs one reconciliation sweep over the window.
func (a *Activities) SweepStaging(ctx context.Context, window sweeper.Window) (out *SweepStagingResult, err error) {
	defer func(start time.Time) {
		a.metrics.RecordActivityDuration("SweepStaging", err, time.Since(start).Seconds())
	}(time.Now())

	out = &SweepStagingResult{StartedAt: time.Now().UTC()}

	a.logger.InfoContext(ctx, "sweeping staging accounts",
		"from", window.From,
		"to", window.To,
	)

	report, sweepErr := a.sweeper.Sweep(ctx, window)
	out.Report = report
	if sweepErr != nil {
		// Recorded anyway with whatever the sweep got through
		a.logger.WarnContext(ctx, "sweep stopped early", "error", sweepErr)
		out.Error = sweepErr.Error()
	}
	return out, nil
}

// RecordSweep writes the closures and a run summary, then publishes a sweep
// event. Publishing is best-effort.
func (a *Activities) RecordSweep(ctx context.Context, input RecordSweepInput) (out *RecordSweepResult, err error) {
	defer func(start time.Time) {
		a.metrics.RecordActivityDuration("RecordSweep", err, time.Since(start).Seconds())
	}(time.Now())

	out = &RecordSweepResult{}

	if a.store != nil {
		closures := Closures(input.Report)
		n, err := a.store.RecordClosures(ctx, closures)
		if err != nil {
			return nil, fmt.Errorf("failed to record closures: %w", err)
		}
		out.Closures = n

		run, err := a.store.RecordSweepRun(ctx, SweepRun(input))
		if err != nil {
			return nil, fmt.Errorf("failed to record sweep run: %w", err)
		}
		out.RunID = run.ID
	}

	if a.publisher != nil {
		var sweepErr error
		if input.Error != "" {
			sweepErr = fmt.Errorf("%s", input.Error)
		}
		if err := a.publisher.PublishSweep(ctx, natspkg.FromReport(input.Window, input.Report, sweepErr)); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish sweep event", "error", err)
		}
	}

	a.logger.InfoContext(ctx, "recorded sweep",
		"closures", out.Closures,
		"run_id", out.RunID,
	)
	return out, nil
}

// Closures lists the staging accounts closed by successful groups.
func Closures(report *sweeper.Report) []db.Closure {
	if report == nil {
		return nil
	}
	var closures []db.Closure
	for _, g := range report.Groups {
		if g.Error != "" || g.Signature == "" {
			continue
		}
		for _, c := range g.Closed {
			closures = append(closures, db.Closure{
				StagingAddress: c.Staging.String(),
				Payer:          c.Sender.String(),
				Recipient:      c.Recipient.String(),
				RoundID:        c.RoundID,
				Layer:          int(c.Layer),
				Signature:      g.Signature,
			})
		}
	}
	return closures
}

// SweepRun converts a sweep's outcome to a run summary row.
func SweepRun(input RecordSweepInput) db.SweepRun {
	run := db.SweepRun{
		Status:    "success",
		StartedAt: input.StartedAt,
	}
	if !input.Window.From.IsZero() {
		from := input.Window.From
		run.WindowFrom = &from
	}
	if !input.Window.To.IsZero() {
		to := input.Window.To
		run.WindowTo = &to
	}
	if input.Error != "" {
		run.Status = "error"
		msg := input.Error
		run.Error = &msg
	}
	if r := input.Report; r != nil {
		if r.DryRun && input.Error == "" {
			run.Status = "dry_run"
		}
		if r.Plan != nil {
			run.Pages = r.Plan.Pages
			run.Scanned = r.Plan.Scanned
			run.Transfers = r.Plan.Transfers
			run.Candidates = len(r.Plan.Candidates)
		}
		run.AlreadyClosed = r.AlreadyClosed
		run.Closed = r.Closed
		run.Failed = r.Failed
	}
	return run
}
