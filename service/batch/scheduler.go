// Package batch runs many mediated transfers in bounded waves. Transfers in a
// wave run concurrently and independently; the scheduler waits for the whole
// wave, pauses, and starts the next one.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stagehop/service/metrics"
	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 20
	DefaultCooldown    = 500 * time.Millisecond
	// PreflightFeePerTransfer is the per-transfer fee estimate used by the
	// batch-wide balance check.
	PreflightFeePerTransfer = 10_000
)

// Executor runs one transfer to completion.
type Executor interface {
	Execute(ctx context.Context, req transfer.Request) transfer.Outcome
}

// Ledger is used by the optional preflight check.
type Ledger interface {
	GetAccount(ctx context.Context, addr solanago.PublicKey) (*solana.Account, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// Observer is told about each transfer as it settles. It is called from the
// goroutine that ran the transfer and must be safe for concurrent use.
type Observer func(ctx context.Context, index int, req transfer.Request, out transfer.Outcome)

// Options tune the scheduler.
type Options struct {
	Concurrency int
	Cooldown    time.Duration
	// Preflight checks, per funder, that the funder can cover the whole
	// batch before anything is submitted. Requires a Ledger.
	Preflight bool
	Now       func() time.Time
	Observer  Observer
}

// DefaultOptions returns waves of 20 with a 500ms pause.
func DefaultOptions() Options {
	return Options{
		Concurrency: DefaultConcurrency,
		Cooldown:    DefaultCooldown,
		Now:         time.Now,
	}
}

// Status summarizes a batch.
type Status string

const (
	StatusAllSucceeded   Status = "all_succeeded"
	StatusPartialFailure Status = "partial_failure"
	StatusTotalFailure   Status = "total_failure"
)

// IndexedError is one failed transfer, by position in the input.
type IndexedError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Result is the outcome of a batch. Every input index appears exactly once,
// either in Signatures (via Outcomes) or in Errors.
type Result struct {
	Success      bool               `json:"success"`
	Status       Status             `json:"status"`
	Signatures   []string           `json:"signatures"`
	SuccessCount int                `json:"success_count"`
	FailureCount int                `json:"failure_count"`
	Errors       []IndexedError     `json:"errors,omitempty"`
	Outcomes     []transfer.Outcome `json:"outcomes"`
	Waves        int                `json:"waves"`
	TotalTimeMs  int64              `json:"total_time_ms"`
}

// Scheduler runs batches.
type Scheduler struct {
	exec    Executor
	ledger  Ledger
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options
}

// NewScheduler creates a Scheduler. ledger may be nil when Preflight is off.
func NewScheduler(exec Executor, ledger Ledger, opts Options, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		exec:    exec,
		ledger:  ledger,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// RunBatch executes reqs in waves and reports every outcome. Requests with a
// zero RoundID are assigned base+index, where base is the wall clock in
// milliseconds read once for the whole batch.
func (s *Scheduler) RunBatch(ctx context.Context, reqs []transfer.Request) *Result {
	start := s.opts.Now()
	base := uint64(start.UnixMilli())

	reqs = append([]transfer.Request(nil), reqs...)
	for i := range reqs {
		if reqs[i].RoundID == 0 {
			reqs[i].RoundID = base + uint64(i)
		}
	}

	outcomes := make([]transfer.Outcome, len(reqs))
	settled := make([]bool, len(reqs))

	if s.opts.Preflight {
		for i, err := range s.preflight(ctx, reqs) {
			outcomes[i] = failedOutcome(reqs[i], transfer.StateValidating, err)
			settled[i] = true
			s.observe(ctx, i, reqs[i], outcomes[i])
		}
	}

	pending := make([]int, 0, len(reqs))
	for i := range reqs {
		if !settled[i] {
			pending = append(pending, i)
		}
	}

	waves := 0
	total := (len(pending) + s.opts.Concurrency - 1) / s.opts.Concurrency
	for lo := 0; lo < len(pending); lo += s.opts.Concurrency {
		hi := min(lo+s.opts.Concurrency, len(pending))
		wave := pending[lo:hi]

		if err := ctx.Err(); err != nil {
			for _, i := range pending[lo:] {
				outcomes[i] = failedOutcome(reqs[i], transfer.StateValidating, fmt.Errorf("batch cancelled before transfer started: %w", err))
				s.observe(ctx, i, reqs[i], outcomes[i])
			}
			break
		}

		waves++
		s.logger.InfoContext(ctx, "starting batch wave",
			"wave", waves,
			"waves", total,
			"size", len(wave),
		)
		s.metrics.RecordBatchWave(len(wave))

		var g errgroup.Group
		for _, i := range wave {
			g.Go(func() error {
				outcomes[i] = s.exec.Execute(ctx, reqs[i])
				s.observe(ctx, i, reqs[i], outcomes[i])
				return nil
			})
		}
		_ = g.Wait()
		s.metrics.RecordBatchWaveDone()

		if hi < len(pending) && s.opts.Cooldown > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.opts.Cooldown):
			}
		}
	}

	res := summarize(outcomes)
	res.Waves = waves
	res.TotalTimeMs = s.opts.Now().Sub(start).Milliseconds()
	s.metrics.RecordBatch(string(res.Status), res.SuccessCount, res.FailureCount, float64(res.TotalTimeMs)/1000)
	s.logger.InfoContext(ctx, "batch complete",
		"transfers", len(reqs),
		"succeeded", res.SuccessCount,
		"failed", res.FailureCount,
		"waves", waves,
		"total_time_ms", res.TotalTimeMs,
	)
	return res
}

func (s *Scheduler) observe(ctx context.Context, i int, req transfer.Request, out transfer.Outcome) {
	if s.opts.Observer != nil {
		s.opts.Observer(ctx, i, req, out)
	}
}

// preflight returns an error for every request whose funder cannot cover its
// share of the batch.
func (s *Scheduler) preflight(ctx context.Context, reqs []transfer.Request) map[int]error {
	failures := make(map[int]error)
	if s.ledger == nil {
		return failures
	}

	byFunder := make(map[solanago.PublicKey][]int)
	var order []solanago.PublicKey
	for i, r := range reqs {
		pk, err := transfer.FunderAddress(r.Funder)
		if err != nil {
			failures[i] = fmt.Errorf("preflight: %w", err)
			continue
		}
		if _, ok := byFunder[pk]; !ok {
			order = append(order, pk)
		}
		byFunder[pk] = append(byFunder[pk], i)
	}

	failAll := func(idx []int, err error) {
		for _, i := range idx {
			failures[i] = err
		}
	}

	rent, err := s.ledger.MinimumBalanceForRentExemption(ctx, 0)
	if err != nil {
		failAll(allIndexes(len(reqs)), fmt.Errorf("preflight: %w", err))
		return failures
	}

	for _, funder := range order {
		idx := byFunder[funder]
		acct, err := s.ledger.GetAccount(ctx, funder)
		if err != nil {
			failAll(idx, fmt.Errorf("preflight: %w", err))
			continue
		}
		if acct == nil {
			failAll(idx, fmt.Errorf("preflight: %w: %s", transfer.ErrFunderNotFound, funder))
			continue
		}

		amounts := make([]uint64, 0, len(idx))
		for _, i := range idx {
			amounts = append(amounts, reqs[i].AmountLamports)
		}
		if err := transfer.CheckBalance(funder.String(), acct.Lamports, amounts, rent, PreflightFeePerTransfer); err != nil {
			s.logger.WarnContext(ctx, "batch preflight rejected funder",
				"funder", funder.String(),
				"transfers", len(idx),
				"error", err,
			)
			failAll(idx, fmt.Errorf("preflight: %w", err))
		}
	}
	return failures
}

func allIndexes(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func failedOutcome(req transfer.Request, phase transfer.State, err error) transfer.Outcome {
	out := transfer.Outcome{
		State:          transfer.StateFailed,
		FailedIn:       phase,
		Error:          err.Error(),
		Err:            err,
		Recipient:      req.Recipient.String(),
		AmountLamports: req.AmountLamports,
		Layers:         req.Layers,
		RoundID:        req.RoundID,
	}
	if payer, perr := transfer.FunderAddress(req.Funder); perr == nil {
		out.Payer = payer.String()
	}
	return out
}

func summarize(outcomes []transfer.Outcome) *Result {
	res := &Result{
		Signatures: []string{},
		Outcomes:   outcomes,
	}
	for i, out := range outcomes {
		if out.Success {
			res.SuccessCount++
			res.Signatures = append(res.Signatures, out.Signature)
			continue
		}
		res.FailureCount++
		res.Errors = append(res.Errors, IndexedError{Index: i, Error: out.Error})
	}

	res.Success = res.SuccessCount == len(outcomes)
	switch {
	case res.FailureCount == 0:
		res.Status = StatusAllSucceeded
	case res.SuccessCount == 0:
		res.Status = StatusTotalFailure
	default:
		res.Status = StatusPartialFailure
	}
	return res
}
