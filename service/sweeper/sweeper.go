// Package sweeper reclaims rent held by staging accounts that completed
// transfers left behind. It folds over the program's transaction history,
// recovers each transfer's inputs, re-derives the staging addresses and
// closes them in grouped transactions.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stagehop/service/metrics"
	"github.com/brojonat/stagehop/service/mixer"
	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/staging"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	// DefaultMaxClosesPerTx keeps a close transaction under the size limit.
	DefaultMaxClosesPerTx = 14
	DefaultPageSize       = 100
)

// Skip reasons reported per history record.
const (
	SkipUnavailable   = "unavailable"
	SkipFailed        = "failed_transaction"
	SkipNoTransfer    = "no_transfer_call"
	SkipMalformed     = "malformed"
	SkipEmptyRoundID  = "empty_round_id"
	SkipInvalidLayers = "invalid_layer_count"
	SkipParseError    = "parse_error"
)

// HistoryFeed is a paginated source of program history.
type HistoryFeed interface {
	Name() string
	FetchPage(ctx context.Context, req solana.HistoryRequest) (*solana.HistoryPage, error)
}

// Ledger is used to skip staging accounts that no longer exist.
type Ledger interface {
	GetAccount(ctx context.Context, addr solanago.PublicKey) (*solana.Account, error)
}

// Submitter sends and confirms a transaction.
type Submitter interface {
	Submit(ctx context.Context, ixs []solanago.Instruction, signer solanago.PrivateKey) (solanago.Signature, error)
}

// Window bounds the history a sweep looks at. Zero values are open.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Candidate is one staging account to close.
type Candidate struct {
	Staging     solanago.PublicKey `json:"staging"`
	Layer       uint8              `json:"layer"`
	Sender      solanago.PublicKey `json:"sender"`
	Recipient   solanago.PublicKey `json:"recipient"`
	RoundID     uint64             `json:"round_id"`
	SourceTx    string             `json:"source_tx"`
	SourceBlock time.Time          `json:"source_block_time"`
}

// Plan is the result of folding over history.
type Plan struct {
	Pages      int            `json:"pages"`
	Scanned    int            `json:"scanned"`
	Transfers  int            `json:"transfers"`
	Skipped    map[string]int `json:"skipped"`
	Candidates []Candidate    `json:"candidates"`
}

// GroupResult is one submitted close transaction.
type GroupResult struct {
	Signature string      `json:"signature,omitempty"`
	Error     string      `json:"error,omitempty"`
	Closed    []Candidate `json:"closed"`
}

// Report is the result of a sweep.
type Report struct {
	Plan          *Plan         `json:"plan"`
	AlreadyClosed int           `json:"already_closed"`
	Groups        []GroupResult `json:"groups"`
	Closed        int           `json:"closed"`
	Failed        int           `json:"failed"`
	DryRun        bool          `json:"dry_run"`
	DurationMs    int64         `json:"duration_ms"`
}

// Options tune the sweeper.
type Options struct {
	PageSize       int
	MaxClosesPerTx int
	// CheckExistence drops staging accounts that are already gone before
	// building close instructions.
	CheckExistence bool
	// DryRun plans and filters but submits nothing.
	DryRun bool
}

// DefaultOptions returns the standard page size and group cap.
func DefaultOptions() Options {
	return Options{
		PageSize:       DefaultPageSize,
		MaxClosesPerTx: DefaultMaxClosesPerTx,
		CheckExistence: true,
	}
}

// Sweeper reclaims staging accounts.
type Sweeper struct {
	feed      HistoryFeed
	ledger    Ledger
	submitter Submitter
	deriver   *staging.Deriver
	closer    solanago.PrivateKey
	logger    *slog.Logger
	metrics   *metrics.Metrics
	opts      Options
}

// New creates a Sweeper that signs close transactions with closer.
func New(feed HistoryFeed, ledger Ledger, submitter Submitter, deriver *staging.Deriver, closer solanago.PrivateKey, opts Options, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxClosesPerTx <= 0 {
		opts.MaxClosesPerTx = DefaultMaxClosesPerTx
	}
	return &Sweeper{
		feed:      feed,
		ledger:    ledger,
		submitter: submitter,
		deriver:   deriver,
		closer:    closer,
		logger:    logger,
		metrics:   m,
		opts:      opts,
	}
}

// Plan folds over every page of history in window and returns the staging
// accounts to close, de-duplicated. A page fetch failure ends the fold and is
// returned along with what was planned so far.
func (s *Sweeper) Plan(ctx context.Context, window Window) (*Plan, error) {
	plan := &Plan{Skipped: make(map[string]int)}
	seen := make(map[solanago.PublicKey]struct{})

	cursor := ""
	for {
		page, err := s.feed.FetchPage(ctx, solana.HistoryRequest{
			Program:       s.deriver.ProgramID(),
			From:          window.From,
			To:            window.To,
			SucceededOnly: true,
			PageSize:      s.opts.PageSize,
			Cursor:        cursor,
		})
		if err != nil {
			return plan, fmt.Errorf("failed to fetch history page %d: %w", plan.Pages+1, err)
		}
		plan.Pages++

		for _, rec := range page.Records {
			plan.Scanned++
			s.planRecord(ctx, plan, seen, rec)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	s.metrics.RecordSweepRecords("candidate", len(plan.Candidates))
	for reason, n := range plan.Skipped {
		s.metrics.RecordSweepRecords(reason, n)
	}
	return plan, nil
}

func (s *Sweeper) planRecord(ctx context.Context, plan *Plan, seen map[solanago.PublicKey]struct{}, rec *solana.Record) {
	skip := func(reason string, err error) {
		plan.Skipped[reason]++
		s.logger.WarnContext(ctx, "skipping history record",
			"signature", rec.Signature,
			"reason", reason,
			"error", err,
		)
	}

	if rec.FetchError != "" {
		skip(SkipUnavailable, errors.New(rec.FetchError))
		return
	}
	if rec.Failed {
		skip(SkipFailed, nil)
		return
	}

	found := false
	for _, call := range rec.Calls {
		if !call.ProgramID.Equals(s.deriver.ProgramID()) {
			continue
		}
		parsed, err := mixer.ParseTransferCall(call.Accounts, call.Data)
		if errors.Is(err, mixer.ErrNotRecognized) {
			continue
		}
		found = true
		if err != nil {
			skip(skipReason(err), err)
			continue
		}
		plan.Transfers++

		addrs, err := s.deriver.DeriveAll(int(parsed.Args.Layers), parsed.Sender, parsed.Recipient, parsed.Args.RoundID)
		if err != nil {
			skip(SkipInvalidLayers, err)
			continue
		}
		for i, addr := range addrs {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			plan.Candidates = append(plan.Candidates, Candidate{
				Staging:     addr,
				Layer:       uint8(i + 1),
				Sender:      parsed.Sender,
				Recipient:   parsed.Recipient,
				RoundID:     parsed.Args.RoundID,
				SourceTx:    rec.Signature,
				SourceBlock: rec.BlockTime,
			})
		}
	}

	if !found {
		skip(SkipNoTransfer, nil)
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, mixer.ErrMalformedInstruction), errors.Is(err, mixer.ErrMissingAccounts):
		return SkipMalformed
	case errors.Is(err, mixer.ErrEmptyRoundID):
		return SkipEmptyRoundID
	case errors.Is(err, mixer.ErrInvalidLayerCount):
		return SkipInvalidLayers
	default:
		return SkipParseError
	}
}

// Sweep plans window, drops accounts that are already closed, and submits
// close transactions in groups. Group failures are recorded in the report
// and never stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context, window Window) (*Report, error) {
	start := time.Now()
	report := &Report{DryRun: s.opts.DryRun}

	plan, err := s.Plan(ctx, window)
	report.Plan = plan
	if err != nil {
		s.finish(report, start, "error")
		return report, err
	}

	live := plan.Candidates
	if s.opts.CheckExistence {
		live = s.filterLive(ctx, plan.Candidates)
		report.AlreadyClosed = len(plan.Candidates) - len(live)
		s.metrics.RecordSweepCloses("already_closed", report.AlreadyClosed)
	}

	s.logger.InfoContext(ctx, "sweep planned",
		"pages", plan.Pages,
		"scanned", plan.Scanned,
		"transfers", plan.Transfers,
		"candidates", len(plan.Candidates),
		"already_closed", report.AlreadyClosed,
		"to_close", len(live),
	)

	if s.opts.DryRun {
		for _, group := range Chunk(live, s.opts.MaxClosesPerTx) {
			report.Groups = append(report.Groups, GroupResult{Closed: group})
		}
		s.finish(report, start, "dry_run")
		return report, nil
	}

	for _, group := range Chunk(live, s.opts.MaxClosesPerTx) {
		res := s.closeGroup(ctx, group)
		report.Groups = append(report.Groups, res)
		if res.Error != "" {
			report.Failed += len(group)
		} else {
			report.Closed += len(group)
		}
	}

	s.metrics.RecordSweepCloses("closed", report.Closed)
	s.metrics.RecordSweepCloses("failed", report.Failed)
	s.finish(report, start, "success")
	return report, nil
}

func (s *Sweeper) finish(report *Report, start time.Time, status string) {
	report.DurationMs = time.Since(start).Milliseconds()
	s.metrics.RecordSweep(status, time.Since(start).Seconds())
}

func (s *Sweeper) filterLive(ctx context.Context, candidates []Candidate) []Candidate {
	live := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		acct, err := s.ledger.GetAccount(ctx, c.Staging)
		if err != nil {
			// Unknown state: attempt the close and let the program decide.
			s.logger.WarnContext(ctx, "failed to check staging account",
				"staging", c.Staging.String(),
				"error", err,
			)
			live = append(live, c)
			continue
		}
		if acct == nil || acct.Lamports == 0 {
			continue
		}
		live = append(live, c)
	}
	return live
}

func (s *Sweeper) closeGroup(ctx context.Context, group []Candidate) GroupResult {
	res := GroupResult{Closed: group}

	ixs := make([]solanago.Instruction, 0, len(group))
	for _, c := range group {
		ix, err := mixer.NewCloseStagingInstruction(s.deriver.ProgramID(),
			mixer.CloseArgs{Layer: c.Layer, RoundID: c.RoundID},
			mixer.CloseAccounts{
				Closer:        s.closer.PublicKey(),
				Staging:       c.Staging,
				OriginalPayer: c.Sender,
				Recipient:     c.Recipient,
			},
		)
		if err != nil {
			res.Error = err.Error()
			s.metrics.RecordSweepGroup("error")
			return res
		}
		ixs = append(ixs, ix)
	}

	sig, err := s.submitter.Submit(ctx, ixs, s.closer)
	if !sig.IsZero() {
		res.Signature = sig.String()
	}
	if err != nil {
		res.Error = err.Error()
		s.metrics.RecordSweepGroup("error")
		s.logger.WarnContext(ctx, "close group failed",
			"size", len(group),
			"signature", res.Signature,
			"error", err,
		)
		return res
	}

	s.metrics.RecordSweepGroup("success")
	s.logger.InfoContext(ctx, "closed staging accounts",
		"size", len(group),
		"signature", res.Signature,
	)
	return res
}

// Chunk splits items into consecutive groups of at most size.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var groups [][]T
	for lo := 0; lo < len(items); lo += size {
		groups = append(groups, items[lo:min(lo+size, len(items))])
	}
	return groups
}
