package nats

import (
	"strconv"
	"time"

	"github.com/brojonat/stagehop/service/sweeper"
	"github.com/brojonat/stagehop/service/transfer"
)

// TransferEvent is published to "stagehop.transfers.{payer}" once a transfer
// settles or fails.
type TransferEvent struct {
	BatchID string `json:"batch_id,omitempty"`

	Payer          string   `json:"payer"`
	Recipient      string   `json:"recipient"`
	RoundID        string   `json:"round_id"`
	Layers         int      `json:"layers"`
	AmountLamports uint64   `json:"amount_lamports"`
	Staging        []string `json:"staging,omitempty"`

	Success   bool   `json:"success"`
	State     string `json:"state"`
	FailedIn  string `json:"failed_in,omitempty"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`

	DurationMs  int64     `json:"duration_ms"`
	PublishedAt time.Time `json:"published_at"`
}

// SweepEvent is published to "stagehop.sweeps" after each sweep.
type SweepEvent struct {
	Status     string     `json:"status"`
	WindowFrom *time.Time `json:"window_from,omitempty"`
	WindowTo   *time.Time `json:"window_to,omitempty"`

	Pages         int `json:"pages"`
	Scanned       int `json:"scanned"`
	Transfers     int `json:"transfers"`
	Candidates    int `json:"candidates"`
	AlreadyClosed int `json:"already_closed"`
	Closed        int `json:"closed"`
	Failed        int `json:"failed"`

	Signatures []string `json:"signatures,omitempty"`
	Error      string   `json:"error,omitempty"`

	DurationMs  int64     `json:"duration_ms"`
	PublishedAt time.Time `json:"published_at"`
}

// FromOutcome converts a transfer outcome to a TransferEvent for publishing.
func FromOutcome(batchID string, o transfer.Outcome) *TransferEvent {
	return &TransferEvent{
		BatchID:        batchID,
		Payer:          o.Payer,
		Recipient:      o.Recipient,
		RoundID:        strconv.FormatUint(o.RoundID, 10),
		Layers:         o.Layers,
		AmountLamports: o.AmountLamports,
		Staging:        o.Staging,
		Success:        o.Success,
		State:          string(o.State),
		FailedIn:       string(o.FailedIn),
		Signature:      o.Signature,
		Error:          o.Error,
		DurationMs:     o.Duration.Milliseconds(),
		PublishedAt:    time.Now().UTC(),
	}
}

// FromReport converts a sweep report to a SweepEvent for publishing.
func FromReport(window sweeper.Window, report *sweeper.Report, sweepErr error) *SweepEvent {
	event := &SweepEvent{
		Status:      "success",
		PublishedAt: time.Now().UTC(),
	}
	if !window.From.IsZero() {
		from := window.From
		event.WindowFrom = &from
	}
	if !window.To.IsZero() {
		to := window.To
		event.WindowTo = &to
	}
	if sweepErr != nil {
		event.Status = "error"
		event.Error = sweepErr.Error()
	}
	if report == nil {
		return event
	}

	if report.DryRun && sweepErr == nil {
		event.Status = "dry_run"
	}
	if plan := report.Plan; plan != nil {
		event.Pages = plan.Pages
		event.Scanned = plan.Scanned
		event.Transfers = plan.Transfers
		event.Candidates = len(plan.Candidates)
	}
	event.AlreadyClosed = report.AlreadyClosed
	event.Closed = report.Closed
	event.Failed = report.Failed
	event.DurationMs = report.DurationMs
	for _, g := range report.Groups {
		if g.Signature != "" {
			event.Signatures = append(event.Signatures, g.Signature)
		}
	}
	return event
}
