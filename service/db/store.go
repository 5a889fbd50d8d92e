package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/stagehop/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Round statuses as written by the transfer pipeline.
const (
	RoundSettled = "settled"
	RoundFailed  = "failed"
)

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithMetrics records query durations on m.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) observe(op, table string, start time.Time, err error) {
	s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
}

// Round is one transfer attempt.
type Round struct {
	ID               int64
	Payer            string
	Recipient        string
	RoundID          uint64
	Layers           int
	AmountLamports   uint64
	Signature        *string
	Status           string
	FailedIn         *string
	Error            *string
	StagingAddresses []string
	BatchID          *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RecordRoundParams contains the parameters for recording a round.
type RecordRoundParams struct {
	Payer            string
	Recipient        string
	RoundID          uint64
	Layers           int
	AmountLamports   uint64
	Signature        *string
	Status           string
	FailedIn         *string
	Error            *string
	StagingAddresses []string
	BatchID          *string
}

// ListRoundsParams filters and paginates rounds. Empty fields do not filter.
type ListRoundsParams struct {
	Payer   string
	Status  string
	BatchID string
	Limit   int32
	Offset  int32
}

const roundColumns = `id, payer, recipient, round_id, layers, amount_lamports, signature,
	status, failed_in, error, staging_addresses, batch_id, created_at, updated_at`

// RecordRound inserts a round, or updates it when the same payer, recipient
// and round id was recorded before.
func (s *Store) RecordRound(ctx context.Context, params RecordRoundParams) (r *Round, err error) {
	defer func(start time.Time) { s.observe("record_round", "transfer_rounds", start, err) }(time.Now())

	staging := params.StagingAddresses
	if staging == nil {
		staging = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO transfer_rounds (
			payer, recipient, round_id, layers, amount_lamports, signature,
			status, failed_in, error, staging_addresses, batch_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payer, recipient, round_id) DO UPDATE SET
			layers = EXCLUDED.layers,
			amount_lamports = EXCLUDED.amount_lamports,
			signature = EXCLUDED.signature,
			status = EXCLUDED.status,
			failed_in = EXCLUDED.failed_in,
			error = EXCLUDED.error,
			staging_addresses = EXCLUDED.staging_addresses,
			batch_id = COALESCE(EXCLUDED.batch_id, transfer_rounds.batch_id),
			updated_at = NOW()
		RETURNING `+roundColumns,
		params.Payer,
		params.Recipient,
		int64(params.RoundID),
		int16(params.Layers),
		int64(params.AmountLamports),
		pgtextFromStringPtr(params.Signature),
		params.Status,
		pgtextFromStringPtr(params.FailedIn),
		pgtextFromStringPtr(params.Error),
		staging,
		pgtextFromStringPtr(params.BatchID),
	)
	return scanRound(row)
}

// GetRound retrieves a round by its identifying triple.
func (s *Store) GetRound(ctx context.Context, payer, recipient string, roundID uint64) (r *Round, err error) {
	defer func(start time.Time) { s.observe("get_round", "transfer_rounds", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM transfer_rounds
		WHERE payer = $1 AND recipient = $2 AND round_id = $3`,
		payer, recipient, int64(roundID))
	r, err = scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("round %s/%s/%d: %w", payer, recipient, roundID, ErrNotFound)
	}
	return r, err
}

// ListRounds returns rounds newest first.
func (s *Store) ListRounds(ctx context.Context, params ListRoundsParams) (rounds []*Round, err error) {
	defer func(start time.Time) { s.observe("list_rounds", "transfer_rounds", start, err) }(time.Now())

	if params.Limit <= 0 {
		params.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+roundColumns+` FROM transfer_rounds
		WHERE ($1 = '' OR payer = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR batch_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		params.Payer, params.Status, params.BatchID, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Round, error) {
		return scanRound(row)
	})
}

// ListOpenRounds returns settled rounds with at least one staging account
// that has no recorded closure, oldest first.
func (s *Store) ListOpenRounds(ctx context.Context, limit int32) (rounds []*Round, err error) {
	defer func(start time.Time) { s.observe("list_open_rounds", "transfer_rounds", start, err) }(time.Now())

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+roundColumns+` FROM transfer_rounds r
		WHERE r.status = $1
		  AND EXISTS (
			SELECT 1 FROM unnest(r.staging_addresses) AS a(addr)
			WHERE NOT EXISTS (
				SELECT 1 FROM staging_closures c WHERE c.staging_address = a.addr
			)
		  )
		ORDER BY r.created_at ASC, r.id ASC
		LIMIT $2`, RoundSettled, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Round, error) {
		return scanRound(row)
	})
}

// Closure is one staging account closed by a sweep.
type Closure struct {
	StagingAddress string
	Payer          string
	Recipient      string
	RoundID        uint64
	Layer          int
	Signature      string
	ClosedAt       time.Time
}

// RecordClosures inserts closures in one transaction, ignoring addresses
// already recorded. It returns the number of new rows.
func (s *Store) RecordClosures(ctx context.Context, closures []Closure) (n int64, err error) {
	defer func(start time.Time) { s.observe("record_closures", "staging_closures", start, err) }(time.Now())

	if len(closures) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range closures {
		batch.Queue(`INSERT INTO staging_closures
			(staging_address, payer, recipient, round_id, layer, signature)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (staging_address) DO NOTHING`,
			c.StagingAddress, c.Payer, c.Recipient, int64(c.RoundID), int16(c.Layer), c.Signature)
	}

	results := tx.SendBatch(ctx, batch)
	for range closures {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to insert closure: %w", err)
		}
		n += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// ListClosures returns closures for a round, or the most recent closures
// when roundID is zero.
func (s *Store) ListClosures(ctx context.Context, payer, recipient string, roundID uint64, limit int32) (closures []*Closure, err error) {
	defer func(start time.Time) { s.observe("list_closures", "staging_closures", start, err) }(time.Now())

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT staging_address, payer, recipient, round_id, layer, signature, closed_at
		FROM staging_closures
		WHERE ($1 = '' OR payer = $1)
		  AND ($2 = '' OR recipient = $2)
		  AND ($3 = 0 OR round_id = $3)
		ORDER BY closed_at DESC, layer ASC
		LIMIT $4`, payer, recipient, int64(roundID), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Closure, error) {
		var (
			c       Closure
			roundID int64
			layer   int16
		)
		if err := row.Scan(&c.StagingAddress, &c.Payer, &c.Recipient, &roundID, &layer, &c.Signature, &c.ClosedAt); err != nil {
			return nil, err
		}
		c.RoundID = uint64(roundID)
		c.Layer = int(layer)
		return &c, nil
	})
}

// SweepRun is the summary of one sweep.
type SweepRun struct {
	ID            int64
	WindowFrom    *time.Time
	WindowTo      *time.Time
	Pages         int
	Scanned       int
	Transfers     int
	Candidates    int
	AlreadyClosed int
	Closed        int
	Failed        int
	Status        string
	Error         *string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RecordSweepRun inserts a sweep summary. ID and FinishedAt are ignored.
func (s *Store) RecordSweepRun(ctx context.Context, run SweepRun) (out *SweepRun, err error) {
	defer func(start time.Time) { s.observe("record_sweep_run", "sweep_runs", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `INSERT INTO sweep_runs (
			window_from, window_to, pages, scanned, transfers, candidates,
			already_closed, closed, failed, status, error, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+sweepColumns,
		pgTimestamptzFromTimePtr(run.WindowFrom),
		pgTimestamptzFromTimePtr(run.WindowTo),
		run.Pages, run.Scanned, run.Transfers, run.Candidates,
		run.AlreadyClosed, run.Closed, run.Failed,
		run.Status,
		pgtextFromStringPtr(run.Error),
		run.StartedAt,
	)
	return scanSweepRun(row)
}

// ListSweepRuns returns sweep summaries newest first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int32) (runs []*SweepRun, err error) {
	defer func(start time.Time) { s.observe("list_sweep_runs", "sweep_runs", start, err) }(time.Now())

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+sweepColumns+` FROM sweep_runs
		ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*SweepRun, error) {
		return scanSweepRun(row)
	})
}

const sweepColumns = `id, window_from, window_to, pages, scanned, transfers, candidates,
	already_closed, closed, failed, status, error, started_at, finished_at`

// Helper functions to convert between pgx types and domain types

func scanRound(row pgx.Row) (*Round, error) {
	var (
		r         Round
		roundID   int64
		layers    int16
		amount    int64
		signature pgtype.Text
		failedIn  pgtype.Text
		errText   pgtype.Text
		batchID   pgtype.Text
	)
	err := row.Scan(
		&r.ID, &r.Payer, &r.Recipient, &roundID, &layers, &amount, &signature,
		&r.Status, &failedIn, &errText, &r.StagingAddresses, &batchID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.RoundID = uint64(roundID)
	r.Layers = int(layers)
	r.AmountLamports = uint64(amount)
	r.Signature = stringPtrFromPgtext(signature)
	r.FailedIn = stringPtrFromPgtext(failedIn)
	r.Error = stringPtrFromPgtext(errText)
	r.BatchID = stringPtrFromPgtext(batchID)
	return &r, nil
}

func scanSweepRun(row pgx.Row) (*SweepRun, error) {
	var (
		run      SweepRun
		from, to pgtype.Timestamptz
		errText  pgtype.Text
	)
	err := row.Scan(
		&run.ID, &from, &to, &run.Pages, &run.Scanned, &run.Transfers, &run.Candidates,
		&run.AlreadyClosed, &run.Closed, &run.Failed, &run.Status, &errText, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.WindowFrom = timePtrFromPgTimestamptz(from)
	run.WindowTo = timePtrFromPgTimestamptz(to)
	run.Error = stringPtrFromPgtext(errText)
	return &run, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil || t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
