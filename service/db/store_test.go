package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func settledRound(payer string, roundID uint64, staging ...string) RecordRoundParams {
	return RecordRoundParams{
		Payer:            payer,
		Recipient:        "recipient1",
		RoundID:          roundID,
		Layers:           len(staging) + 1,
		AmountLamports:   1_000_000_000,
		Signature:        strPtr("sig-" + payer),
		Status:           RoundSettled,
		StagingAddresses: staging,
	}
}

func TestRecordRound(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("insert", func(t *testing.T) {
		params := settledRound("payer1", 1700000000000, "s1", "s2", "s3", "s4")
		params.BatchID = strPtr("batch-1")

		r, err := store.RecordRound(ctx, params)
		require.NoError(t, err)
		assert.NotZero(t, r.ID)
		assert.Equal(t, uint64(1700000000000), r.RoundID)
		assert.Equal(t, 5, r.Layers)
		assert.Equal(t, uint64(1_000_000_000), r.AmountLamports)
		assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, r.StagingAddresses)
		assert.Equal(t, "batch-1", *r.BatchID)
		assert.Nil(t, r.Error)
		assert.WithinDuration(t, time.Now(), r.CreatedAt, 5*time.Second)
	})

	t.Run("upsert on the same triple", func(t *testing.T) {
		params := settledRound("payer1", 1700000000000)
		params.Status = RoundFailed
		params.Signature = nil
		params.FailedIn = strPtr("confirming")
		params.Error = strPtr("confirmation timed out")

		r, err := store.RecordRound(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, RoundFailed, r.Status)
		assert.Equal(t, "confirming", *r.FailedIn)
		assert.Equal(t, "batch-1", *r.BatchID, "batch id is kept")
		assert.Empty(t, r.StagingAddresses)

		got, err := store.GetRound(ctx, "payer1", "recipient1", 1700000000000)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
	})

	t.Run("missing round", func(t *testing.T) {
		_, err := store.GetRound(ctx, "nobody", "recipient1", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListRounds(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		_, err := store.RecordRound(ctx, settledRound("payerA", i, "x"))
		require.NoError(t, err)
	}
	failed := settledRound("payerB", 9)
	failed.Status = RoundFailed
	_, err := store.RecordRound(ctx, failed)
	require.NoError(t, err)

	all, err := store.ListRounds(ctx, ListRoundsParams{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byPayer, err := store.ListRounds(ctx, ListRoundsParams{Payer: "payerA", Limit: 2})
	require.NoError(t, err)
	require.Len(t, byPayer, 2)
	assert.Equal(t, uint64(3), byPayer[0].RoundID, "newest first")

	byStatus, err := store.ListRounds(ctx, ListRoundsParams{Status: RoundFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "payerB", byStatus[0].Payer)
}

func TestOpenRoundsAndClosures(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	_, err := store.RecordRound(ctx, settledRound("payer1", 10, "a1", "a2"))
	require.NoError(t, err)
	_, err = store.RecordRound(ctx, settledRound("payer2", 11, "b1"))
	require.NoError(t, err)

	open, err := store.ListOpenRounds(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	closures := []Closure{
		{StagingAddress: "a1", Payer: "payer1", Recipient: "recipient1", RoundID: 10, Layer: 1, Signature: "close1"},
		{StagingAddress: "a2", Payer: "payer1", Recipient: "recipient1", RoundID: 10, Layer: 2, Signature: "close1"},
	}
	n, err := store.RecordClosures(ctx, closures)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Recording the same closures again is a no-op.
	n, err = store.RecordClosures(ctx, closures)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	open, err = store.ListOpenRounds(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "payer2", open[0].Payer)

	got, err := store.ListClosures(ctx, "payer1", "recipient1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Layer)
	assert.Equal(t, uint64(10), got[0].RoundID)
}

func TestSweepRuns(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Microsecond)
	from := started.Add(-time.Hour)

	run, err := store.RecordSweepRun(ctx, SweepRun{
		WindowFrom: &from,
		Pages:      2,
		Scanned:    150,
		Transfers:  40,
		Candidates: 160,
		Closed:     140,
		Failed:     20,
		Status:     "success",
		StartedAt:  started,
	})
	require.NoError(t, err)
	assert.NotZero(t, run.ID)
	require.NotNil(t, run.WindowFrom)
	assert.WithinDuration(t, from, *run.WindowFrom, time.Microsecond)
	assert.Nil(t, run.WindowTo)

	_, err = store.RecordSweepRun(ctx, SweepRun{Status: "error", Error: strPtr("page 1 failed"), StartedAt: started.Add(time.Minute)})
	require.NoError(t, err)

	runs, err := store.ListSweepRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "error", runs[0].Status)
	assert.Equal(t, 140, runs[1].Closed)
}
