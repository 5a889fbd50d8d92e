package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records concurrency and round ids, and fails the amounts
// listed in fail.
type fakeExecutor struct {
	delay    time.Duration
	fail     map[uint64]bool
	inFlight atomic.Int32
	peak     atomic.Int32

	mu      sync.Mutex
	rounds  []uint64
	started []time.Time
}

func (e *fakeExecutor) Execute(ctx context.Context, req transfer.Request) transfer.Outcome {
	n := e.inFlight.Add(1)
	for {
		peak := e.peak.Load()
		if n <= peak || e.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	e.mu.Lock()
	e.rounds = append(e.rounds, req.RoundID)
	e.started = append(e.started, time.Now())
	e.mu.Unlock()

	time.Sleep(e.delay)
	e.inFlight.Add(-1)

	out := transfer.Outcome{RoundID: req.RoundID, AmountLamports: req.AmountLamports}
	if e.fail[req.AmountLamports] {
		out.State = transfer.StateFailed
		out.Error = fmt.Sprintf("transfer of %d failed", req.AmountLamports)
		out.Err = errors.New(out.Error)
		return out
	}
	out.Success = true
	out.State = transfer.StateSettled
	out.Signature = fmt.Sprintf("sig-%d", req.RoundID)
	return out
}

type fakeLedger struct {
	balances map[solanago.PublicKey]uint64
	rent     uint64
}

func (l *fakeLedger) GetAccount(ctx context.Context, addr solanago.PublicKey) (*solana.Account, error) {
	bal, ok := l.balances[addr]
	if !ok {
		return nil, nil
	}
	return &solana.Account{Address: addr, Lamports: bal}, nil
}

func (l *fakeLedger) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	return l.rent, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requests(t *testing.T, n int) []transfer.Request {
	t.Helper()
	funder, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	reqs := make([]transfer.Request, n)
	for i := range reqs {
		reqs[i] = transfer.Request{
			Funder:         funder,
			Recipient:      solanago.PublicKey{byte(i + 1)},
			AmountLamports: uint64(1000 + i),
			Layers:         5,
		}
	}
	return reqs
}

func fixedClock() func() time.Time {
	t := time.UnixMilli(1700000000000)
	return func() time.Time { return t }
}

func TestRunBatch_WavesAreBounded(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	opts := Options{Concurrency: 4, Cooldown: 10 * time.Millisecond, Now: fixedClock()}
	s := NewScheduler(exec, nil, opts, nil, testLogger())

	res := s.RunBatch(context.Background(), requests(t, 10))

	assert.Equal(t, 3, res.Waves)
	assert.LessOrEqual(t, exec.peak.Load(), int32(4))
	assert.Equal(t, 10, res.SuccessCount)
	assert.True(t, res.Success)
	assert.Equal(t, StatusAllSucceeded, res.Status)
}

func TestRunBatch_WaveBarrier(t *testing.T) {
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	opts := Options{Concurrency: 2, Cooldown: 20 * time.Millisecond, Now: fixedClock()}
	s := NewScheduler(exec, nil, opts, nil, testLogger())

	s.RunBatch(context.Background(), requests(t, 4))

	require.Len(t, exec.started, 4)
	// The second wave cannot start until the first finished and the cool-down elapsed.
	firstWave := exec.started[0]
	if exec.started[1].After(firstWave) {
		firstWave = exec.started[1]
	}
	secondWave := exec.started[2]
	if exec.started[3].Before(secondWave) {
		secondWave = exec.started[3]
	}
	assert.GreaterOrEqual(t, secondWave.Sub(firstWave), 50*time.Millisecond)
}

func TestRunBatch_AssignsRoundIDs(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewScheduler(exec, nil, Options{Concurrency: 20, Now: fixedClock()}, nil, testLogger())

	reqs := requests(t, 3)
	reqs[1].RoundID = 42
	res := s.RunBatch(context.Background(), reqs)

	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, uint64(1700000000000), res.Outcomes[0].RoundID)
	assert.Equal(t, uint64(42), res.Outcomes[1].RoundID)
	assert.Equal(t, uint64(1700000000002), res.Outcomes[2].RoundID)
	assert.Equal(t, uint64(0), reqs[0].RoundID, "caller's slice is not modified")
}

func TestRunBatch_CompletenessWithFailures(t *testing.T) {
	reqs := requests(t, 7)
	exec := &fakeExecutor{fail: map[uint64]bool{
		reqs[1].AmountLamports: true,
		reqs[4].AmountLamports: true,
		reqs[6].AmountLamports: true,
	}}
	s := NewScheduler(exec, nil, Options{Concurrency: 3, Now: fixedClock()}, nil, testLogger())

	res := s.RunBatch(context.Background(), reqs)

	assert.Equal(t, 4, res.SuccessCount)
	assert.Equal(t, 3, res.FailureCount)
	assert.Equal(t, len(reqs), res.SuccessCount+res.FailureCount)
	assert.Len(t, res.Signatures, 4)
	assert.False(t, res.Success)
	assert.Equal(t, StatusPartialFailure, res.Status)

	require.Len(t, res.Errors, 3)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, 4, res.Errors[1].Index)
	assert.Equal(t, 6, res.Errors[2].Index)
	assert.Contains(t, res.Errors[0].Error, "failed")
}

func TestRunBatch_TotalFailure(t *testing.T) {
	reqs := requests(t, 2)
	exec := &fakeExecutor{fail: map[uint64]bool{reqs[0].AmountLamports: true, reqs[1].AmountLamports: true}}
	s := NewScheduler(exec, nil, Options{Concurrency: 5, Now: fixedClock()}, nil, testLogger())

	res := s.RunBatch(context.Background(), reqs)
	assert.Equal(t, StatusTotalFailure, res.Status)
	assert.Empty(t, res.Signatures)
}

func TestRunBatch_ObserverSeesEveryTransfer(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)
	opts := Options{
		Concurrency: 2,
		Now:         fixedClock(),
		Observer: func(ctx context.Context, index int, req transfer.Request, out transfer.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			seen[index] = true
		},
	}
	s := NewScheduler(&fakeExecutor{}, nil, opts, nil, testLogger())

	s.RunBatch(context.Background(), requests(t, 5))
	assert.Len(t, seen, 5)
}

func TestRunBatch_PreflightRejectsUnderfundedFunder(t *testing.T) {
	rich, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	poor, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	ledger := &fakeLedger{
		rent: 100,
		balances: map[solanago.PublicKey]uint64{
			rich.PublicKey(): 1_000_000,
			poor.PublicKey(): 1_000,
		},
	}
	reqs := []transfer.Request{
		{Funder: rich, Recipient: solanago.PublicKey{1}, AmountLamports: 500, Layers: 5},
		{Funder: poor, Recipient: solanago.PublicKey{2}, AmountLamports: 500, Layers: 5},
		{Funder: rich, Recipient: solanago.PublicKey{3}, AmountLamports: 600, Layers: 5},
	}
	exec := &fakeExecutor{}
	opts := Options{Concurrency: 5, Preflight: true, Now: fixedClock()}
	s := NewScheduler(exec, ledger, opts, nil, testLogger())

	res := s.RunBatch(context.Background(), reqs)

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Contains(t, res.Errors[0].Error, "insufficient balance")
	var insufficient *transfer.InsufficientBalanceError
	assert.ErrorAs(t, res.Outcomes[1].Err, &insufficient)
	assert.Len(t, exec.rounds, 2, "rejected transfer is never executed")
}

func TestRunBatch_PreflightMissingFunder(t *testing.T) {
	reqs := requests(t, 2)
	ledger := &fakeLedger{rent: 1, balances: map[solanago.PublicKey]uint64{}}
	s := NewScheduler(&fakeExecutor{}, ledger, Options{Concurrency: 5, Preflight: true, Now: fixedClock()}, nil, testLogger())

	res := s.RunBatch(context.Background(), reqs)

	assert.Equal(t, 2, res.FailureCount)
	assert.ErrorIs(t, res.Outcomes[0].Err, transfer.ErrFunderNotFound)
}

func TestRunBatch_PreflightRejectsMalformedFunder(t *testing.T) {
	reqs := requests(t, 3)
	reqs[1].Funder = nil
	ledger := &fakeLedger{rent: 1, balances: map[solanago.PublicKey]uint64{
		reqs[0].Funder.PublicKey(): 1_000_000,
	}}
	exec := &fakeExecutor{}
	s := NewScheduler(exec, ledger, Options{Concurrency: 5, Preflight: true, Now: fixedClock()}, nil, testLogger())

	var res *Result
	require.NotPanics(t, func() { res = s.RunBatch(context.Background(), reqs) })

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	assert.ErrorIs(t, res.Outcomes[1].Err, transfer.ErrInvalidFunder)
	assert.Equal(t, transfer.StateValidating, res.Outcomes[1].FailedIn)
	assert.Empty(t, res.Outcomes[1].Payer)
	assert.Len(t, exec.rounds, 2)
}

func TestRunBatch_CancelledContextFailsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{}
	var once sync.Once
	opts := Options{
		Concurrency: 2,
		Cooldown:    time.Hour,
		Now:         fixedClock(),
		Observer: func(ctx context.Context, index int, req transfer.Request, out transfer.Outcome) {
			once.Do(cancel)
		},
	}
	s := NewScheduler(exec, nil, opts, nil, testLogger())

	res := s.RunBatch(ctx, requests(t, 6))

	assert.Equal(t, 1, res.Waves)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 4, res.FailureCount)
	assert.ErrorIs(t, res.Outcomes[5].Err, context.Canceled)
}

func TestRunBatch_Empty(t *testing.T) {
	s := NewScheduler(&fakeExecutor{}, nil, DefaultOptions(), nil, testLogger())
	res := s.RunBatch(context.Background(), nil)
	assert.Equal(t, 0, res.Waves)
	assert.Equal(t, 0, res.FailureCount)
	assert.NotNil(t, res.Signatures)
}
