package server

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/stagehop/service/config"
	"github.com/brojonat/stagehop/service/db"
	"github.com/brojonat/stagehop/service/mixer"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rounds     []*db.Round
	closures   []*db.Closure
	sweeps     []*db.SweepRun
	err        error
	lastParams db.ListRoundsParams
	openLimit  int32
}

func (f *fakeStore) ListRounds(ctx context.Context, params db.ListRoundsParams) ([]*db.Round, error) {
	f.lastParams = params
	return f.rounds, f.err
}

func (f *fakeStore) ListOpenRounds(ctx context.Context, limit int32) ([]*db.Round, error) {
	f.openLimit = limit
	return f.rounds, f.err
}

func (f *fakeStore) GetRound(ctx context.Context, payer, recipient string, roundID uint64) (*db.Round, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.rounds {
		if r.Payer == payer && r.Recipient == recipient && r.RoundID == roundID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("round %d: %w", roundID, db.ErrNotFound)
}

func (f *fakeStore) ListClosures(ctx context.Context, payer, recipient string, roundID uint64, limit int32) ([]*db.Closure, error) {
	return f.closures, f.err
}

func (f *fakeStore) ListSweepRuns(ctx context.Context, limit int32) ([]*db.SweepRun, error) {
	return f.sweeps, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDeriver() *staging.Deriver {
	return staging.NewDeriver(solanago.MustPublicKeyFromBase58(config.DefaultProgramID))
}

func newTestServer(t *testing.T) (http.Handler, *fakeStore, *temporal.MockScheduler) {
	t.Helper()
	store := &fakeStore{}
	scheduler := temporal.NewMockScheduler()
	srv := New(":0", store, scheduler, testDeriver(), nil, nil, testLogger())
	return srv.Handler(), store, scheduler
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func newAddress() solanago.PublicKey {
	return solanago.NewWallet().PublicKey()
}

func TestDeriveStaging(t *testing.T) {
	h, _, _ := newTestServer(t)
	payer, recipient := newAddress(), newAddress()

	t.Run("default layers", func(t *testing.T) {
		w := do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/staging?payer=%s&recipient=%s&round_id=42", payer, recipient), "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp stagingResponse
		decodeJSON(t, w, &resp)
		assert.Equal(t, config.DefaultProgramID, resp.ProgramID)
		assert.Equal(t, "42", resp.RoundID)
		assert.Equal(t, 5, resp.Layers)

		want, err := testDeriver().DeriveAll(5, payer, recipient, 42)
		require.NoError(t, err)
		require.Len(t, resp.Staging, len(want))
		for i, addr := range want {
			assert.Equal(t, i+1, resp.Staging[i].Layer)
			assert.Equal(t, addr.String(), resp.Staging[i].Address)
		}
	})

	t.Run("explicit layers", func(t *testing.T) {
		w := do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/staging?payer=%s&recipient=%s&round_id=7&layers=2", payer, recipient), "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp stagingResponse
		decodeJSON(t, w, &resp)
		assert.Len(t, resp.Staging, 1)
	})

	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{"missing payer", fmt.Sprintf("recipient=%s&round_id=1", recipient), "payer: address is required"},
		{"bad payer", fmt.Sprintf("payer=0OIl&recipient=%s&round_id=1", recipient), "payer: invalid address format"},
		{"missing round", fmt.Sprintf("payer=%s&recipient=%s", payer, recipient), "round_id is required"},
		{"zero round", fmt.Sprintf("payer=%s&recipient=%s&round_id=0", payer, recipient), "invalid round_id"},
		{"negative round", fmt.Sprintf("payer=%s&recipient=%s&round_id=-4", payer, recipient), "invalid round_id"},
		{"too many layers", fmt.Sprintf("payer=%s&recipient=%s&round_id=1&layers=6", payer, recipient), "invalid layers"},
		{"too few layers", fmt.Sprintf("payer=%s&recipient=%s&round_id=1&layers=1", payer, recipient), "invalid layers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/api/v1/staging?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantErr)
		})
	}
}

func TestDecodeInstruction(t *testing.T) {
	h, _, _ := newTestServer(t)
	payer, recipient := newAddress(), newAddress()

	data, err := mixer.EncodeTransfer(mixer.TransferArgs{TransferLamports: 1_500_000, Layers: 3, RoundID: 99})
	require.NoError(t, err)
	stagingAddrs, err := testDeriver().DeriveAll(3, payer, recipient, 99)
	require.NoError(t, err)

	accounts := []string{payer.String()}
	for _, a := range stagingAddrs {
		accounts = append(accounts, a.String())
	}
	accounts = append(accounts, recipient.String(), solanago.SystemProgramID.String())

	encodings := map[string]string{
		"base64": base64.StdEncoding.EncodeToString(data),
		"base58": base58.Encode(data),
		"hex":    hex.EncodeToString(data),
	}
	for encoding, encoded := range encodings {
		t.Run("transfer "+encoding, func(t *testing.T) {
			body, _ := json.Marshal(decodeRequest{Data: encoded, Encoding: encoding, Accounts: accounts})
			w := do(t, h, http.MethodPost, "/api/v1/decode", string(body))
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var resp decodeResponse
			decodeJSON(t, w, &resp)
			assert.Equal(t, "multi_layer_transfer", resp.Instruction)
			assert.Equal(t, "99", resp.RoundID)
			require.NotNil(t, resp.Transfer)
			assert.Equal(t, uint64(1_500_000), resp.Transfer.TransferLamports)
			assert.Equal(t, payer.String(), resp.Sender)
			assert.Equal(t, recipient.String(), resp.Recipient)
			assert.Equal(t, accounts[1:3], resp.Staging)
		})
	}

	t.Run("transfer without accounts", func(t *testing.T) {
		body, _ := json.Marshal(decodeRequest{Data: encodings["base64"]})
		w := do(t, h, http.MethodPost, "/api/v1/decode", string(body))
		require.Equal(t, http.StatusOK, w.Code)

		var resp decodeResponse
		decodeJSON(t, w, &resp)
		assert.Empty(t, resp.Sender)
		assert.Empty(t, resp.Staging)
	})

	t.Run("close", func(t *testing.T) {
		closeData, err := mixer.EncodeClose(mixer.CloseArgs{Layer: 2, RoundID: 5})
		require.NoError(t, err)
		body, _ := json.Marshal(decodeRequest{Data: hex.EncodeToString(closeData), Encoding: "hex"})
		w := do(t, h, http.MethodPost, "/api/v1/decode", string(body))
		require.Equal(t, http.StatusOK, w.Code)

		var resp decodeResponse
		decodeJSON(t, w, &resp)
		assert.Equal(t, "close_multi_layer_staging", resp.Instruction)
		require.NotNil(t, resp.Close)
		assert.Equal(t, uint8(2), resp.Close.Layer)
		assert.Equal(t, "5", resp.RoundID)
	})

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed JSON", `{"data":`, http.StatusBadRequest, "invalid request body"},
		{"body too large", `{"data":"` + strings.Repeat("A", 2*maxRequestBodySize) + `"}`, http.StatusBadRequest, "request body too large"},
		{"missing data", `{}`, http.StatusBadRequest, "data is required"},
		{"unknown encoding", `{"data":"00","encoding":"base32"}`, http.StatusBadRequest, "invalid encoding"},
		{"bad hex", `{"data":"zz","encoding":"hex"}`, http.StatusBadRequest, "invalid hex data"},
		{"unknown instruction", `{"data":"` + hex.EncodeToString(make([]byte, 16)) + `","encoding":"hex"}`, http.StatusUnprocessableEntity, "not recognized"},
		{"truncated transfer", `{"data":"` + hex.EncodeToString(data[:12]) + `","encoding":"hex"}`, http.StatusUnprocessableEntity, "malformed"},
		{"too few accounts", `{"data":"` + hex.EncodeToString(data) + `","encoding":"hex","accounts":["` + payer.String() + `"]}`, http.StatusUnprocessableEntity, "accounts"},
		{"bad account", `{"data":"` + hex.EncodeToString(data) + `","encoding":"hex","accounts":["bad;"]}`, http.StatusBadRequest, "accounts[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/decode", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantErr)
		})
	}
}

func TestListRounds(t *testing.T) {
	h, store, _ := newTestServer(t)
	payer := newAddress().String()
	sig := "sig"
	store.rounds = []*db.Round{{
		Payer:            payer,
		Recipient:        newAddress().String(),
		RoundID:          1 << 60,
		Layers:           5,
		AmountLamports:   1000,
		Signature:        &sig,
		Status:           db.RoundSettled,
		StagingAddresses: []string{"a", "b", "c", "d"},
	}}

	t.Run("filters", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/rounds?payer="+payer+"&status=settled&batch_id=b1&limit=10&offset=5", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		assert.Equal(t, db.ListRoundsParams{Payer: payer, Status: "settled", BatchID: "b1", Limit: 10, Offset: 5}, store.lastParams)

		var resp struct {
			Rounds []roundResponse `json:"rounds"`
			Count  int             `json:"count"`
		}
		decodeJSON(t, w, &resp)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "1152921504606846976", resp.Rounds[0].RoundID)
		assert.Equal(t, []string{"a", "b", "c", "d"}, resp.Rounds[0].StagingAddresses)
	})

	t.Run("open rounds", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/rounds?open=true&limit=3", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int32(3), store.openLimit)
	})

	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{"bad status", "status=pending", "invalid status"},
		{"bad payer", "payer=drop;", "invalid address format"},
		{"zero limit", "limit=0", "limit must be at least 1"},
		{"huge limit", "limit=5000", "limit cannot exceed 1000"},
		{"bad limit", "limit=ten", "invalid limit parameter"},
		{"negative offset", "offset=-1", "offset cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/api/v1/rounds?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantErr)
		})
	}

	t.Run("store error", func(t *testing.T) {
		store.err = errors.New("connection refused")
		defer func() { store.err = nil }()

		w := do(t, h, http.MethodGet, "/api/v1/rounds", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "connection refused")
	})
}

func TestGetRound(t *testing.T) {
	h, store, _ := newTestServer(t)
	payer, recipient := newAddress().String(), newAddress().String()
	store.rounds = []*db.Round{{
		Payer:            payer,
		Recipient:        recipient,
		RoundID:          12,
		Layers:           3,
		Status:           db.RoundSettled,
		StagingAddresses: []string{"s1", "s2"},
	}}
	store.closures = []*db.Closure{{StagingAddress: "s1", Layer: 1, Signature: "close-sig", ClosedAt: time.Now()}}

	w := do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%s/%s/12", payer, recipient), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Round    roundResponse     `json:"round"`
		Closures []closureResponse `json:"closures"`
		Open     []string          `json:"open"`
	}
	decodeJSON(t, w, &resp)
	assert.Equal(t, "12", resp.Round.RoundID)
	require.Len(t, resp.Closures, 1)
	assert.Equal(t, "close-sig", resp.Closures[0].Signature)
	assert.Equal(t, []string{"s2"}, resp.Open)

	w = do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%s/%s/13", payer, recipient), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%s/%s/abc", payer, recipient), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSweepRuns(t *testing.T) {
	h, store, _ := newTestServer(t)
	msg := "page 3 failed"
	store.sweeps = []*db.SweepRun{{ID: 2, Candidates: 8, Closed: 6, Failed: 2, Status: "error", Error: &msg}}

	w := do(t, h, http.MethodGet, "/api/v1/sweeps?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sweeps []sweepRunResponse `json:"sweeps"`
	}
	decodeJSON(t, w, &resp)
	require.Len(t, resp.Sweeps, 1)
	assert.Equal(t, 6, resp.Sweeps[0].Closed)
	assert.Equal(t, &msg, resp.Sweeps[0].Error)
}

func TestStartBatch(t *testing.T) {
	recipient := newAddress().String()

	t.Run("accepted", func(t *testing.T) {
		h, _, scheduler := newTestServer(t)
		body := `{"batch_id":"payroll-1","transfers":[` +
			`{"recipient":"` + recipient + `","amount_lamports":5000},` +
			`{"recipient":"` + recipient + `","amount_sol":0.25,"layers":3,"round_id":9}]}`

		w := do(t, h, http.MethodPost, "/api/v1/batches", body)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		var resp map[string]interface{}
		decodeJSON(t, w, &resp)
		assert.Equal(t, "batch-payroll-1", resp["workflow_id"])
		assert.Equal(t, "/api/v1/workflows/batch-payroll-1", resp["status_url"])

		batches := scheduler.Batches()
		require.Len(t, batches, 1)
		assert.Equal(t, []temporal.TransferInput{
			{Recipient: recipient, AmountLamports: 5000, Layers: 5},
			{Recipient: recipient, AmountLamports: 250_000_000, RoundID: 9, Layers: 3},
		}, batches[0].Transfers)

		w = do(t, h, http.MethodPost, "/api/v1/batches", body)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("generated batch id", func(t *testing.T) {
		h, _, scheduler := newTestServer(t)
		w := do(t, h, http.MethodPost, "/api/v1/batches", `{"transfers":[{"recipient":"`+recipient+`","amount_lamports":1}]}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, scheduler.Batches(), 1)
		assert.Len(t, scheduler.Batches()[0].BatchID, 36)
	})

	t.Run("scheduler error", func(t *testing.T) {
		h, _, scheduler := newTestServer(t)
		scheduler.SetStartError(errors.New("temporal unavailable"))
		w := do(t, h, http.MethodPost, "/api/v1/batches", `{"transfers":[{"recipient":"`+recipient+`","amount_lamports":1}]}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed JSON", `{"transfers":`, "invalid request body"},
		{"no transfers", `{"transfers":[]}`, "transfers is required"},
		{"bad batch id", `{"batch_id":"a b","transfers":[{"recipient":"` + recipient + `","amount_lamports":1}]}`, "invalid batch_id"},
		{"missing recipient", `{"transfers":[{"amount_lamports":1}]}`, "transfers[0].recipient: address is required"},
		{"missing amount", `{"transfers":[{"recipient":"` + recipient + `"}]}`, "amount_lamports or amount_sol is required"},
		{"both amounts", `{"transfers":[{"recipient":"` + recipient + `","amount_lamports":1,"amount_sol":1}]}`, "not both"},
		{"negative sol", `{"transfers":[{"recipient":"` + recipient + `","amount_sol":-1}]}`, "transfers[0]"},
		{"bad layers", `{"transfers":[{"recipient":"` + recipient + `","amount_lamports":1,"layers":9}]}`, "layer count"},
		{"duplicate round", `{"transfers":[{"recipient":"` + recipient + `","amount_lamports":1,"round_id":4},{"recipient":"` + recipient + `","amount_lamports":2,"round_id":4}]}`, "transfers[1]: duplicates round of transfers[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, scheduler := newTestServer(t)
			w := do(t, h, http.MethodPost, "/api/v1/batches", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantErr)
			assert.Empty(t, scheduler.Batches())
		})
	}
}

func TestStartSweep(t *testing.T) {
	h, _, scheduler := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/v1/sweeps", `{"lookback":"6h"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/v1/sweeps", `{"from":"2026-01-01T00:00:00Z","to":"2026-01-02T00:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	sweeps := scheduler.Sweeps()
	require.Len(t, sweeps, 2)
	assert.Equal(t, 6*time.Hour, sweeps[0].Lookback)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), sweeps[1].From.UTC())

	w = do(t, h, http.MethodPost, "/api/v1/sweeps", `{"lookback":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/sweeps", `{"from":"2026-01-02T00:00:00Z","to":"2026-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "from must be before to")
}

func TestGetWorkflow(t *testing.T) {
	h, _, scheduler := newTestServer(t)

	closed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scheduler.SetStatus(&temporal.WorkflowStatus{
		WorkflowID: "batch-x",
		RunID:      "r1",
		Type:       "BatchTransferWorkflow",
		Status:     "completed",
		CloseTime:  &closed,
		Result:     map[string]interface{}{"status": "all_succeeded"},
	})

	w := do(t, h, http.MethodGet, "/api/v1/workflows/batch-x", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status temporal.WorkflowStatus
	decodeJSON(t, w, &status)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, map[string]interface{}{"status": "all_succeeded"}, status.Result)

	w = do(t, h, http.MethodGet, "/api/v1/workflows/batch-missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/workflows/"+strings.Repeat("x", maxIDLength+1), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRoutes(t *testing.T) {
	h, _, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = do(t, h, http.MethodOptions, "/api/v1/batches", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// Optional routes are absent without their dependencies.
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/funding", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/stream/sweeps", "").Code)
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr string
	}{
		{"valid", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", ""},
		{"empty", "", "address is required"},
		{"too long", strings.Repeat("A", maxAddressLength+1), "address too long"},
		{"null byte", "wallet\x00123", "control characters"},
		{"sql injection", "wallet'; DROP TABLE transfer_rounds; --", "valid base58"},
		{"ambiguous characters", "0OIl", "valid base58"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAddress(tt.address)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
