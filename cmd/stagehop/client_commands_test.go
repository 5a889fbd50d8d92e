package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/stagehop/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func transferStream(t *testing.T, events ...client.TransferEvent) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/transfers/payer1", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		w.Write([]byte("event: connected\ndata: {}\n\n"))
		flusher.Flush()
		for _, ev := range events {
			data, err := json.Marshal(ev)
			require.NoError(t, err)
			w.Write([]byte("event: transfer\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}))
}

func TestAwaitCommand(t *testing.T) {
	server := transferStream(t,
		client.TransferEvent{Payer: "payer1", Recipient: "r1", RoundID: "1", Success: true},
		client.TransferEvent{Payer: "payer1", Recipient: "r2", RoundID: "2", Success: true, AmountLamports: 5_000},
	)
	defer server.Close()

	err := newApp().Run([]string{"stagehop", "--server-url", server.URL, "--json",
		"client", "await", "--recipient", "r2", "--must-jq", ".amount_lamports == 5000", "payer1"})
	require.NoError(t, err)
}

func TestAwaitCommand_NoMatch(t *testing.T) {
	server := transferStream(t,
		client.TransferEvent{Payer: "payer1", Recipient: "r1", RoundID: "1", Success: false},
	)
	defer server.Close()

	err := newApp().Run([]string{"stagehop", "--server-url", server.URL, "--json",
		"client", "await", "--settled", "payer1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrStreamClosed)
}

func TestAwaitCommand_RequiresFilter(t *testing.T) {
	err := newApp().Run([]string{"stagehop", "client", "await", "payer1"})
	assert.ErrorContains(t, err, "must specify at least one filter")

	err = newApp().Run([]string{"stagehop", "client", "await", "--must-jq", ".[", "payer1"})
	assert.ErrorContains(t, err, "failed to parse jq filter")
}

func TestClientBatchCommand(t *testing.T) {
	var got struct {
		BatchID   string                 `json:"batch_id"`
		Transfers []client.BatchTransfer `json:"transfers"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/batches", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.BatchID == "used" {
			writeJSON(w, http.StatusConflict, map[string]string{"error": `batch "used" already exists`})
			return
		}
		writeJSON(w, http.StatusAccepted, client.WorkflowRun{BatchID: got.BatchID, WorkflowID: "batch-" + got.BatchID})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "transfers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"recipient": "r1", "amount_sol": 0.1}]`), 0o600))

	err := newApp().Run([]string{"stagehop", "--server-url", server.URL, "--json",
		"client", "batch", "--batch-id", "nightly", path})
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.BatchID)
	assert.Equal(t, []client.BatchTransfer{{Recipient: "r1", AmountSOL: 0.1}}, got.Transfers)

	err = newApp().Run([]string{"stagehop", "--server-url", server.URL,
		"client", "batch", "--batch-id", "used", path})
	assert.ErrorContains(t, err, `batch "used" was already submitted`)
}

func TestClientWorkflowCommand_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
	}))
	defer server.Close()

	err := newApp().Run([]string{"stagehop", "--server-url", server.URL, "client", "workflow", "batch-x"})
	assert.ErrorContains(t, err, `workflow "batch-x" not found`)
}

func TestClientFundingCommand_WritesQRCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/funding", r.URL.Path)
		assert.Equal(t, "1500000000", r.URL.Query().Get("amount_lamports"))
		writeJSON(w, http.StatusOK, client.FundingRequest{
			PayToAddress: "operator",
			AmountSOL:    "1.5",
			QRCodeData:   "iVBORw0KGgo=",
		})
	}))
	defer server.Close()

	qr := filepath.Join(t.TempDir(), "fund.png")
	err := newApp().Run([]string{"stagehop", "--server-url", server.URL, "--json",
		"client", "funding", "--amount-sol", "1.5", "--qr-out", qr})
	require.NoError(t, err)

	png, err := os.ReadFile(qr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, png)
}
