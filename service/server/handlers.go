package server

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/stagehop/service/db"
	"github.com/brojonat/stagehop/service/mixer"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/temporal"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxIDLength        = 128
	maxBatchSize       = 1000
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	validIDRegex      = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
)

// handleDeriveStaging returns a handler that derives the staging addresses of a round.
// GET /api/v1/staging?payer=ADDR&recipient=ADDR&round_id=N&layers=N
func handleDeriveStaging(deriver *staging.Deriver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		payer, err := parseAddress("payer", query.Get("payer"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		recipient, err := parseAddress("recipient", query.Get("recipient"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		roundID, err := parseRoundID(query.Get("round_id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		layers, err := parseLayers(query.Get("layers"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := stagingResponse{
			ProgramID: deriver.ProgramID().String(),
			Payer:     payer.String(),
			Recipient: recipient.String(),
			RoundID:   strconv.FormatUint(roundID, 10),
			Layers:    layers,
			Staging:   make([]stagingAddress, 0, layers-1),
		}
		for layer := 1; layer < layers; layer++ {
			addr, bump, err := deriver.Derive(staging.Key{
				Layer:     uint8(layer),
				Payer:     payer,
				Recipient: recipient,
				RoundID:   roundID,
			})
			if err != nil {
				logger.Error("failed to derive staging address", "layer", layer, "error", err)
				writeError(w, "failed to derive staging address", http.StatusInternalServerError)
				return
			}
			resp.Staging = append(resp.Staging, stagingAddress{Layer: layer, Address: addr.String(), Bump: bump})
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

type stagingAddress struct {
	Layer   int    `json:"layer"`
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

type stagingResponse struct {
	ProgramID string           `json:"program_id"`
	Payer     string           `json:"payer"`
	Recipient string           `json:"recipient"`
	RoundID   string           `json:"round_id"`
	Layers    int              `json:"layers"`
	Staging   []stagingAddress `json:"staging"`
}

type decodeRequest struct {
	Data     string   `json:"data"`
	Encoding string   `json:"encoding"` // "base64" (default), "base58" or "hex"
	Accounts []string `json:"accounts"`
}

type decodeResponse struct {
	Instruction string              `json:"instruction"`
	RoundID     string              `json:"round_id,omitempty"`
	Transfer    *mixer.TransferArgs `json:"transfer,omitempty"`
	Close       *mixer.CloseArgs    `json:"close,omitempty"`
	Sender      string              `json:"sender,omitempty"`
	Recipient   string              `json:"recipient,omitempty"`
	Staging     []string            `json:"staging,omitempty"`
}

// handleDecodeInstruction returns a handler that decodes mixer instruction data.
// POST /api/v1/decode
// When the call's account keys are supplied for a transfer, the response also
// carries the sender, recipient and the staging addresses the call used.
func handleDecodeInstruction(deriver *staging.Deriver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req decodeRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if req.Data == "" {
			writeError(w, "data is required", http.StatusBadRequest)
			return
		}

		raw, err := decodeData(req.Data, req.Encoding)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := decodeResponse{Instruction: mixer.InstructionName(raw)}
		switch resp.Instruction {
		case "multi_layer_transfer":
			args, err := mixer.DecodeTransfer(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			resp.Transfer = args
			resp.RoundID = args.RoundIDString()

			if len(req.Accounts) == 0 {
				break
			}
			keys := make([]solanago.PublicKey, len(req.Accounts))
			for i, a := range req.Accounts {
				if keys[i], err = parseAddress(fmt.Sprintf("accounts[%d]", i), a); err != nil {
					writeError(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			call, err := mixer.ParseTransferCall(keys, raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			addrs, err := deriver.DeriveAll(int(call.Args.Layers), call.Sender, call.Recipient, call.Args.RoundID)
			if err != nil {
				writeError(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			resp.Sender = call.Sender.String()
			resp.Recipient = call.Recipient.String()
			for _, a := range addrs {
				resp.Staging = append(resp.Staging, a.String())
			}

		case "close_multi_layer_staging":
			args, err := mixer.DecodeClose(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			resp.Close = args
			resp.RoundID = strconv.FormatUint(args.RoundID, 10)

		case "initialize":

		default:
			writeError(w, mixer.ErrNotRecognized.Error(), http.StatusUnprocessableEntity)
			return
		}

		logger.Debug("instruction decoded", "instruction", resp.Instruction, "round_id", resp.RoundID)
		writeJSON(w, resp, http.StatusOK)
	})
}

// decodeData decodes instruction data in the named encoding.
func decodeData(data, encoding string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	encoding = strings.ToLower(encoding)
	if encoding == "" {
		encoding = "base64"
	}
	switch encoding {
	case "base64":
		raw, err = base64.StdEncoding.DecodeString(data)
	case "base58":
		raw, err = base58.Decode(data)
	case "hex":
		raw, err = hex.DecodeString(strings.TrimPrefix(data, "0x"))
	default:
		return nil, errorf("invalid encoding: must be 'base64', 'base58' or 'hex'")
	}
	if err != nil {
		return nil, errorf("invalid %s data: %v", encoding, err)
	}
	return raw, nil
}

// handleListRounds returns a handler that lists recorded transfer rounds.
// GET /api/v1/rounds?payer=ADDR&status=settled&batch_id=ID&limit=N&offset=N
// GET /api/v1/rounds?open=true lists settled rounds with unclosed staging accounts.
func handleListRounds(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		limit, offset, err := parsePagination(query)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var rounds []*db.Round
		if query.Get("open") == "true" {
			rounds, err = store.ListOpenRounds(r.Context(), limit)
		} else {
			params := db.ListRoundsParams{
				Payer:   query.Get("payer"),
				Status:  query.Get("status"),
				BatchID: query.Get("batch_id"),
				Limit:   limit,
				Offset:  offset,
			}
			if params.Payer != "" {
				if err := validateAddress(params.Payer); err != nil {
					writeError(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
			if params.Status != "" && params.Status != db.RoundSettled && params.Status != db.RoundFailed {
				writeError(w, "invalid status: must be 'settled' or 'failed'", http.StatusBadRequest)
				return
			}
			rounds, err = store.ListRounds(r.Context(), params)
		}
		if err != nil {
			logger.Error("failed to list rounds", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]roundResponse, len(rounds))
		for i, round := range rounds {
			resp[i] = roundToResponse(round)
		}

		writeJSON(w, map[string]interface{}{
			"rounds": resp,
			"count":  len(resp),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// handleGetRound returns a handler that retrieves one round with its closures.
// GET /api/v1/rounds/{payer}/{recipient}/{round_id}
func handleGetRound(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payer := r.PathValue("payer")
		recipient := r.PathValue("recipient")
		if err := validateAddress(payer); err != nil {
			writeError(w, "payer: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateAddress(recipient); err != nil {
			writeError(w, "recipient: "+err.Error(), http.StatusBadRequest)
			return
		}
		roundID, err := parseRoundID(r.PathValue("round_id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		round, err := store.GetRound(r.Context(), payer, recipient, roundID)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "round not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get round", "payer", payer, "round_id", roundID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		closures, err := store.ListClosures(r.Context(), payer, recipient, roundID, 0)
		if err != nil {
			logger.Error("failed to list closures", "payer", payer, "round_id", roundID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		closed := make(map[string]bool, len(closures))
		closureResp := make([]closureResponse, len(closures))
		for i, c := range closures {
			closed[c.StagingAddress] = true
			closureResp[i] = closureResponse{
				StagingAddress: c.StagingAddress,
				Layer:          c.Layer,
				Signature:      c.Signature,
				ClosedAt:       c.ClosedAt,
			}
		}
		open := []string{}
		for _, addr := range round.StagingAddresses {
			if !closed[addr] {
				open = append(open, addr)
			}
		}

		writeJSON(w, map[string]interface{}{
			"round":    roundToResponse(round),
			"closures": closureResp,
			"open":     open,
		}, http.StatusOK)
	})
}

// handleListSweepRuns returns a handler that lists recorded sweeps.
// GET /api/v1/sweeps?limit=N
func handleListSweepRuns(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _, err := parsePagination(r.URL.Query())
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		runs, err := store.ListSweepRuns(r.Context(), limit)
		if err != nil {
			logger.Error("failed to list sweep runs", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]sweepRunResponse, len(runs))
		for i, run := range runs {
			resp[i] = sweepRunToResponse(run)
		}
		writeJSON(w, map[string]interface{}{
			"sweeps": resp,
			"count":  len(resp),
		}, http.StatusOK)
	})
}

type batchRequest struct {
	BatchID   string                 `json:"batch_id"`
	Transfers []batchTransferRequest `json:"transfers"`
}

type batchTransferRequest struct {
	Recipient      string  `json:"recipient"`
	AmountLamports uint64  `json:"amount_lamports"`
	AmountSOL      float64 `json:"amount_sol"`
	RoundID        uint64  `json:"round_id"`
	Layers         int     `json:"layers"`
}

// handleStartBatch returns a handler that starts a batch transfer workflow.
// POST /api/v1/batches
// The batch runs asynchronously; poll GET /api/v1/workflows/{workflow_id}.
func handleStartBatch(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		input, err := batchInput(req)
		if err != nil {
			logger.Debug("invalid batch request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		run, err := scheduler.StartBatch(r.Context(), input)
		if errors.Is(err, temporal.ErrWorkflowExists) {
			writeError(w, fmt.Sprintf("batch %q already exists", input.BatchID), http.StatusConflict)
			return
		}
		if err != nil {
			logger.Error("failed to start batch", "batch_id", input.BatchID, "error", err)
			writeError(w, "failed to start batch", http.StatusInternalServerError)
			return
		}

		logger.Info("batch started",
			"batch_id", input.BatchID,
			"workflow_id", run.WorkflowID,
			"transfers", len(input.Transfers),
		)
		writeJSON(w, map[string]interface{}{
			"batch_id":    input.BatchID,
			"workflow_id": run.WorkflowID,
			"run_id":      run.RunID,
			"transfers":   len(input.Transfers),
			"status_url":  "/api/v1/workflows/" + run.WorkflowID,
		}, http.StatusAccepted)
	})
}

// batchInput validates a batch request and converts it to workflow input.
// A missing batch ID is generated.
func batchInput(req batchRequest) (temporal.BatchInput, error) {
	input := temporal.BatchInput{BatchID: req.BatchID}
	if input.BatchID == "" {
		input.BatchID = uuid.New().String()
	} else if err := validateID("batch_id", input.BatchID); err != nil {
		return input, err
	}

	if len(req.Transfers) == 0 {
		return input, errorf("transfers is required")
	}
	if len(req.Transfers) > maxBatchSize {
		return input, errorf("too many transfers: maximum is %d", maxBatchSize)
	}

	type roundKey struct {
		recipient string
		roundID   uint64
	}
	seen := make(map[roundKey]int)

	input.Transfers = make([]temporal.TransferInput, 0, len(req.Transfers))
	for i, t := range req.Transfers {
		field := fmt.Sprintf("transfers[%d]", i)

		recipient, err := parseAddress(field+".recipient", t.Recipient)
		if err != nil {
			return input, err
		}

		lamports := t.AmountLamports
		switch {
		case t.AmountLamports > 0 && t.AmountSOL != 0:
			return input, errorf("%s: set amount_lamports or amount_sol, not both", field)
		case t.AmountSOL != 0:
			if lamports, err = transfer.LamportsFromSOL(t.AmountSOL); err != nil {
				return input, errorf("%s: %v", field, err)
			}
		case lamports == 0:
			return input, errorf("%s: amount_lamports or amount_sol is required", field)
		}

		layers := t.Layers
		if layers == 0 {
			layers = transfer.DefaultLayers
		}
		if err := staging.ValidateLayerCount(layers); err != nil {
			return input, errorf("%s: %v", field, err)
		}

		if t.RoundID != 0 {
			key := roundKey{recipient.String(), t.RoundID}
			if j, dup := seen[key]; dup {
				return input, errorf("%s: duplicates round of transfers[%d]", field, j)
			}
			seen[key] = i
		}

		input.Transfers = append(input.Transfers, temporal.TransferInput{
			Recipient:      recipient.String(),
			AmountLamports: lamports,
			RoundID:        t.RoundID,
			Layers:         layers,
		})
	}
	return input, nil
}

type sweepRequest struct {
	Lookback string     `json:"lookback"`
	From     *time.Time `json:"from"`
	To       *time.Time `json:"to"`
}

// handleStartSweep returns a handler that starts an ad hoc sweep.
// POST /api/v1/sweeps
func handleStartSweep(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sweepRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		var input temporal.SweepInput
		if req.Lookback != "" {
			lookback, err := time.ParseDuration(req.Lookback)
			if err != nil || lookback <= 0 {
				writeError(w, "invalid lookback: must be a positive duration (e.g. '6h')", http.StatusBadRequest)
				return
			}
			input.Lookback = lookback
		}
		if req.From != nil {
			input.From = *req.From
		}
		if req.To != nil {
			input.To = *req.To
		}
		if !input.From.IsZero() && !input.To.IsZero() && !input.From.Before(input.To) {
			writeError(w, "from must be before to", http.StatusBadRequest)
			return
		}

		run, err := scheduler.StartSweep(r.Context(), input)
		if err != nil {
			logger.Error("failed to start sweep", "error", err)
			writeError(w, "failed to start sweep", http.StatusInternalServerError)
			return
		}

		logger.Info("sweep started", "workflow_id", run.WorkflowID, "lookback", input.Lookback)
		writeJSON(w, map[string]interface{}{
			"workflow_id": run.WorkflowID,
			"run_id":      run.RunID,
			"status_url":  "/api/v1/workflows/" + run.WorkflowID,
		}, http.StatusAccepted)
	})
}

// handleGetWorkflow returns a handler that reports a workflow's status.
// GET /api/v1/workflows/{workflow_id}
func handleGetWorkflow(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("workflow_id")
		if err := validateID("workflow_id", workflowID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		status, err := scheduler.DescribeWorkflow(r.Context(), workflowID)
		if errors.Is(err, temporal.ErrWorkflowNotFound) {
			writeError(w, "workflow not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to describe workflow", "workflow_id", workflowID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, status, http.StatusOK)
	})
}

// roundResponse is the JSON response format for a round. Round IDs are
// rendered as decimal strings since they exceed the float64 integer range.
type roundResponse struct {
	Payer            string    `json:"payer"`
	Recipient        string    `json:"recipient"`
	RoundID          string    `json:"round_id"`
	Layers           int       `json:"layers"`
	AmountLamports   uint64    `json:"amount_lamports"`
	Signature        *string   `json:"signature,omitempty"`
	Status           string    `json:"status"`
	FailedIn         *string   `json:"failed_in,omitempty"`
	Error            *string   `json:"error,omitempty"`
	StagingAddresses []string  `json:"staging_addresses"`
	BatchID          *string   `json:"batch_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func roundToResponse(r *db.Round) roundResponse {
	addrs := r.StagingAddresses
	if addrs == nil {
		addrs = []string{}
	}
	return roundResponse{
		Payer:            r.Payer,
		Recipient:        r.Recipient,
		RoundID:          strconv.FormatUint(r.RoundID, 10),
		Layers:           r.Layers,
		AmountLamports:   r.AmountLamports,
		Signature:        r.Signature,
		Status:           r.Status,
		FailedIn:         r.FailedIn,
		Error:            r.Error,
		StagingAddresses: addrs,
		BatchID:          r.BatchID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type closureResponse struct {
	StagingAddress string    `json:"staging_address"`
	Layer          int       `json:"layer"`
	Signature      string    `json:"signature"`
	ClosedAt       time.Time `json:"closed_at"`
}

type sweepRunResponse struct {
	ID            int64      `json:"id"`
	WindowFrom    *time.Time `json:"window_from,omitempty"`
	WindowTo      *time.Time `json:"window_to,omitempty"`
	Pages         int        `json:"pages"`
	Scanned       int        `json:"scanned"`
	Transfers     int        `json:"transfers"`
	Candidates    int        `json:"candidates"`
	AlreadyClosed int        `json:"already_closed"`
	Closed        int        `json:"closed"`
	Failed        int        `json:"failed"`
	Status        string     `json:"status"`
	Error         *string    `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
}

func sweepRunToResponse(r *db.SweepRun) sweepRunResponse {
	return sweepRunResponse{
		ID:            r.ID,
		WindowFrom:    r.WindowFrom,
		WindowTo:      r.WindowTo,
		Pages:         r.Pages,
		Scanned:       r.Scanned,
		Transfers:     r.Transfers,
		Candidates:    r.Candidates,
		AlreadyClosed: r.AlreadyClosed,
		Closed:        r.Closed,
		Failed:        r.Failed,
		Status:        r.Status,
		Error:         r.Error,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

// decodeBody decodes a size-limited JSON body, writing the error response
// itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates an account address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// parseAddress validates and decodes a named address field.
func parseAddress(field, value string) (solanago.PublicKey, error) {
	if err := validateAddress(value); err != nil {
		return solanago.PublicKey{}, errorf("%s: %v", field, err)
	}
	pk, err := staging.ParseAddress(value)
	if err != nil {
		return solanago.PublicKey{}, errorf("%s: %v", field, err)
	}
	return pk, nil
}

func validateID(field, id string) error {
	if id == "" {
		return errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return errorf("%s too long: maximum length is %d characters", field, maxIDLength)
	}
	if !validIDRegex.MatchString(id) {
		return errorf("invalid %s: only letters, digits, '.', '_', ':' and '-' are allowed", field)
	}
	return nil
}

func parseRoundID(s string) (uint64, error) {
	if s == "" {
		return 0, errorf("round_id is required")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, errorf("invalid round_id: must be a positive integer")
	}
	return id, nil
}

func parseLayers(s string) (int, error) {
	if s == "" {
		return transfer.DefaultLayers, nil
	}
	layers, err := strconv.Atoi(s)
	if err != nil {
		return 0, errorf("invalid layers: must be an integer")
	}
	if err := staging.ValidateLayerCount(layers); err != nil {
		return 0, errorf("invalid layers: %v", err)
	}
	return layers, nil
}

// parsePagination reads limit (default 100, max 1000) and offset (default 0).
func parsePagination(query url.Values) (limit, offset int32, err error) {
	limit = defaultListLimit
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if n < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if n > maxListLimit {
			return 0, 0, errorf("limit cannot exceed %d", maxListLimit)
		}
		limit = int32(n)
	}

	if s := query.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if n < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = int32(n)
	}
	return limit, offset, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
