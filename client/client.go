// Package client is the HTTP client for the stagehop service.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is the HTTP client for the stagehop service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new stagehop service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// ErrStreamClosed is returned when the server ends an event stream before
// a matching event arrives.
var ErrStreamClosed = errors.New("event stream closed")

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// DeriveStaging returns the staging addresses of a round. Zero layers uses
// the server default.
func (c *Client) DeriveStaging(ctx context.Context, payer, recipient string, roundID uint64, layers int) (*Staging, error) {
	q := url.Values{}
	q.Set("payer", payer)
	q.Set("recipient", recipient)
	q.Set("round_id", strconv.FormatUint(roundID, 10))
	if layers > 0 {
		q.Set("layers", strconv.Itoa(layers))
	}

	var out Staging
	if err := c.do(ctx, "GET", "/api/v1/staging?"+q.Encode(), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decode decodes mixer instruction data.
func (c *Client) Decode(ctx context.Context, req DecodeRequest) (*Decoded, error) {
	var out Decoded
	if err := c.do(ctx, "POST", "/api/v1/decode", req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRounds lists recorded transfer rounds.
func (c *Client) ListRounds(ctx context.Context, filter RoundFilter) ([]*Round, error) {
	q := url.Values{}
	if filter.Payer != "" {
		q.Set("payer", filter.Payer)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.BatchID != "" {
		q.Set("batch_id", filter.BatchID)
	}
	if filter.Open {
		q.Set("open", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/api/v1/rounds"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Rounds []*Round `json:"rounds"`
	}
	if err := c.do(ctx, "GET", path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Rounds, nil
}

// GetRound retrieves one round with its closures.
func (c *Client) GetRound(ctx context.Context, payer, recipient string, roundID uint64) (*RoundDetail, error) {
	path := fmt.Sprintf("/api/v1/rounds/%s/%s/%d", url.PathEscape(payer), url.PathEscape(recipient), roundID)

	var out RoundDetail
	if err := c.do(ctx, "GET", path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSweeps lists recorded sweeps, newest first.
func (c *Client) ListSweeps(ctx context.Context, limit int) ([]*SweepRun, error) {
	path := "/api/v1/sweeps"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out struct {
		Sweeps []*SweepRun `json:"sweeps"`
	}
	if err := c.do(ctx, "GET", path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Sweeps, nil
}

// StartBatch starts a batch of transfers. An empty batchID lets the server
// assign one.
func (c *Client) StartBatch(ctx context.Context, batchID string, transfers []BatchTransfer) (*WorkflowRun, error) {
	body := map[string]interface{}{
		"batch_id":  batchID,
		"transfers": transfers,
	}

	var out WorkflowRun
	if err := c.do(ctx, "POST", "/api/v1/batches", body, &out, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("batch started", "batch_id", out.BatchID, "workflow_id", out.WorkflowID)
	return &out, nil
}

// StartSweep starts an ad hoc sweep.
func (c *Client) StartSweep(ctx context.Context, req SweepRequest) (*WorkflowRun, error) {
	body := map[string]interface{}{}
	if req.Lookback > 0 {
		body["lookback"] = req.Lookback.String()
	}
	if !req.From.IsZero() {
		body["from"] = req.From
	}
	if !req.To.IsZero() {
		body["to"] = req.To
	}

	var out WorkflowRun
	if err := c.do(ctx, "POST", "/api/v1/sweeps", body, &out, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("sweep started", "workflow_id", out.WorkflowID)
	return &out, nil
}

// Workflow reports the status of a batch or sweep workflow.
func (c *Client) Workflow(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	var out WorkflowStatus
	if err := c.do(ctx, "GET", "/api/v1/workflows/"+url.PathEscape(workflowID), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// AwaitWorkflow polls a workflow until it leaves the running state.
func (c *Client) AwaitWorkflow(ctx context.Context, workflowID string, pollInterval time.Duration) (*WorkflowStatus, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Workflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if status.Status != "running" {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Funding requests a Solana Pay funding request for the operator account.
// Zero lamports leaves the amount to the paying wallet.
func (c *Client) Funding(ctx context.Context, amountLamports uint64) (*FundingRequest, error) {
	path := "/api/v1/funding"
	if amountLamports > 0 {
		path += "?amount_lamports=" + strconv.FormatUint(amountLamports, 10)
	}

	var out FundingRequest
	if err := c.do(ctx, "GET", path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// AwaitTransfer streams transfer events for payer (every payer when empty)
// and returns the first one matcher accepts. It returns ctx.Err() when the
// context ends first.
func (c *Client) AwaitTransfer(ctx context.Context, payer string, matcher func(*TransferEvent) bool) (*TransferEvent, error) {
	path := "/api/v1/stream/transfers"
	if payer != "" {
		path += "/" + url.PathEscape(payer)
	}

	var found *TransferEvent
	err := c.stream(ctx, path, func(event string, data []byte) bool {
		if event != "" && event != "transfer" {
			return false
		}
		var te TransferEvent
		if err := json.Unmarshal(data, &te); err != nil {
			c.logger.Warn("failed to decode transfer event", "error", err)
			return false
		}
		if !matcher(&te) {
			return false
		}
		found = &te
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// stream reads server-sent events from path and passes each to fn until fn
// returns true.
func (c *Client) stream(ctx context.Context, path string, fn func(event string, data []byte) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the client's request timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	type sseEvent struct {
		name string
		data []byte
	}
	events := make(chan sseEvent)
	readErr := make(chan error, 1)

	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)

		var name string
		var data bytes.Buffer
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data.Len() > 0 {
					select {
					case events <- sseEvent{name: name, data: bytes.Clone(data.Bytes())}:
					case <-ctx.Done():
						return
					}
				}
				name = ""
				data.Reset()
			case strings.HasPrefix(line, ":"):
				// comment / keepalive
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := <-readErr; err != nil {
					return fmt.Errorf("stream read failed: %w", err)
				}
				return ErrStreamClosed
			}
			if ev.name == "connected" || ev.name == "error" {
				c.logger.Debug("stream control event", "event", ev.name, "data", string(ev.data))
				if ev.name == "error" {
					return fmt.Errorf("stream error: %s", ev.data)
				}
				continue
			}
			if fn(ev.name, ev.data) {
				return nil
			}
		}
	}
}

// do sends a JSON request and decodes a JSON response.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, wantStatus int) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
