package client

import (
	"encoding/json"
	"time"
)

// StagingAddress is one derived staging account.
type StagingAddress struct {
	Layer   int    `json:"layer"`
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

// Staging lists the staging addresses of a round, ordered by layer.
type Staging struct {
	ProgramID string           `json:"program_id"`
	Payer     string           `json:"payer"`
	Recipient string           `json:"recipient"`
	RoundID   string           `json:"round_id"`
	Layers    int              `json:"layers"`
	Staging   []StagingAddress `json:"staging"`
}

// DecodeRequest carries instruction data and, optionally, the call's
// account keys.
type DecodeRequest struct {
	Data     string   `json:"data"`
	Encoding string   `json:"encoding,omitempty"` // base64 (default), base58 or hex
	Accounts []string `json:"accounts,omitempty"`
}

// TransferArgs are decoded multi_layer_transfer arguments.
type TransferArgs struct {
	TransferLamports uint64 `json:"transfer_lamports"`
	Layers           uint8  `json:"layers"`
	RoundID          uint64 `json:"round_id"`
	LayersData       []byte `json:"layers_data,omitempty"`
}

// CloseArgs are decoded close_multi_layer_staging arguments.
type CloseArgs struct {
	Layer   uint8  `json:"layer"`
	RoundID uint64 `json:"round_id"`
}

// Decoded is a decoded mixer instruction.
type Decoded struct {
	Instruction string        `json:"instruction"`
	RoundID     string        `json:"round_id,omitempty"`
	Transfer    *TransferArgs `json:"transfer,omitempty"`
	Close       *CloseArgs    `json:"close,omitempty"`
	Sender      string        `json:"sender,omitempty"`
	Recipient   string        `json:"recipient,omitempty"`
	Staging     []string      `json:"staging,omitempty"`
}

// RoundFilter narrows ListRounds. Open lists settled rounds that still have
// unclosed staging accounts and ignores the other filters.
type RoundFilter struct {
	Payer   string
	Status  string
	BatchID string
	Open    bool
	Limit   int
	Offset  int
}

// Round is a recorded transfer attempt.
type Round struct {
	Payer            string    `json:"payer"`
	Recipient        string    `json:"recipient"`
	RoundID          string    `json:"round_id"`
	Layers           int       `json:"layers"`
	AmountLamports   uint64    `json:"amount_lamports"`
	Signature        *string   `json:"signature,omitempty"`
	Status           string    `json:"status"` // settled, failed
	FailedIn         *string   `json:"failed_in,omitempty"`
	Error            *string   `json:"error,omitempty"`
	StagingAddresses []string  `json:"staging_addresses"`
	BatchID          *string   `json:"batch_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Closure records a reclaimed staging account.
type Closure struct {
	StagingAddress string    `json:"staging_address"`
	Layer          int       `json:"layer"`
	Signature      string    `json:"signature"`
	ClosedAt       time.Time `json:"closed_at"`
}

// RoundDetail is a round with its closures and still-open staging accounts.
type RoundDetail struct {
	Round    Round     `json:"round"`
	Closures []Closure `json:"closures"`
	Open     []string  `json:"open"`
}

// SweepRun summarizes one sweep.
type SweepRun struct {
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

// BatchTransfer is one transfer of a batch. Set AmountLamports or AmountSOL.
// Zero RoundID and Layers take server-side defaults.
type BatchTransfer struct {
	Recipient      string  `json:"recipient"`
	AmountLamports uint64  `json:"amount_lamports,omitempty"`
	AmountSOL      float64 `json:"amount_sol,omitempty"`
	RoundID        uint64  `json:"round_id,omitempty"`
	Layers         int     `json:"layers,omitempty"`
}

// SweepRequest selects the history window of an ad hoc sweep.
type SweepRequest struct {
	Lookback time.Duration
	From     time.Time
	To       time.Time
}

// WorkflowRun identifies a started batch or sweep.
type WorkflowRun struct {
	BatchID    string `json:"batch_id,omitempty"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	StatusURL  string `json:"status_url"`
}

// WorkflowStatus is the state of a workflow. Result is set once it completes.
type WorkflowStatus struct {
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StartTime  time.Time       `json:"start_time"`
	CloseTime  *time.Time      `json:"close_time,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// FundingRequest is a Solana Pay request to top up the operator account.
type FundingRequest struct {
	ID             string    `json:"id"`
	PayToAddress   string    `json:"pay_to_address"`
	AmountLamports uint64    `json:"amount_lamports,omitempty"`
	AmountSOL      string    `json:"amount_sol,omitempty"`
	Memo           string    `json:"memo"`
	PaymentURL     string    `json:"payment_url"`
	QRCodeData     string    `json:"qr_code_data"`
	CreatedAt      time.Time `json:"created_at"`
}

// TransferEvent is a settled or failed transfer as published on the stream.
type TransferEvent struct {
	BatchID        string    `json:"batch_id,omitempty"`
	Payer          string    `json:"payer"`
	Recipient      string    `json:"recipient"`
	RoundID        string    `json:"round_id"`
	Layers         int       `json:"layers"`
	AmountLamports uint64    `json:"amount_lamports"`
	Staging        []string  `json:"staging,omitempty"`
	Success        bool      `json:"success"`
	State          string    `json:"state"`
	FailedIn       string    `json:"failed_in,omitempty"`
	Signature      string    `json:"signature,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	PublishedAt    time.Time `json:"published_at"`
}
