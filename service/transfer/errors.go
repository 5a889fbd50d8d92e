package transfer

import (
	"errors"
	"fmt"

	"github.com/brojonat/stagehop/service/staging"
)

var (
	ErrInvalidAmount     = errors.New("invalid transfer amount")
	ErrInvalidFunder     = errors.New("funder must be a 64-byte ed25519 private key")
	ErrInvalidLayerCount = staging.ErrInvalidLayerCount
	ErrFunderNotFound    = errors.New("funder account does not exist")
	ErrSubmissionFailed  = errors.New("submission failed")
	ErrConfirmFailed     = errors.New("confirmation failed")
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// InsufficientBalanceError reports how far a funder is from covering a transfer.
type InsufficientBalanceError struct {
	Funder    string
	Required  uint64
	Available uint64
	Shortfall uint64
	// Breakdown of Required.
	Amount uint64
	Rent   uint64
	Fees   uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("funder %s has insufficient balance: required %s SOL (%s transfer + %s rent + %s fees), available %s SOL, shortfall %s SOL",
		e.Funder,
		FormatSOL(e.Required),
		FormatSOL(e.Amount),
		FormatSOL(e.Rent),
		FormatSOL(e.Fees),
		FormatSOL(e.Available),
		FormatSOL(e.Shortfall),
	)
}

// FormatSOL renders lamports as SOL with six decimals.
func FormatSOL(lamports uint64) string {
	return fmt.Sprintf("%.6f", float64(lamports)/LamportsPerSOL)
}
