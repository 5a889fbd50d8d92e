package server

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// FundingMemoPrefix prefixes the memo of every funding request.
const FundingMemoPrefix = "stagehop-fund:"

// FundingRequest asks a wallet to top up the operator account that pays for
// transfers.
type FundingRequest struct {
	ID             string    `json:"id"`
	PayToAddress   string    `json:"pay_to_address"`
	AmountLamports uint64    `json:"amount_lamports,omitempty"`
	AmountSOL      string    `json:"amount_sol,omitempty"`
	Memo           string    `json:"memo"`
	PaymentURL     string    `json:"payment_url"`  // Solana Pay URL for wallet apps
	QRCodeData     string    `json:"qr_code_data"` // base64 encoded PNG
	CreatedAt      time.Time `json:"created_at"`
}

// newFundingRequest builds a funding request for amountLamports, or for an
// amount the wallet prompts for when amountLamports is zero.
func newFundingRequest(funder solanago.PublicKey, amountLamports uint64, now time.Time) (FundingRequest, error) {
	id := uuid.New().String()
	req := FundingRequest{
		ID:             id,
		PayToAddress:   funder.String(),
		AmountLamports: amountLamports,
		Memo:           FundingMemoPrefix + id,
		CreatedAt:      now,
	}
	if amountLamports > 0 {
		req.AmountSOL = exactSOL(amountLamports)
	}
	req.PaymentURL = buildSolanaPayURL(req.PayToAddress, req.AmountSOL, req.Memo)

	qr, err := generateQRCode(req.PaymentURL)
	if err != nil {
		return req, err
	}
	req.QRCodeData = qr
	return req, nil
}

// exactSOL renders lamports as a decimal SOL amount without rounding.
func exactSOL(lamports uint64) string {
	s := fmt.Sprintf("%d.%09d", lamports/transfer.LamportsPerSOL, lamports%transfer.LamportsPerSOL)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// buildSolanaPayURL creates a Solana Pay transfer request URL.
// Format: solana:{recipient}?amount={sol}&memo={memo}&label={label}&message={message}
func buildSolanaPayURL(recipient, amountSOL, memo string) string {
	params := url.Values{}
	if amountSOL != "" {
		params.Set("amount", amountSOL)
	}
	params.Set("memo", memo)
	params.Set("label", "stagehop")
	params.Set("message", "Fund staged transfers")

	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}

// handleFundingRequest returns a handler that issues a funding request for
// the operator account.
// GET /api/v1/funding?amount_sol=1.5 or ?amount_lamports=N
func handleFundingRequest(funder solanago.PublicKey, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		var lamports uint64
		switch sol, raw := query.Get("amount_sol"), query.Get("amount_lamports"); {
		case sol != "" && raw != "":
			writeError(w, "set amount_sol or amount_lamports, not both", http.StatusBadRequest)
			return
		case sol != "":
			f, err := strconv.ParseFloat(sol, 64)
			if err != nil {
				writeError(w, "invalid amount_sol: must be a number", http.StatusBadRequest)
				return
			}
			if lamports, err = transfer.LamportsFromSOL(f); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		case raw != "":
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || n == 0 {
				writeError(w, "invalid amount_lamports: must be a positive integer", http.StatusBadRequest)
				return
			}
			lamports = n
		}

		req, err := newFundingRequest(funder, lamports, time.Now().UTC())
		if err != nil {
			logger.Error("failed to build funding request", "error", err)
			writeError(w, "failed to build funding request", http.StatusInternalServerError)
			return
		}

		logger.Debug("funding request issued", "id", req.ID, "amount_lamports", lamports)
		writeJSON(w, req, http.StatusOK)
	})
}
