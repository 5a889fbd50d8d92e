package server

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFundingRequest(t *testing.T) {
	funder := newAddress()
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	req, err := newFundingRequest(funder, 1_500_000_000, now)
	require.NoError(t, err)

	assert.Len(t, req.ID, 36)
	assert.Equal(t, funder.String(), req.PayToAddress)
	assert.Equal(t, "1.5", req.AmountSOL)
	assert.Equal(t, FundingMemoPrefix+req.ID, req.Memo)
	assert.Equal(t, now, req.CreatedAt)

	u, err := url.Parse(req.PaymentURL)
	require.NoError(t, err)
	assert.Equal(t, "solana", u.Scheme)
	assert.Equal(t, funder.String(), u.Opaque)
	assert.Equal(t, "1.5", u.Query().Get("amount"))
	assert.Equal(t, req.Memo, u.Query().Get("memo"))

	other, err := newFundingRequest(funder, 1_500_000_000, now)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, other.ID)
}

func TestNewFundingRequest_OpenAmount(t *testing.T) {
	req, err := newFundingRequest(newAddress(), 0, time.Now())
	require.NoError(t, err)

	assert.Empty(t, req.AmountSOL)
	u, err := url.Parse(req.PaymentURL)
	require.NoError(t, err)
	assert.False(t, u.Query().Has("amount"))
}

func TestExactSOL(t *testing.T) {
	tests := []struct {
		lamports uint64
		want     string
	}{
		{1, "0.000000001"},
		{1_000_000_000, "1"},
		{10_000_000_000, "10"},
		{1_234_567_890, "1.23456789"},
		{250_000_000, "0.25"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exactSOL(tt.lamports))
	}
}

func TestGenerateQRCode(t *testing.T) {
	qr, err := generateQRCode("solana:TestWallet?amount=1&memo=test")
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(qr)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(decoded))
	require.NoError(t, err)

	other, err := generateQRCode("solana:OtherWallet?amount=2")
	require.NoError(t, err)
	assert.NotEqual(t, qr, other)
}

func TestFundingEndpoint(t *testing.T) {
	funder := newAddress()
	srv := New(":0", &fakeStore{}, nil, testDeriver(), nil, nil, testLogger()).WithFunder(funder)
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/api/v1/funding?amount_sol=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var req FundingRequest
	decodeJSON(t, w, &req)
	assert.Equal(t, funder.String(), req.PayToAddress)
	assert.Equal(t, uint64(2_000_000_000), req.AmountLamports)
	assert.NotEmpty(t, req.QRCodeData)

	w = do(t, h, http.MethodGet, "/api/v1/funding?amount_lamports=5000", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &req)
	assert.Equal(t, "0.000005", req.AmountSOL)

	w = do(t, h, http.MethodGet, "/api/v1/funding", "")
	assert.Equal(t, http.StatusOK, w.Code)

	for _, query := range []string{"amount_sol=abc", "amount_sol=-1", "amount_lamports=0", "amount_sol=1&amount_lamports=1"} {
		w = do(t, h, http.MethodGet, "/api/v1/funding?"+query, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}
