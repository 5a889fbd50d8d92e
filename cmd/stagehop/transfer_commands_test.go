package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/stagehop/client"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountFromFlags(t *testing.T) {
	tests := []struct {
		name     string
		sol      float64
		lamports uint64
		want     uint64
		wantErr  string
	}{
		{name: "sol", sol: 0.5, want: 500_000_000},
		{name: "lamports", lamports: 1234, want: 1234},
		{name: "both", sol: 1, lamports: 1, wantErr: "only one"},
		{name: "neither", wantErr: "amount is required"},
		{name: "negative sol", sol: -1, wantErr: "invalid transfer amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := amountFromFlags(tt.sol, tt.lamports)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBatchRequests(t *testing.T) {
	funder := solanago.NewWallet().PrivateKey
	r1 := solanago.NewWallet().PublicKey()
	r2 := solanago.NewWallet().PublicKey()

	reqs, err := batchRequests(funder, []client.BatchTransfer{
		{Recipient: r1.String(), AmountSOL: 0.25},
		{Recipient: r2.String(), AmountLamports: 1000, RoundID: 7, Layers: 3},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, r1, reqs[0].Recipient)
	assert.Equal(t, uint64(250_000_000), reqs[0].AmountLamports)
	assert.Equal(t, transfer.DefaultLayers, reqs[0].Layers)
	assert.Zero(t, reqs[0].RoundID)

	assert.Equal(t, uint64(7), reqs[1].RoundID)
	assert.Equal(t, 3, reqs[1].Layers)
	assert.Equal(t, funder.PublicKey(), reqs[1].Funder.PublicKey())

	_, err = batchRequests(funder, []client.BatchTransfer{
		{Recipient: r1.String(), AmountLamports: 1},
		{Recipient: r2.String(), AmountLamports: 1, Layers: 9},
	})
	assert.ErrorIs(t, err, staging.ErrInvalidLayerCount)
	assert.ErrorContains(t, err, "transfer 1")

	_, err = batchRequests(funder, []client.BatchTransfer{{Recipient: "nope", AmountLamports: 1}})
	assert.ErrorIs(t, err, staging.ErrInvalidAddress)
}

func TestLoadBatchFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "transfers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"recipient": "r1", "amount_sol": 1.5},
		{"recipient": "r2", "amount_lamports": 10, "round_id": 3, "layers": 2}
	]`), 0o600))

	transfers, err := loadBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, []client.BatchTransfer{
		{Recipient: "r1", AmountSOL: 1.5},
		{Recipient: "r2", AmountLamports: 10, RoundID: 3, Layers: 2},
	}, transfers)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o600))
	_, err = loadBatchFile(empty)
	assert.ErrorContains(t, err, "no transfers")

	_, err = loadBatchFile(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to read transfers")
}

func TestTransferCommand_RequiresKeypair(t *testing.T) {
	t.Setenv("OPERATOR_KEYPAIR", "")

	err := newApp().Run([]string{"stagehop", "transfer",
		"--recipient", solanago.NewWallet().PublicKey().String(), "--amount-sol", "1"})
	assert.ErrorContains(t, err, "keypair is required")
}
