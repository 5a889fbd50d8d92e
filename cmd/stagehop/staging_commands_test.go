package main

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/brojonat/stagehop/service/config"
	"github.com/brojonat/stagehop/service/mixer"
	"github.com/brojonat/stagehop/service/staging"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeriver() *staging.Deriver {
	return staging.NewDeriver(solanago.MustPublicKeyFromBase58(config.DefaultProgramID))
}

func TestDeriveStaging(t *testing.T) {
	deriver := testDeriver()
	payer := solanago.NewWallet().PublicKey()
	recipient := solanago.NewWallet().PublicKey()

	out, err := deriveStaging(deriver, payer, recipient, 1_700_000_000_123, 4)
	require.NoError(t, err)

	want, err := deriver.DeriveAll(4, payer, recipient, 1_700_000_000_123)
	require.NoError(t, err)
	require.Len(t, out.Staging, 3)
	for i, s := range out.Staging {
		assert.Equal(t, i+1, s.Layer)
		assert.Equal(t, want[i].String(), s.Address)
	}
	assert.Equal(t, "1700000000123", out.RoundID)
	assert.Equal(t, config.DefaultProgramID, out.ProgramID)

	_, err = deriveStaging(deriver, payer, recipient, 1, 6)
	assert.ErrorIs(t, err, staging.ErrInvalidLayerCount)
}

func TestDecodeInstruction_Transfer(t *testing.T) {
	deriver := testDeriver()
	payer := solanago.NewWallet().PublicKey()
	recipient := solanago.NewWallet().PublicKey()
	args := mixer.TransferArgs{TransferLamports: 250_000_000, Layers: 3, RoundID: 42}

	data, err := mixer.EncodeTransfer(args)
	require.NoError(t, err)

	out, err := decodeInstruction(deriver, data, nil)
	require.NoError(t, err)
	assert.Equal(t, "multi_layer_transfer", out.Instruction)
	require.NotNil(t, out.Transfer)
	assert.Equal(t, uint64(250_000_000), out.Transfer.TransferLamports)
	assert.Empty(t, out.Staging)

	stagingAddrs, err := deriver.DeriveAll(3, payer, recipient, 42)
	require.NoError(t, err)
	accounts := []string{payer.String()}
	for _, a := range stagingAddrs {
		accounts = append(accounts, a.String())
	}
	accounts = append(accounts, recipient.String(), solanago.SystemProgramID.String())

	out, err = decodeInstruction(deriver, data, accounts)
	require.NoError(t, err)
	assert.Equal(t, payer.String(), out.Sender)
	assert.Equal(t, recipient.String(), out.Recipient)
	require.Len(t, out.Staging, 2)
	assert.Equal(t, stagingAddrs[1].String(), out.Staging[1])
}

func TestDecodeInstruction_Close(t *testing.T) {
	data, err := mixer.EncodeClose(mixer.CloseArgs{Layer: 2, RoundID: 99})
	require.NoError(t, err)

	out, err := decodeInstruction(testDeriver(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, "close_multi_layer_staging", out.Instruction)
	require.NotNil(t, out.Close)
	assert.Equal(t, uint8(2), out.Close.Layer)
	assert.Equal(t, uint64(99), out.Close.RoundID)
}

func TestDecodeInstruction_Unrecognized(t *testing.T) {
	_, err := decodeInstruction(testDeriver(), []byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	assert.ErrorIs(t, err, mixer.ErrNotRecognized)
}

func TestDecodeInput(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}

	tests := []struct {
		name     string
		data     string
		encoding string
	}{
		{"base64 default", base64.StdEncoding.EncodeToString(raw), ""},
		{"base64", base64.StdEncoding.EncodeToString(raw), "base64"},
		{"base58", base58.Encode(raw), "base58"},
		{"hex", hex.EncodeToString(raw), "hex"},
		{"hex with prefix", "0x" + hex.EncodeToString(raw), "HEX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeInput(tt.data, tt.encoding)
			require.NoError(t, err)
			assert.Equal(t, raw, got)
		})
	}

	_, err := decodeInput("zz", "hex")
	assert.ErrorContains(t, err, "invalid hex data")

	_, err = decodeInput("abcd", "base32")
	assert.ErrorContains(t, err, "unknown encoding")
}

func TestDeriveCommand_Validation(t *testing.T) {
	payer := solanago.NewWallet().PublicKey().String()

	err := newApp().Run([]string{"stagehop", "staging", "derive",
		"--payer", payer, "--recipient", "not-an-address", "--round-id", "1"})
	assert.ErrorContains(t, err, "recipient")

	err = newApp().Run([]string{"stagehop", "staging", "derive",
		"--payer", payer, "--recipient", payer, "--round-id", "1", "--layers", "1"})
	assert.ErrorIs(t, err, staging.ErrInvalidLayerCount)

	err = newApp().Run([]string{"stagehop", "--program-id", "bogus", "staging", "derive",
		"--payer", payer, "--recipient", payer, "--round-id", "1"})
	assert.ErrorContains(t, err, "program-id")
}
