package mixer

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram   = solana.MustPublicKeyFromBase58("HrmSfAe4ugxGLr7QU2UeAdCVqRR4zCAM1hsyLhV1V89")
	testPayer     = solana.MustPublicKeyFromBase58("GPfpeaNRoKqfqE4Cgh25Wuqb2fPhGM4ZHm2X2K47iq31")
	testRecipient = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

func stagingKeys(n int) []solana.PublicKey {
	keys := make([]solana.PublicKey, n)
	for i := range keys {
		keys[i] = solana.PublicKey{byte(i + 1)}
	}
	return keys
}

func TestNewMultiLayerTransferInstruction_AccountOrder(t *testing.T) {
	stages := stagingKeys(4)
	ix, err := NewMultiLayerTransferInstruction(testProgram,
		TransferArgs{TransferLamports: 1000, Layers: 5, RoundID: 11},
		TransferAccounts{Payer: testPayer, Staging: stages, Recipient: testRecipient},
	)
	require.NoError(t, err)

	assert.Equal(t, testProgram, ix.ProgramID())
	accounts := ix.Accounts()
	require.Len(t, accounts, 7)

	assert.Equal(t, testPayer, accounts[0].PublicKey)
	assert.True(t, accounts[0].IsSigner)
	assert.True(t, accounts[0].IsWritable)
	for i, s := range stages {
		assert.Equal(t, s, accounts[i+1].PublicKey)
		assert.True(t, accounts[i+1].IsWritable)
		assert.False(t, accounts[i+1].IsSigner)
	}
	assert.Equal(t, testRecipient, accounts[5].PublicKey)
	assert.Equal(t, solana.SystemProgramID, accounts[6].PublicKey)
	assert.False(t, accounts[6].IsWritable)

	data, err := ix.Data()
	require.NoError(t, err)
	args, err := DecodeTransfer(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), args.RoundID)
}

func TestNewMultiLayerTransferInstruction_FewerLayersKeepAllSlots(t *testing.T) {
	for layers := 2; layers <= 4; layers++ {
		stages := stagingKeys(TransferStagingAccounts)
		ix, err := NewMultiLayerTransferInstruction(testProgram,
			TransferArgs{TransferLamports: 1000, Layers: uint8(layers), RoundID: 11},
			TransferAccounts{Payer: testPayer, Staging: stages, Recipient: testRecipient},
		)
		require.NoError(t, err, "layers=%d", layers)

		accounts := ix.Accounts()
		require.Len(t, accounts, 7, "layers=%d", layers)
		for i, s := range stages {
			assert.Equal(t, s, accounts[i+1].PublicKey)
		}
		assert.Equal(t, testRecipient, accounts[5].PublicKey)
		assert.Equal(t, solana.SystemProgramID, accounts[6].PublicKey)

		data, err := ix.Data()
		require.NoError(t, err)
		args, err := DecodeTransfer(data)
		require.NoError(t, err)
		assert.Equal(t, uint8(layers), args.Layers)
	}
}

func TestNewMultiLayerTransferInstruction_Rejects(t *testing.T) {
	// only the used staging accounts
	_, err := NewMultiLayerTransferInstruction(testProgram,
		TransferArgs{TransferLamports: 1000, Layers: 3, RoundID: 11},
		TransferAccounts{Payer: testPayer, Staging: stagingKeys(2), Recipient: testRecipient},
	)
	assert.Error(t, err)

	_, err = NewMultiLayerTransferInstruction(testProgram,
		TransferArgs{TransferLamports: 1000, Layers: 6, RoundID: 11},
		TransferAccounts{Payer: testPayer, Staging: stagingKeys(4), Recipient: testRecipient},
	)
	assert.ErrorIs(t, err, ErrInvalidLayerCount)
}

func TestNewCloseStagingInstruction(t *testing.T) {
	closer := solana.PublicKey{9}
	stage := solana.PublicKey{7}
	ix, err := NewCloseStagingInstruction(testProgram,
		CloseArgs{Layer: 2, RoundID: 5},
		CloseAccounts{Closer: closer, Staging: stage, OriginalPayer: testPayer, Recipient: testRecipient},
	)
	require.NoError(t, err)

	accounts := ix.Accounts()
	require.Len(t, accounts, 5)
	assert.Equal(t, closer, accounts[0].PublicKey)
	assert.True(t, accounts[0].IsSigner)
	assert.Equal(t, stage, accounts[1].PublicKey)
	assert.True(t, accounts[1].IsWritable)
	assert.Equal(t, testPayer, accounts[2].PublicKey)
	assert.Equal(t, testRecipient, accounts[3].PublicKey)
	assert.Equal(t, solana.SystemProgramID, accounts[4].PublicKey)
}

func TestParseTransferCall_RecoversEndpoints(t *testing.T) {
	for layers := 2; layers <= 5; layers++ {
		ix, err := NewMultiLayerTransferInstruction(testProgram,
			TransferArgs{TransferLamports: 570_000_000, Layers: uint8(layers), RoundID: 1700000000},
			TransferAccounts{Payer: testPayer, Staging: stagingKeys(TransferStagingAccounts), Recipient: testRecipient},
		)
		require.NoError(t, err)

		keys := make([]solana.PublicKey, 0, len(ix.Accounts()))
		for _, m := range ix.Accounts() {
			keys = append(keys, m.PublicKey)
		}
		data, err := ix.Data()
		require.NoError(t, err)

		call, err := ParseTransferCall(keys, data)
		require.NoError(t, err, "layers=%d", layers)
		assert.Equal(t, testPayer, call.Sender)
		assert.Equal(t, testRecipient, call.Recipient)
		assert.Equal(t, uint8(layers), call.Args.Layers)
		assert.Equal(t, "1700000000", call.Args.RoundIDString())
		assert.Equal(t, 1, call.Layout)
	}
}

func TestParseTransferCall_Rejections(t *testing.T) {
	valid, err := EncodeTransfer(TransferArgs{TransferLamports: 1, Layers: 3, RoundID: 5})
	require.NoError(t, err)
	zeroRound, err := EncodeTransfer(TransferArgs{TransferLamports: 1, Layers: 3, RoundID: 0})
	require.NoError(t, err)
	badLayers, err := EncodeTransfer(TransferArgs{TransferLamports: 1, Layers: 9, RoundID: 5})
	require.NoError(t, err)

	full := append([]solana.PublicKey{testPayer}, stagingKeys(2)...)
	full = append(full, testRecipient, solana.SystemProgramID)

	tests := []struct {
		name     string
		accounts []solana.PublicKey
		data     []byte
		wantErr  error
	}{
		{name: "not a transfer", accounts: full, data: CloseStagingDiscriminator[:], wantErr: ErrNotRecognized},
		{name: "truncated", accounts: full, data: valid[:12], wantErr: ErrMalformedInstruction},
		{name: "empty round id", accounts: full, data: zeroRound, wantErr: ErrEmptyRoundID},
		{name: "layer count out of range", accounts: full, data: badLayers, wantErr: ErrInvalidLayerCount},
		{name: "too few accounts", accounts: full[:2], data: valid, wantErr: ErrMissingAccounts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTransferCall(tt.accounts, tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseTransferCallWithLayout_UnknownVersion(t *testing.T) {
	_, err := ParseTransferCallWithLayout(AccountLayout{Version: 2}, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedLayout)
}
