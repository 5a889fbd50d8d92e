package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstruction(payer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(testProgram, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, []byte{1, 2, 3})
}

func processedStatuses(call int) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{
		{ConfirmationStatus: rpc.ConfirmationStatusProcessed},
	}}, nil
}

func TestSubmitter_SubmitSignsAndConfirms(t *testing.T) {
	signer := newKey(t)
	mock := &mockRPCClient{blockhash: solana.Hash{9}, statuses: processedStatuses}
	s := NewSubmitter(newTestClient(mock), DefaultSubmitOptions(), nil, testLogger())

	sig, err := s.Submit(context.Background(), []solana.Instruction{testInstruction(signer.PublicKey())}, signer)
	require.NoError(t, err)

	require.Len(t, mock.sent, 1)
	tx := mock.sent[0]
	assert.Equal(t, solana.Hash{9}, tx.Message.RecentBlockhash)
	assert.Equal(t, signer.PublicKey(), tx.Message.AccountKeys[0])
	assert.Equal(t, tx.Signatures[0], sig)
	require.NoError(t, tx.VerifySignatures())
}

func TestSubmitter_SendFailureIsReturned(t *testing.T) {
	signer := newKey(t)
	mock := &mockRPCClient{sendErr: errors.New("blockhash not found")}
	s := NewSubmitter(newTestClient(mock), DefaultSubmitOptions(), nil, testLogger())

	_, err := s.Submit(context.Background(), []solana.Instruction{testInstruction(signer.PublicKey())}, signer)
	assert.ErrorContains(t, err, "blockhash not found")
	assert.Equal(t, 0, mock.statusCalls)
}

func TestSubmitter_SimulationRejects(t *testing.T) {
	signer := newKey(t)
	mock := &mockRPCClient{
		simulate: func(tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error) {
			return &rpc.SimulateTransactionResponse{Value: &rpc.SimulateTransactionResult{
				Err:  "InsufficientFundsForRent",
				Logs: []string{"Program log: nope"},
			}}, nil
		},
	}
	opts := DefaultSubmitOptions()
	opts.Simulate = true
	s := NewSubmitter(newTestClient(mock), opts, nil, testLogger())

	_, err := s.Send(context.Background(), []solana.Instruction{testInstruction(signer.PublicKey())}, signer)
	var simErr *SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, []string{"Program log: nope"}, simErr.Logs)
	assert.Empty(t, mock.sent)
}

func TestSubmitter_ConfirmTimeout(t *testing.T) {
	signer := newKey(t)
	mock := &mockRPCClient{}
	opts := DefaultSubmitOptions()
	opts.ConfirmTimeout = 20 * time.Millisecond
	s := NewSubmitter(newTestClient(mock), opts, nil, testLogger())

	sig, err := s.Submit(context.Background(), []solana.Instruction{testInstruction(signer.PublicKey())}, signer)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.False(t, sig.IsZero())
}

func TestSubmitter_NoInstructions(t *testing.T) {
	s := NewSubmitter(newTestClient(&mockRPCClient{}), DefaultSubmitOptions(), nil, testLogger())
	_, err := s.Send(context.Background(), nil, newKey(t))
	assert.ErrorIs(t, err, ErrNoInstructions)
}
