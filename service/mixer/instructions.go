package mixer

import (
	"fmt"

	"github.com/brojonat/stagehop/service/staging"
	"github.com/gagliardetto/solana-go"
)

// TransferStagingAccounts is how many staging accounts every
// multi_layer_transfer call lists, whatever its layer count. The program
// declares staging1..staging4 as fixed slots.
const TransferStagingAccounts = staging.MaxLayers - 1

// TransferAccounts are the accounts a multi_layer_transfer call touches.
type TransferAccounts struct {
	Payer     solana.PublicKey
	Staging   []solana.PublicKey
	Recipient solana.PublicKey
}

// CloseAccounts are the accounts a close_multi_layer_staging call touches.
type CloseAccounts struct {
	Closer        solana.PublicKey
	Staging       solana.PublicKey
	OriginalPayer solana.PublicKey
	Recipient     solana.PublicKey
}

// NewMultiLayerTransferInstruction builds a transfer instruction. The account
// order matches TransferLayoutV1: payer, staging1..staging4, recipient,
// system program. Staging must hold all TransferStagingAccounts addresses
// even when args.Layers uses fewer of them.
func NewMultiLayerTransferInstruction(programID solana.PublicKey, args TransferArgs, accts TransferAccounts) (solana.Instruction, error) {
	if len(accts.Staging) != TransferStagingAccounts {
		return nil, fmt.Errorf("transfer needs %d staging accounts, got %d", TransferStagingAccounts, len(accts.Staging))
	}
	if err := staging.ValidateLayerCount(int(args.Layers)); err != nil {
		return nil, err
	}

	data, err := EncodeTransfer(args)
	if err != nil {
		return nil, err
	}

	metas := make(solana.AccountMetaSlice, 0, len(accts.Staging)+3)
	metas = append(metas, solana.NewAccountMeta(accts.Payer, true, true))
	for _, s := range accts.Staging {
		metas = append(metas, solana.NewAccountMeta(s, true, false))
	}
	metas = append(metas,
		solana.NewAccountMeta(accts.Recipient, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	)

	return solana.NewInstruction(programID, metas, data), nil
}

// NewCloseStagingInstruction builds an instruction that closes one staging
// account and releases its rent deposit.
func NewCloseStagingInstruction(programID solana.PublicKey, args CloseArgs, accts CloseAccounts) (solana.Instruction, error) {
	data, err := EncodeClose(args)
	if err != nil {
		return nil, err
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accts.Closer, true, true),
		solana.NewAccountMeta(accts.Staging, true, false),
		solana.NewAccountMeta(accts.OriginalPayer, false, false),
		solana.NewAccountMeta(accts.Recipient, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// NewInitializeInstruction builds the program's no-argument initialize call.
func NewInitializeInstruction(programID solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{}, InitializeDiscriminator[:])
}
