package mixer

import (
	"errors"
	"fmt"

	"github.com/brojonat/stagehop/service/staging"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrMissingAccounts   = errors.New("transfer call has too few accounts")
	ErrEmptyRoundID      = errors.New("transfer call has an empty round id")
	ErrInvalidLayerCount = staging.ErrInvalidLayerCount
	ErrUnsupportedLayout = errors.New("unsupported account layout")
)

// AccountLayout records where the sender and recipient sit in a transfer
// call's account list. Recipient is counted from the end so the layout holds
// for any number of staging accounts.
type AccountLayout struct {
	Version          int
	SenderIndex      int
	RecipientFromEnd int
	MinAccounts      int
}

// TransferLayoutV1: payer, staging..., recipient, system program.
var TransferLayoutV1 = AccountLayout{
	Version:          1,
	SenderIndex:      0,
	RecipientFromEnd: 2,
	MinAccounts:      4,
}

// TransferCall is a multi_layer_transfer call recovered from history.
type TransferCall struct {
	Sender    solana.PublicKey
	Recipient solana.PublicKey
	Args      TransferArgs
	Layout    int
}

// ParseTransferCall extracts sender, recipient and arguments from one call,
// given the call's resolved account keys and data.
func ParseTransferCall(accounts []solana.PublicKey, data []byte) (*TransferCall, error) {
	return ParseTransferCallWithLayout(TransferLayoutV1, accounts, data)
}

// ParseTransferCallWithLayout is ParseTransferCall for an explicit layout.
func ParseTransferCallWithLayout(layout AccountLayout, accounts []solana.PublicKey, data []byte) (*TransferCall, error) {
	if layout.Version != TransferLayoutV1.Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedLayout, layout.Version)
	}

	args, err := DecodeTransfer(data)
	if err != nil {
		return nil, err
	}
	// Submitters always assign a round id, so 0 names no funded staging
	// accounts.
	if args.RoundID == 0 {
		return nil, ErrEmptyRoundID
	}
	if err := staging.ValidateLayerCount(int(args.Layers)); err != nil {
		return nil, err
	}
	if len(accounts) < layout.MinAccounts || len(accounts) < layout.RecipientFromEnd+1 {
		return nil, fmt.Errorf("%w: got %d", ErrMissingAccounts, len(accounts))
	}

	return &TransferCall{
		Sender:    accounts[layout.SenderIndex],
		Recipient: accounts[len(accounts)-layout.RecipientFromEnd],
		Args:      *args,
		Layout:    layout.Version,
	}, nil
}
