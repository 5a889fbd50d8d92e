package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Account is the part of on-chain account state the service reads.
type Account struct {
	Address  solana.PublicKey
	Lamports uint64
	Owner    solana.PublicKey
	Data     []byte
}

// Blockhash is a recent blockhash and the last block height it is valid for.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// Record is one historical transaction as seen by a history feed.
type Record struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	// Failed is true when the transaction executed with an error.
	Failed bool
	Calls  []Call
	// FetchError is set when the feed listed the signature but could not
	// load the transaction body.
	FetchError string
}

// Call is one top-level instruction of a Record with its account indices
// resolved to addresses.
type Call struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}
