package solana

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var errNoTransaction = errors.New("result carries no transaction")

// recordFromResult converts a full transaction into a Record, resolving every
// instruction's account indices against the static keys followed by any
// addresses loaded from lookup tables (writable, then read-only).
func recordFromResult(result *rpc.GetTransactionResult) (*Record, error) {
	if result == nil || result.Transaction == nil {
		return nil, errNoTransaction
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	rec := &Record{Slot: result.Slot}
	if len(tx.Signatures) > 0 {
		rec.Signature = tx.Signatures[0].String()
	}
	if result.BlockTime != nil {
		rec.BlockTime = result.BlockTime.Time()
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if result.Meta != nil {
		rec.Failed = result.Meta.Err != nil
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
	}

	for i, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction %d: program index %d out of range", i, ix.ProgramIDIndex)
		}
		call := Call{
			ProgramID: keys[ix.ProgramIDIndex],
			Accounts:  make([]solana.PublicKey, 0, len(ix.Accounts)),
			Data:      []byte(ix.Data),
		}
		for _, idx := range ix.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("instruction %d: account index %d out of range", i, idx)
			}
			call.Accounts = append(call.Accounts, keys[idx])
		}
		rec.Calls = append(rec.Calls, call)
	}
	return rec, nil
}
