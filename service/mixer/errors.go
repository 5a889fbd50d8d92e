package mixer

import (
	"encoding/json"
	"fmt"
)

// ProgramError is a custom error the mixer program can fail with.
type ProgramError struct {
	Code    uint32
	Name    string
	Message string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
}

var programErrors = map[uint32]*ProgramError{
	6000: {6000, "ZeroTransferAmount", "Transfer amount must be greater than zero"},
	6001: {6001, "RecipientMustBeSystemProgramOwned", "Recipient must be a system-owned account"},
	6002: {6002, "StagingAccountInUse", "Staging account is already in use"},
	6003: {6003, "InvalidStagingAccount", "Staging account does not match the derived address"},
	6004: {6004, "StagingMustSign", "Staging account must sign"},
	6005: {6005, "InsufficientStagingBalance", "Staging account balance is insufficient"},
	6006: {6006, "ArithmeticOverflow", "Arithmetic overflow"},
	6007: {6007, "ArithmeticUnderflow", "Arithmetic underflow"},
	6008: {6008, "InvalidLayerCount", "Layer count must be between 2 and 5"},
	6009: {6009, "InvalidEncryptedDataLength", "Expected 96 bytes"},
}

// LookupProgramError returns the program error for code, if it is one.
func LookupProgramError(code uint32) (*ProgramError, bool) {
	e, ok := programErrors[code]
	return e, ok
}

// ProgramErrorFromTxErr digs a custom program error out of a transaction
// error as reported by signature status or simulation, e.g.
// {"InstructionError":[0,{"Custom":6008}]}.
func ProgramErrorFromTxErr(txErr interface{}) (*ProgramError, bool) {
	if txErr == nil {
		return nil, false
	}
	raw, err := json.Marshal(txErr)
	if err != nil {
		return nil, false
	}

	var shape struct {
		InstructionError []json.RawMessage `json:"InstructionError"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil || len(shape.InstructionError) != 2 {
		return nil, false
	}

	var custom struct {
		Custom *uint32 `json:"Custom"`
	}
	if err := json.Unmarshal(shape.InstructionError[1], &custom); err != nil || custom.Custom == nil {
		return nil, false
	}
	return LookupProgramError(*custom.Custom)
}
