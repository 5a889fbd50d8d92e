// Package mixer binds the on-chain multi-layer transfer program: instruction
// encoding and decoding, instruction builders, the positional account layout
// of a transfer call, and the program's custom error table.
package mixer

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	bin "github.com/gagliardetto/binary"
)

// Discriminators are the first eight bytes of each instruction's data.
var (
	MultiLayerTransferDiscriminator = [8]byte{33, 180, 115, 143, 95, 176, 164, 18}
	CloseStagingDiscriminator       = [8]byte{129, 160, 206, 72, 166, 109, 70, 78}
	InitializeDiscriminator         = [8]byte{175, 175, 109, 31, 13, 152, 155, 237}
)

const (
	// DiscriminatorLen is the width of the instruction tag.
	DiscriminatorLen = 8
	// TransferHeaderLen covers discriminator, lamports, layers and round id.
	TransferHeaderLen = DiscriminatorLen + 8 + 1 + 8
	// CloseLen covers discriminator, layer and round id.
	CloseLen = DiscriminatorLen + 1 + 8
	// LayersDataLen is the only payload size the program accepts for layers_data.
	LayersDataLen = 96
)

var (
	ErrNotRecognized        = errors.New("instruction not recognized")
	ErrMalformedInstruction = errors.New("malformed instruction")
	ErrInvalidLayersData    = fmt.Errorf("layers data must be %d bytes", LayersDataLen)
)

// TransferArgs are the arguments of a multi_layer_transfer call.
type TransferArgs struct {
	TransferLamports uint64 `json:"transfer_lamports"`
	Layers           uint8  `json:"layers"`
	RoundID          uint64 `json:"round_id"`
	// LayersData is nil when the optional field is absent.
	LayersData []byte `json:"layers_data,omitempty"`
}

// RoundIDString renders the round id in decimal, the form history records carry.
func (a TransferArgs) RoundIDString() string {
	return strconv.FormatUint(a.RoundID, 10)
}

// CloseArgs are the arguments of a close_multi_layer_staging call.
type CloseArgs struct {
	Layer   uint8  `json:"layer"`
	RoundID uint64 `json:"round_id"`
}

// EncodeTransfer serializes a multi_layer_transfer instruction.
// The optional layers_data field is always written, as a zero flag when absent.
func EncodeTransfer(args TransferArgs) ([]byte, error) {
	if args.LayersData != nil && len(args.LayersData) != LayersDataLen {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLayersData, len(args.LayersData))
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)

	fields := []interface{}{
		MultiLayerTransferDiscriminator,
		args.TransferLamports,
		args.Layers,
		args.RoundID,
	}
	if args.LayersData == nil {
		fields = append(fields, uint8(0))
	} else {
		fields = append(fields, uint8(1), args.LayersData)
	}

	for _, f := range fields {
		if err := enc.Encode(f); err != nil {
			return nil, fmt.Errorf("failed to encode transfer instruction: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeTransfer parses multi_layer_transfer instruction data.
//
// Data for any other instruction yields ErrNotRecognized. Data too short to
// hold the tag or the fixed header yields ErrMalformedInstruction. The
// trailing layers_data field is optional and decoded best-effort: a
// truncated tail leaves LayersData nil.
func DecodeTransfer(data []byte) (*TransferArgs, error) {
	if len(data) < DiscriminatorLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedInstruction, len(data), DiscriminatorLen)
	}
	if !bytes.Equal(data[:DiscriminatorLen], MultiLayerTransferDiscriminator[:]) {
		return nil, ErrNotRecognized
	}
	if len(data) < TransferHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedInstruction, len(data), TransferHeaderLen)
	}

	dec := bin.NewBorshDecoder(data[DiscriminatorLen:])
	var args TransferArgs
	if err := dec.Decode(&args.TransferLamports); err != nil {
		return nil, fmt.Errorf("%w: transfer_lamports: %v", ErrMalformedInstruction, err)
	}
	if err := dec.Decode(&args.Layers); err != nil {
		return nil, fmt.Errorf("%w: layers: %v", ErrMalformedInstruction, err)
	}
	if err := dec.Decode(&args.RoundID); err != nil {
		return nil, fmt.Errorf("%w: round_id: %v", ErrMalformedInstruction, err)
	}

	if len(data) > TransferHeaderLen {
		args.LayersData = decodeOptionalBytes(data[TransferHeaderLen:])
	}
	return &args, nil
}

func decodeOptionalBytes(tail []byte) []byte {
	dec := bin.NewBorshDecoder(tail)
	var flag uint8
	if err := dec.Decode(&flag); err != nil || flag == 0 {
		return nil
	}
	var payload []byte
	if err := dec.Decode(&payload); err != nil {
		return nil
	}
	return payload
}

// EncodeClose serializes a close_multi_layer_staging instruction.
func EncodeClose(args CloseArgs) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	for _, f := range []interface{}{CloseStagingDiscriminator, args.Layer, args.RoundID} {
		if err := enc.Encode(f); err != nil {
			return nil, fmt.Errorf("failed to encode close instruction: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeClose parses close_multi_layer_staging instruction data.
func DecodeClose(data []byte) (*CloseArgs, error) {
	if len(data) < DiscriminatorLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedInstruction, len(data), DiscriminatorLen)
	}
	if !bytes.Equal(data[:DiscriminatorLen], CloseStagingDiscriminator[:]) {
		return nil, ErrNotRecognized
	}
	if len(data) < CloseLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedInstruction, len(data), CloseLen)
	}

	dec := bin.NewBorshDecoder(data[DiscriminatorLen:])
	var args CloseArgs
	if err := dec.Decode(&args.Layer); err != nil {
		return nil, fmt.Errorf("%w: layer: %v", ErrMalformedInstruction, err)
	}
	if err := dec.Decode(&args.RoundID); err != nil {
		return nil, fmt.Errorf("%w: round_id: %v", ErrMalformedInstruction, err)
	}
	return &args, nil
}

// InstructionName reports which mixer instruction data carries, or "" if none.
func InstructionName(data []byte) string {
	if len(data) < DiscriminatorLen {
		return ""
	}
	var tag [8]byte
	copy(tag[:], data[:DiscriminatorLen])
	switch tag {
	case MultiLayerTransferDiscriminator:
		return "multi_layer_transfer"
	case CloseStagingDiscriminator:
		return "close_multi_layer_staging"
	case InitializeDiscriminator:
		return "initialize"
	default:
		return ""
	}
}
