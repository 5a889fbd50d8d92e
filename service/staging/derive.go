// Package staging derives the intermediate staging addresses a mediated
// transfer hops through. Derivation is a pure function of the program id,
// the layer index, both endpoints, and the round id, so any party holding
// those inputs can recompute the addresses from public history.
package staging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seed is the constant prefix of every staging derivation.
const Seed = "staging"

// Layer bounds accepted by the mixer program.
const (
	MinLayers = 2
	MaxLayers = 5
)

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidLayerCount = fmt.Errorf("layer count must be between %d and %d", MinLayers, MaxLayers)
	ErrInvalidLayer      = fmt.Errorf("layer index must be between 1 and %d", MaxLayers-1)
)

// Key identifies one staging address.
type Key struct {
	Layer     uint8
	Payer     solana.PublicKey
	Recipient solana.PublicKey
	RoundID   uint64
}

// Seeds returns the ordered seed list for key:
// "staging", [layer], payer, recipient, roundId as u64 little-endian.
func Seeds(key Key) [][]byte {
	round := make([]byte, 8)
	binary.LittleEndian.PutUint64(round, key.RoundID)
	return [][]byte{
		[]byte(Seed),
		{key.Layer},
		key.Payer.Bytes(),
		key.Recipient.Bytes(),
		round,
	}
}

// Deriver computes staging addresses for one program.
type Deriver struct {
	programID solana.PublicKey
}

// NewDeriver creates a Deriver bound to programID.
func NewDeriver(programID solana.PublicKey) *Deriver {
	return &Deriver{programID: programID}
}

// ProgramID returns the program the addresses are derived under.
func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

// Derive returns the staging address and bump seed for key.
func (d *Deriver) Derive(key Key) (solana.PublicKey, uint8, error) {
	if key.Layer < 1 || key.Layer > MaxLayers-1 {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: got %d", ErrInvalidLayer, key.Layer)
	}
	addr, bump, err := solana.FindProgramAddress(Seeds(key), d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive staging address for layer %d: %w", key.Layer, err)
	}
	return addr, bump, nil
}

// DeriveAll returns the layers-1 staging addresses for one transfer,
// ordered by layer starting at 1.
func (d *Deriver) DeriveAll(layers int, payer, recipient solana.PublicKey, roundID uint64) ([]solana.PublicKey, error) {
	if err := ValidateLayerCount(layers); err != nil {
		return nil, err
	}

	addrs := make([]solana.PublicKey, 0, layers-1)
	for layer := 1; layer < layers; layer++ {
		addr, _, err := d.Derive(Key{
			Layer:     uint8(layer),
			Payer:     payer,
			Recipient: recipient,
			RoundID:   roundID,
		})
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ValidateLayerCount reports whether layers is within [MinLayers, MaxLayers].
func ValidateLayerCount(layers int) error {
	if layers < MinLayers || layers > MaxLayers {
		return fmt.Errorf("%w: got %d", ErrInvalidLayerCount, layers)
	}
	return nil
}

// ParseAddress decodes a base58 account address.
func ParseAddress(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	return pk, nil
}
