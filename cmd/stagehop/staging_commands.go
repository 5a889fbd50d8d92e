package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/brojonat/stagehop/service/mixer"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/urfave/cli/v2"
)

type derivedAddress struct {
	Layer   int    `json:"layer"`
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

type derivedStaging struct {
	ProgramID string           `json:"program_id"`
	Payer     string           `json:"payer"`
	Recipient string           `json:"recipient"`
	RoundID   string           `json:"round_id"`
	Layers    int              `json:"layers"`
	Staging   []derivedAddress `json:"staging"`
}

func deriveCommand() *cli.Command {
	return &cli.Command{
		Name:  "derive",
		Usage: "Derive the staging addresses of a round",
		Description: `Compute the staging accounts a transfer with the given payer, recipient,
round and layer count passes through. No network access is needed.

Example:
  stagehop staging derive --payer <PAYER> --recipient <RECIPIENT> --round-id 1700000000000 --layers 4`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "payer",
				Usage:    "Funding account address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "recipient",
				Usage:    "Recipient address",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "round-id",
				Usage:    "Round identifier",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "layers",
				Usage: "Layer count (2-5)",
				Value: transfer.DefaultLayers,
			},
		},
		Action: func(c *cli.Context) error {
			payer, err := staging.ParseAddress(c.String("payer"))
			if err != nil {
				return fmt.Errorf("payer: %w", err)
			}
			recipient, err := staging.ParseAddress(c.String("recipient"))
			if err != nil {
				return fmt.Errorf("recipient: %w", err)
			}
			deriver, err := getDeriver(c)
			if err != nil {
				return err
			}

			out, err := deriveStaging(deriver, payer, recipient, c.Uint64("round-id"), c.Int("layers"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(out)
			}

			fmt.Printf("Program:   %s\n", out.ProgramID)
			fmt.Printf("Round:     %s (%d layers)\n\n", out.RoundID, out.Layers)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LAYER\tADDRESS\tBUMP")
			fmt.Fprintf(w, "0\t%s\t-\n", out.Payer)
			for _, s := range out.Staging {
				fmt.Fprintf(w, "%d\t%s\t%d\n", s.Layer, s.Address, s.Bump)
			}
			fmt.Fprintf(w, "%d\t%s\t-\n", out.Layers, out.Recipient)
			return w.Flush()
		},
	}
}

func deriveStaging(deriver *staging.Deriver, payer, recipient solanago.PublicKey, roundID uint64, layers int) (*derivedStaging, error) {
	if err := staging.ValidateLayerCount(layers); err != nil {
		return nil, err
	}
	out := &derivedStaging{
		ProgramID: deriver.ProgramID().String(),
		Payer:     payer.String(),
		Recipient: recipient.String(),
		RoundID:   fmt.Sprintf("%d", roundID),
		Layers:    layers,
	}
	for layer := 1; layer < layers; layer++ {
		addr, bump, err := deriver.Derive(staging.Key{
			Layer:     uint8(layer),
			Payer:     payer,
			Recipient: recipient,
			RoundID:   roundID,
		})
		if err != nil {
			return nil, err
		}
		out.Staging = append(out.Staging, derivedAddress{Layer: layer, Address: addr.String(), Bump: bump})
	}
	return out, nil
}

type decodedInstruction struct {
	Instruction string              `json:"instruction"`
	Transfer    *mixer.TransferArgs `json:"transfer,omitempty"`
	Close       *mixer.CloseArgs    `json:"close,omitempty"`
	Sender      string              `json:"sender,omitempty"`
	Recipient   string              `json:"recipient,omitempty"`
	Staging     []string            `json:"staging,omitempty"`
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode mixer instruction data",
		ArgsUsage: "<data>",
		Description: `Decode multi_layer_transfer or close_multi_layer_staging instruction data.
When the call's account keys are given with --account, the sender and recipient
are recovered and the staging addresses derived.

Example:
  stagehop staging decode --encoding hex 0x1f...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "encoding",
				Usage: "Data encoding: base64, base58 or hex",
				Value: "base64",
			},
			&cli.StringSliceFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Account key of the call, in order (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: instruction data")
			}
			raw, err := decodeInput(c.Args().First(), c.String("encoding"))
			if err != nil {
				return err
			}
			deriver, err := getDeriver(c)
			if err != nil {
				return err
			}

			out, err := decodeInstruction(deriver, raw, c.StringSlice("account"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(out)
			}

			fmt.Printf("Instruction: %s\n", out.Instruction)
			if t := out.Transfer; t != nil {
				fmt.Printf("Amount:      %s SOL (%d lamports)\n", transfer.FormatSOL(t.TransferLamports), t.TransferLamports)
				fmt.Printf("Layers:      %d\n", t.Layers)
				fmt.Printf("Round:       %s\n", t.RoundIDString())
				if t.LayersData != nil {
					fmt.Printf("Layers Data: %x\n", t.LayersData)
				}
			}
			if cl := out.Close; cl != nil {
				fmt.Printf("Layer:       %d\n", cl.Layer)
				fmt.Printf("Round:       %d\n", cl.RoundID)
			}
			if out.Sender != "" {
				fmt.Printf("Sender:      %s\n", out.Sender)
				fmt.Printf("Recipient:   %s\n", out.Recipient)
				for i, s := range out.Staging {
					fmt.Printf("Staging %d:   %s\n", i+1, s)
				}
			}
			return nil
		},
	}
}

func decodeInstruction(deriver *staging.Deriver, raw []byte, accounts []string) (*decodedInstruction, error) {
	out := &decodedInstruction{Instruction: mixer.InstructionName(raw)}
	switch out.Instruction {
	case "multi_layer_transfer":
		args, err := mixer.DecodeTransfer(raw)
		if err != nil {
			return nil, err
		}
		out.Transfer = args
		if len(accounts) == 0 {
			return out, nil
		}

		keys := make([]solanago.PublicKey, len(accounts))
		for i, a := range accounts {
			if keys[i], err = staging.ParseAddress(a); err != nil {
				return nil, fmt.Errorf("account %d: %w", i, err)
			}
		}
		call, err := mixer.ParseTransferCall(keys, raw)
		if err != nil {
			return nil, err
		}
		addrs, err := deriver.DeriveAll(int(call.Args.Layers), call.Sender, call.Recipient, call.Args.RoundID)
		if err != nil {
			return nil, err
		}
		out.Sender = call.Sender.String()
		out.Recipient = call.Recipient.String()
		for _, a := range addrs {
			out.Staging = append(out.Staging, a.String())
		}

	case "close_multi_layer_staging":
		args, err := mixer.DecodeClose(raw)
		if err != nil {
			return nil, err
		}
		out.Close = args

	case "initialize":

	default:
		return nil, mixer.ErrNotRecognized
	}
	return out, nil
}

// decodeInput decodes instruction data given on the command line.
func decodeInput(data, encoding string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch strings.ToLower(encoding) {
	case "", "base64":
		raw, err = base64.StdEncoding.DecodeString(data)
	case "base58":
		raw, err = base58.Decode(data)
	case "hex":
		raw, err = hex.DecodeString(strings.TrimPrefix(data, "0x"))
	default:
		return nil, fmt.Errorf("unknown encoding %q: use base64, base58 or hex", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s data: %w", encoding, err)
	}
	return raw, nil
}

// getDeriver builds a deriver for the --program-id global flag.
func getDeriver(c *cli.Context) (*staging.Deriver, error) {
	programID, err := staging.ParseAddress(c.String("program-id"))
	if err != nil {
		return nil, fmt.Errorf("program-id: %w", err)
	}
	return staging.NewDeriver(programID), nil
}
