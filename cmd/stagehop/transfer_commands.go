package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/stagehop/client"
	"github.com/brojonat/stagehop/service/batch"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Send one staged transfer directly through the RPC endpoint",
		Description: `Route SOL from the keypair's account to a recipient through 1-4 staging
accounts, then wait for confirmation. The worker is not involved and nothing
is recorded in the database.

Example:
  stagehop transfer --keypair ~/.config/solana/id.json --recipient <ADDRESS> --amount-sol 0.25`,
		Flags: append(executionFlags(),
			&cli.StringFlag{
				Name:     "recipient",
				Aliases:  []string{"r"},
				Usage:    "Recipient address",
				Required: true,
			},
			&cli.Float64Flag{
				Name:  "amount-sol",
				Usage: "Amount in SOL",
			},
			&cli.Uint64Flag{
				Name:  "amount-lamports",
				Usage: "Amount in lamports",
			},
			&cli.IntFlag{
				Name:  "layers",
				Usage: "Layer count (2-5)",
				Value: transfer.DefaultLayers,
			},
			&cli.Uint64Flag{
				Name:  "round-id",
				Usage: "Round identifier (default: current time in milliseconds)",
			},
			&cli.StringFlag{
				Name:  "layers-data",
				Usage: "Optional 96-byte layers data, hex encoded",
			},
		),
		Action: func(c *cli.Context) error {
			funder, err := loadKeypair(c)
			if err != nil {
				return err
			}
			recipient, err := staging.ParseAddress(c.String("recipient"))
			if err != nil {
				return fmt.Errorf("recipient: %w", err)
			}
			lamports, err := amountFromFlags(c.Float64("amount-sol"), c.Uint64("amount-lamports"))
			if err != nil {
				return err
			}
			var layersData []byte
			if v := c.String("layers-data"); v != "" {
				if layersData, err = hex.DecodeString(v); err != nil {
					return fmt.Errorf("invalid layers-data: %w", err)
				}
			}

			p, err := newPipeline(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Sending %s SOL to %s through %d layers...\n",
					transfer.FormatSOL(lamports), recipient, c.Int("layers"))
			}

			out := p.orchestrator.Execute(ctx, transfer.Request{
				Funder:         funder,
				Recipient:      recipient,
				AmountLamports: lamports,
				RoundID:        c.Uint64("round-id"),
				Layers:         c.Int("layers"),
				LayersData:     layersData,
			})

			if jsonOutput {
				if err := outputJSON(out); err != nil {
					return err
				}
			} else {
				printOutcome(out)
			}
			if !out.Success {
				return fmt.Errorf("transfer failed while %s: %s", out.FailedIn, out.Error)
			}
			return nil
		},
	}
}

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Run a batch of staged transfers directly through the RPC endpoint",
		ArgsUsage: "<transfers.json | ->",
		Description: `Run transfers from a JSON file in waves. The file holds an array of
{"recipient", "amount_sol" or "amount_lamports", "round_id", "layers"} objects;
"-" reads from stdin. Transfers without a round_id get consecutive ids from
the current time.

Example:
  stagehop batch --keypair ~/.config/solana/id.json --concurrency 10 payouts.json`,
		Flags: append(executionFlags(),
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Transfers per wave",
				Value: batch.DefaultConcurrency,
			},
			&cli.DurationFlag{
				Name:  "cooldown",
				Usage: "Pause between waves",
				Value: batch.DefaultCooldown,
			},
			&cli.BoolFlag{
				Name:  "preflight",
				Usage: "Check that the funder covers the whole batch before sending anything",
				Value: true,
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transfers file")
			}
			funder, err := loadKeypair(c)
			if err != nil {
				return err
			}
			transfers, err := loadBatchFile(c.Args().First())
			if err != nil {
				return err
			}
			reqs, err := batchRequests(funder, transfers)
			if err != nil {
				return err
			}

			p, err := newPipeline(c)
			if err != nil {
				return err
			}
			opts := batch.DefaultOptions()
			opts.Concurrency = c.Int("concurrency")
			opts.Cooldown = c.Duration("cooldown")
			opts.Preflight = c.Bool("preflight")
			scheduler := batch.NewScheduler(p.orchestrator, p.client, opts, nil, p.logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Running %d transfers in waves of %d...\n", len(reqs), opts.Concurrency)
			}

			result := scheduler.RunBatch(ctx, reqs)
			if jsonOutput {
				if err := outputJSON(result); err != nil {
					return err
				}
			} else {
				printBatchResult(result)
			}
			if result.Status == batch.StatusTotalFailure {
				return fmt.Errorf("all %d transfers failed", result.FailureCount)
			}
			return nil
		},
	}
}

// amountFromFlags resolves exactly one of a SOL or lamport amount.
func amountFromFlags(sol float64, lamports uint64) (uint64, error) {
	switch {
	case sol != 0 && lamports != 0:
		return 0, fmt.Errorf("specify only one of --amount-sol or --amount-lamports")
	case lamports != 0:
		return lamports, nil
	case sol != 0:
		return transfer.LamportsFromSOL(sol)
	default:
		return 0, fmt.Errorf("an amount is required: use --amount-sol or --amount-lamports")
	}
}

func loadBatchFile(path string) ([]client.BatchTransfer, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transfers: %w", err)
	}

	var transfers []client.BatchTransfer
	if err := json.Unmarshal(data, &transfers); err != nil {
		return nil, fmt.Errorf("failed to parse transfers: %w", err)
	}
	if len(transfers) == 0 {
		return nil, fmt.Errorf("no transfers in %s", path)
	}
	return transfers, nil
}

// batchRequests validates every transfer up front so a bad entry fails the
// command before anything is sent.
func batchRequests(funder solanago.PrivateKey, transfers []client.BatchTransfer) ([]transfer.Request, error) {
	reqs := make([]transfer.Request, 0, len(transfers))
	for i, t := range transfers {
		recipient, err := staging.ParseAddress(t.Recipient)
		if err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		lamports, err := amountFromFlags(t.AmountSOL, t.AmountLamports)
		if err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		layers := t.Layers
		if layers == 0 {
			layers = transfer.DefaultLayers
		}
		if err := staging.ValidateLayerCount(layers); err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		reqs = append(reqs, transfer.Request{
			Funder:         funder,
			Recipient:      recipient,
			AmountLamports: lamports,
			RoundID:        t.RoundID,
			Layers:         layers,
		})
	}
	return reqs, nil
}

func printOutcome(out transfer.Outcome) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if out.Success {
		fmt.Printf("✓ Transfer settled\n")
	} else {
		fmt.Printf("✗ Transfer failed while %s\n", out.FailedIn)
	}
	fmt.Printf("Payer:      %s\n", out.Payer)
	fmt.Printf("Recipient:  %s\n", out.Recipient)
	fmt.Printf("Amount:     %s SOL\n", transfer.FormatSOL(out.AmountLamports))
	fmt.Printf("Round:      %d (%d layers)\n", out.RoundID, out.Layers)
	for i, s := range out.Staging {
		fmt.Printf("Staging %d:  %s\n", i+1, s)
	}
	if out.Signature != "" {
		fmt.Printf("Signature:  %s\n", out.Signature)
	}
	if out.Error != "" {
		fmt.Printf("Error:      %s\n", out.Error)
	}
	fmt.Printf("Duration:   %s\n", out.Duration.Round(time.Millisecond))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func printBatchResult(result *batch.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tRECIPIENT\tAMOUNT (SOL)\tROUND\tSTATE\tSIGNATURE / ERROR")
	for i, out := range result.Outcomes {
		detail := out.Signature
		if !out.Success {
			detail = out.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			i,
			out.Recipient,
			transfer.FormatSOL(out.AmountLamports),
			out.RoundID,
			out.State,
			detail,
		)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n%s: %d succeeded, %d failed in %d waves (%s)\n",
		result.Status,
		result.SuccessCount,
		result.FailureCount,
		result.Waves,
		time.Duration(result.TotalTimeMs)*time.Millisecond,
	)
}
