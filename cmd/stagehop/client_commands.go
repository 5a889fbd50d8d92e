package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/stagehop/client"
	"github.com/brojonat/stagehop/service/transfer"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Drive the service through its HTTP API",
		Subcommands: []*cli.Command{
			clientDeriveCommand(),
			clientRoundsCommand(),
			clientSubmitBatchCommand(),
			clientStartSweepCommand(),
			clientWorkflowCommand(),
			clientFundingCommand(),
			awaitCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, nil, cliLogger(c)), nil
}

func clientDeriveCommand() *cli.Command {
	return &cli.Command{
		Name:      "derive",
		Usage:     "Derive staging addresses through the server",
		ArgsUsage: "<payer> <recipient> <round-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "layers",
				Usage: "Layer count (2-5)",
				Value: transfer.DefaultLayers,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: payer, recipient and round ID")
			}
			roundID, err := strconv.ParseUint(c.Args().Get(2), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid round ID %q: %w", c.Args().Get(2), err)
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			staging, err := cl.DeriveStaging(context.Background(), c.Args().Get(0), c.Args().Get(1), roundID, c.Int("layers"))
			if err != nil {
				return fmt.Errorf("failed to derive staging: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(staging)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LAYER\tADDRESS\tBUMP")
			for _, s := range staging.Staging {
				fmt.Fprintf(w, "%d\t%s\t%d\n", s.Layer, s.Address, s.Bump)
			}
			return w.Flush()
		},
	}
}

func clientRoundsCommand() *cli.Command {
	return &cli.Command{
		Name:      "rounds",
		Usage:     "List recorded rounds, or show one",
		ArgsUsage: "[<payer> <recipient> <round-id>]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "payer", Usage: "Filter by payer address"},
			&cli.StringFlag{Name: "status", Usage: "Filter by status (settled, failed)"},
			&cli.StringFlag{Name: "batch", Usage: "Filter by batch ID"},
			&cli.BoolFlag{Name: "open", Usage: "Only rounds with staging accounts not yet closed"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of rounds", Value: 50},
		},
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			ctx := context.Background()

			if c.NArg() == 3 {
				roundID, err := strconv.ParseUint(c.Args().Get(2), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid round ID %q: %w", c.Args().Get(2), err)
				}
				detail, err := cl.GetRound(ctx, c.Args().Get(0), c.Args().Get(1), roundID)
				if err != nil {
					return fmt.Errorf("failed to get round: %w", err)
				}
				return outputJSON(detail)
			}
			if c.NArg() != 0 {
				return fmt.Errorf("give either no arguments or payer, recipient and round ID")
			}

			rounds, err := cl.ListRounds(ctx, client.RoundFilter{
				Payer:   c.String("payer"),
				Status:  c.String("status"),
				BatchID: c.String("batch"),
				Open:    c.Bool("open"),
				Limit:   c.Int("limit"),
			})
			if err != nil {
				return fmt.Errorf("failed to list rounds: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(rounds)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PAYER\tRECIPIENT\tROUND\tAMOUNT (SOL)\tSTATUS\tOPEN STAGING")
			for _, r := range rounds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					r.Payer,
					r.Recipient,
					r.RoundID,
					transfer.FormatSOL(r.AmountLamports),
					r.Status,
					len(r.StagingAddresses),
				)
			}
			w.Flush()
			fmt.Fprintf(os.Stderr, "\nTotal: %d rounds\n", len(rounds))
			return nil
		},
	}
}

func clientSubmitBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Submit a batch of transfers to the worker",
		ArgsUsage: "<transfers.json | ->",
		Description: `Start a batch workflow from a JSON file of transfers (see "stagehop batch").
The operator key configured on the worker funds every transfer.

Example:
  stagehop client batch --batch-id payroll-2026-10 --wait payouts.json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "batch-id",
				Usage: "Batch ID; a batch ID can only be used once (default: generated)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the batch to finish and print its result",
			},
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "Status poll interval while waiting",
				Value: 2 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "How long to wait",
				Value:   30 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transfers file")
			}
			transfers, err := loadBatchFile(c.Args().First())
			if err != nil {
				return err
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			run, err := cl.StartBatch(ctx, c.String("batch-id"), transfers)
			if err != nil {
				if client.IsConflict(err) {
					return fmt.Errorf("batch %q was already submitted", c.String("batch-id"))
				}
				return fmt.Errorf("failed to start batch: %w", err)
			}
			return finishWorkflow(ctx, c, cl, run)
		},
	}
}

func clientStartSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Start an ad hoc sweep on the worker",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "lookback",
				Usage: "Sweep history from this long ago until now",
			},
			&cli.TimestampFlag{
				Name:   "from",
				Usage:  "Window start (RFC3339)",
				Layout: time.RFC3339,
			},
			&cli.TimestampFlag{
				Name:   "to",
				Usage:  "Window end (RFC3339)",
				Layout: time.RFC3339,
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the sweep to finish and print its result",
			},
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "Status poll interval while waiting",
				Value: 2 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "How long to wait",
				Value:   30 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			req := client.SweepRequest{Lookback: c.Duration("lookback")}
			if from := c.Timestamp("from"); from != nil {
				req.From = *from
			}
			if to := c.Timestamp("to"); to != nil {
				req.To = *to
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			run, err := cl.StartSweep(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to start sweep: %w", err)
			}
			return finishWorkflow(ctx, c, cl, run)
		},
	}
}

// finishWorkflow prints a started workflow and, with --wait, its result.
func finishWorkflow(ctx context.Context, c *cli.Context, cl *client.Client, run *client.WorkflowRun) error {
	if !c.Bool("wait") {
		if c.Bool("json") {
			return outputJSON(run)
		}
		fmt.Printf("✓ Workflow started: %s\n", run.WorkflowID)
		if run.BatchID != "" {
			fmt.Printf("  Batch:  %s\n", run.BatchID)
		}
		fmt.Printf("  Run:    %s\n", run.RunID)
		fmt.Printf("  Status: stagehop client workflow %s\n", run.WorkflowID)
		return nil
	}

	if !c.Bool("json") {
		fmt.Fprintf(os.Stderr, "Waiting for workflow %s...\n", run.WorkflowID)
	}
	status, err := cl.AwaitWorkflow(ctx, run.WorkflowID, c.Duration("poll"))
	if err != nil {
		return fmt.Errorf("failed to await workflow: %w", err)
	}
	return printWorkflowStatus(c, status)
}

func clientWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "workflow",
		Usage:     "Show the status of a batch or sweep workflow",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait until the workflow is no longer running",
			},
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "Status poll interval while waiting",
				Value: 2 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var status *client.WorkflowStatus
			if c.Bool("wait") {
				status, err = cl.AwaitWorkflow(ctx, c.Args().First(), c.Duration("poll"))
			} else {
				status, err = cl.Workflow(ctx, c.Args().First())
			}
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("workflow %q not found", c.Args().First())
				}
				return fmt.Errorf("failed to get workflow: %w", err)
			}
			return printWorkflowStatus(c, status)
		},
	}
}

func printWorkflowStatus(c *cli.Context, status *client.WorkflowStatus) error {
	if c.Bool("json") {
		return outputJSON(status)
	}
	fmt.Printf("Workflow:   %s\n", status.WorkflowID)
	fmt.Printf("Type:       %s\n", status.Type)
	fmt.Printf("Status:     %s\n", status.Status)
	fmt.Printf("Started:    %s\n", status.StartTime.Format(time.RFC3339))
	if status.CloseTime != nil {
		fmt.Printf("Closed:     %s\n", status.CloseTime.Format(time.RFC3339))
	}
	if len(status.Result) > 0 {
		var pretty interface{}
		if err := json.Unmarshal(status.Result, &pretty); err == nil {
			fmt.Println("Result:")
			return outputJSON(pretty)
		}
	}
	return nil
}

func clientFundingCommand() *cli.Command {
	return &cli.Command{
		Name:  "funding",
		Usage: "Get a Solana Pay request to top up the operator account",
		Flags: []cli.Flag{
			&cli.Float64Flag{
				Name:  "amount-sol",
				Usage: "Requested amount in SOL (default: open amount)",
			},
			&cli.StringFlag{
				Name:  "qr-out",
				Usage: "Write the QR code PNG to this file",
			},
		},
		Action: func(c *cli.Context) error {
			var lamports uint64
			if sol := c.Float64("amount-sol"); sol != 0 {
				var err error
				if lamports, err = transfer.LamportsFromSOL(sol); err != nil {
					return err
				}
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			req, err := cl.Funding(context.Background(), lamports)
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("server has no operator address configured")
				}
				return fmt.Errorf("failed to get funding request: %w", err)
			}

			if path := c.String("qr-out"); path != "" {
				if err := writeQRCode(path, req.QRCodeData); err != nil {
					return err
				}
			}

			if c.Bool("json") {
				return outputJSON(req)
			}
			fmt.Printf("Pay To:   %s\n", req.PayToAddress)
			if req.AmountSOL != "" {
				fmt.Printf("Amount:   %s SOL\n", req.AmountSOL)
			}
			fmt.Printf("Memo:     %s\n", req.Memo)
			fmt.Printf("URL:      %s\n", req.PaymentURL)
			return nil
		},
	}
}

// writeQRCode writes a base64 PNG to path.
func writeQRCode(path, data string) error {
	png, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("invalid QR code data: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("failed to write QR code: %w", err)
	}
	return nil
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a transfer matching criteria settles or fails",
		ArgsUsage: "[payer_address]",
		Description: `Stream transfer events from the server and exit on the first match.
Without a payer every payer's transfers are considered. jq filters are
evaluated against the event JSON and must all be truthy.

Example:
  stagehop client await <PAYER> --recipient <RECIPIENT> --must-jq '.amount_lamports >= 1000000'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "recipient",
				Usage: "Filter by recipient address",
			},
			&cli.Uint64Flag{
				Name:  "round-id",
				Usage: "Filter by round ID",
			},
			&cli.StringFlag{
				Name:  "batch",
				Usage: "Filter by batch ID",
			},
			&cli.BoolFlag{
				Name:  "settled",
				Usage: "Only match settled transfers",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true (repeatable, all must match)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one payer address may be given")
			}
			payer := c.Args().First()

			filters, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			match := transferMatcher{
				Recipient:   c.String("recipient"),
				RoundID:     c.Uint64("round-id"),
				BatchID:     c.String("batch"),
				SettledOnly: c.Bool("settled"),
				Filters:     filters,
			}
			if match.empty() {
				return fmt.Errorf("must specify at least one filter: --recipient, --round-id, --batch, --settled or --must-jq")
			}

			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			jsonOutput := c.Bool("json")
			timeout := c.Duration("timeout")
			if !jsonOutput {
				who := payer
				if who == "" {
					who = "any payer"
				}
				fmt.Fprintf(os.Stderr, "Waiting for a transfer from %s...\n", who)
				for _, f := range c.StringSlice("must-jq") {
					fmt.Fprintf(os.Stderr, "  jq Filter: %s\n", f)
				}
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", timeout)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			ev, err := cl.AwaitTransfer(ctx, payer, match.Match)
			if err != nil {
				return fmt.Errorf("failed to await transfer: %w", err)
			}

			if jsonOutput {
				return outputJSON(ev)
			}
			fmt.Printf("✓ Transfer %s\n", ev.State)
			fmt.Printf("Payer:      %s\n", ev.Payer)
			fmt.Printf("Recipient:  %s\n", ev.Recipient)
			fmt.Printf("Round:      %s\n", ev.RoundID)
			fmt.Printf("Amount:     %s SOL\n", transfer.FormatSOL(ev.AmountLamports))
			if ev.Signature != "" {
				fmt.Printf("Signature:  %s\n", ev.Signature)
			}
			if ev.Error != "" {
				fmt.Printf("Error:      %s\n", ev.Error)
			}
			return nil
		},
	}
}

// transferMatcher selects transfer events. Zero fields match anything.
type transferMatcher struct {
	Recipient   string
	RoundID     uint64
	BatchID     string
	SettledOnly bool
	Filters     jqFilters
}

func (m transferMatcher) empty() bool {
	return m.Recipient == "" && m.RoundID == 0 && m.BatchID == "" && !m.SettledOnly && len(m.Filters) == 0
}

func (m transferMatcher) Match(ev *client.TransferEvent) bool {
	if m.Recipient != "" && ev.Recipient != m.Recipient {
		return false
	}
	if m.RoundID != 0 && ev.RoundID != strconv.FormatUint(m.RoundID, 10) {
		return false
	}
	if m.BatchID != "" && ev.BatchID != m.BatchID {
		return false
	}
	if m.SettledOnly && !ev.Success {
		return false
	}
	return m.Filters.Match(ev)
}
