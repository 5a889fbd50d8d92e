package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/sweeper"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func windowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:  "lookback",
			Usage: "Sweep history from this long ago until now",
			Value: 24 * time.Hour,
		},
		&cli.TimestampFlag{
			Name:   "from",
			Usage:  "Window start (RFC3339); overrides --lookback",
			Layout: time.RFC3339,
		},
		&cli.TimestampFlag{
			Name:   "to",
			Usage:  "Window end (RFC3339)",
			Layout: time.RFC3339,
		},
		&cli.StringFlag{
			Name:    "history-rpc-url",
			Usage:   "Enhanced history endpoint; the signature scan on --rpc-url is used when unset",
			EnvVars: []string{"HISTORY_RPC_URL"},
		},
		&cli.IntFlag{
			Name:  "page-size",
			Usage: "History records per page",
			Value: sweeper.DefaultPageSize,
		},
	}
}

// sweepWindow resolves the window flags. An explicit --from wins over --lookback.
func sweepWindow(c *cli.Context, now time.Time) (sweeper.Window, error) {
	var w sweeper.Window
	if to := c.Timestamp("to"); to != nil {
		w.To = *to
	}
	if from := c.Timestamp("from"); from != nil {
		w.From = *from
	} else if lookback := c.Duration("lookback"); lookback > 0 {
		end := now
		if !w.To.IsZero() {
			end = w.To
		}
		w.From = end.Add(-lookback)
	}
	if !w.From.IsZero() && !w.To.IsZero() && !w.From.Before(w.To) {
		return w, fmt.Errorf("from must be before to")
	}
	return w, nil
}

func newSweeper(c *cli.Context, p *pipeline, closer solanago.PrivateKey, opts sweeper.Options) *sweeper.Sweeper {
	var feed sweeper.HistoryFeed = solana.NewSignatureFeed(p.client)
	if url := c.String("history-rpc-url"); url != "" {
		feed = solana.NewIndexerFeed(solana.NewClient(solana.NewRPCClient(url), "cli-history", nil, p.logger))
	}
	return sweeper.New(feed, p.client, p.submitter, p.deriver, closer, opts, nil, p.logger)
}

func sweepPlanCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "List staging accounts a sweep would close, without sending anything",
		Description: `Scan program history in the window and list the staging accounts of every
transfer found. No keypair is needed.

Example:
  stagehop sweep plan --lookback 6h`,
		Flags: windowFlags(),
		Action: func(c *cli.Context) error {
			window, err := sweepWindow(c, time.Now())
			if err != nil {
				return err
			}
			p, err := newPipeline(c)
			if err != nil {
				return err
			}
			opts := sweeper.DefaultOptions()
			opts.PageSize = c.Int("page-size")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			plan, planErr := newSweeper(c, p, nil, opts).Plan(ctx, window)
			if plan == nil {
				return fmt.Errorf("failed to plan sweep: %w", planErr)
			}

			if c.Bool("json") {
				if err := outputJSON(plan); err != nil {
					return err
				}
			} else {
				printPlan(plan)
			}
			if planErr != nil {
				return fmt.Errorf("history scan stopped early: %w", planErr)
			}
			return nil
		},
	}
}

func sweepRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Close leftover staging accounts directly through the RPC endpoint",
		Description: `Scan program history in the window, drop staging accounts that are already
closed, and close the rest in groups signed by the keypair.

Example:
  stagehop sweep run --keypair ~/.config/solana/id.json --lookback 48h --dry-run`,
		Flags: append(append(windowFlags(), executionFlags()...),
			&cli.IntFlag{
				Name:  "max-closes",
				Usage: "Close instructions per transaction",
				Value: sweeper.DefaultMaxClosesPerTx,
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Plan and group closes but send nothing",
			},
			&cli.BoolFlag{
				Name:  "skip-existence-check",
				Usage: "Attempt to close every candidate without checking it still exists",
			},
		),
		Action: func(c *cli.Context) error {
			window, err := sweepWindow(c, time.Now())
			if err != nil {
				return err
			}
			closer, err := loadKeypair(c)
			if err != nil {
				return err
			}
			p, err := newPipeline(c)
			if err != nil {
				return err
			}
			opts := sweeper.DefaultOptions()
			opts.PageSize = c.Int("page-size")
			opts.MaxClosesPerTx = c.Int("max-closes")
			opts.DryRun = c.Bool("dry-run")
			opts.CheckExistence = !c.Bool("skip-existence-check")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, sweepErr := newSweeper(c, p, closer, opts).Sweep(ctx, window)
			if report == nil {
				return fmt.Errorf("sweep failed: %w", sweepErr)
			}

			if c.Bool("json") {
				if err := outputJSON(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}
			if sweepErr != nil {
				return fmt.Errorf("sweep stopped early: %w", sweepErr)
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d staging accounts failed to close", report.Failed)
			}
			return nil
		},
	}
}

func printPlan(plan *sweeper.Plan) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGING\tLAYER\tSENDER\tRECIPIENT\tROUND\tSOURCE TX")
	for _, cand := range plan.Candidates {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
			cand.Staging,
			cand.Layer,
			cand.Sender,
			cand.Recipient,
			cand.RoundID,
			cand.SourceTx,
		)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\nScanned %d records over %d pages: %d transfers, %d candidates\n",
		plan.Scanned, plan.Pages, plan.Transfers, len(plan.Candidates))
	reasons := make([]string, 0, len(plan.Skipped))
	for reason := range plan.Skipped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(os.Stderr, "  skipped %s: %d\n", reason, plan.Skipped[reason])
	}
}

func printReport(report *sweeper.Report) {
	if report.Plan != nil {
		printPlan(report.Plan)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nGROUP\tACCOUNTS\tSIGNATURE / ERROR")
	for i, g := range report.Groups {
		detail := g.Signature
		switch {
		case g.Error != "":
			detail = g.Error
		case report.DryRun:
			detail = "(dry run)"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\n", i, len(g.Closed), detail)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n%d already closed, %d closed, %d failed (%s)\n",
		report.AlreadyClosed,
		report.Closed,
		report.Failed,
		time.Duration(report.DurationMs)*time.Millisecond,
	)
}
