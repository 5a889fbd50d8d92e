package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/brojonat/stagehop/service/db"
	"github.com/brojonat/stagehop/service/transfer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			fmt.Println("✓ Schema applied")
			return nil
		},
	}
}

func listRoundsCommand() *cli.Command {
	return &cli.Command{
		Name:  "rounds",
		Usage: "List recorded transfer rounds",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "payer",
				Usage: "Filter by payer address",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (settled, failed)",
			},
			&cli.StringFlag{
				Name:  "batch",
				Usage: "Filter by batch ID",
			},
			&cli.BoolFlag{
				Name:  "open",
				Usage: "Only settled rounds with staging accounts not yet closed",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of rounds to show",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			status := c.String("status")
			if status != "" && status != db.RoundSettled && status != db.RoundFailed {
				return fmt.Errorf("invalid status %q: must be %s or %s", status, db.RoundSettled, db.RoundFailed)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			limit := int32(c.Int("limit"))

			var rounds []*db.Round
			if c.Bool("open") {
				rounds, err = store.ListOpenRounds(ctx, limit)
			} else {
				rounds, err = store.ListRounds(ctx, db.ListRoundsParams{
					Payer:   c.String("payer"),
					Status:  status,
					BatchID: c.String("batch"),
					Limit:   limit,
				})
			}
			if err != nil {
				return fmt.Errorf("failed to list rounds: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(rounds)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PAYER\tRECIPIENT\tROUND\tLAYERS\tAMOUNT (SOL)\tSTATUS\tBATCH\tCREATED")
			for _, r := range rounds {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
					r.Payer,
					r.Recipient,
					r.RoundID,
					r.Layers,
					transfer.FormatSOL(r.AmountLamports),
					r.Status,
					formatOptional(r.BatchID),
					r.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d rounds\n", len(rounds))
			return nil
		},
	}
}

func getRoundCommand() *cli.Command {
	return &cli.Command{
		Name:      "round",
		Usage:     "Show a round with its staging closures",
		ArgsUsage: "<payer> <recipient> <round-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: payer, recipient and round ID")
			}
			payer, recipient := c.Args().Get(0), c.Args().Get(1)
			roundID, err := strconv.ParseUint(c.Args().Get(2), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid round ID %q: %w", c.Args().Get(2), err)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			round, err := store.GetRound(ctx, payer, recipient, roundID)
			if err != nil {
				return fmt.Errorf("failed to get round: %w", err)
			}
			closures, err := store.ListClosures(ctx, payer, recipient, roundID, 0)
			if err != nil {
				return fmt.Errorf("failed to list closures: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"round":    round,
					"closures": closures,
				})
			}

			closedAt := make(map[string]*db.Closure, len(closures))
			for _, cl := range closures {
				closedAt[cl.StagingAddress] = cl
			}

			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			fmt.Printf("Payer:          %s\n", round.Payer)
			fmt.Printf("Recipient:      %s\n", round.Recipient)
			fmt.Printf("Round:          %d (%d layers)\n", round.RoundID, round.Layers)
			fmt.Printf("Amount:         %s SOL\n", transfer.FormatSOL(round.AmountLamports))
			fmt.Printf("Status:         %s\n", round.Status)
			fmt.Printf("Signature:      %s\n", formatOptional(round.Signature))
			if round.FailedIn != nil {
				fmt.Printf("Failed In:      %s\n", *round.FailedIn)
			}
			if round.Error != nil {
				fmt.Printf("Error:          %s\n", *round.Error)
			}
			fmt.Printf("Batch:          %s\n", formatOptional(round.BatchID))
			fmt.Printf("Created At:     %s\n", round.CreatedAt.Format(time.RFC3339))
			for i, addr := range round.StagingAddresses {
				state := "open"
				if cl, ok := closedAt[addr]; ok {
					state = "closed " + cl.ClosedAt.Format(time.RFC3339) + " in " + cl.Signature
				}
				fmt.Printf("Staging %d:      %s (%s)\n", i+1, addr, state)
			}
			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			return nil
		},
	}
}

func listSweepRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweeps",
		Usage: "List recorded sweep runs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to show",
				Value: 20,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			runs, err := store.ListSweepRuns(context.Background(), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list sweep runs: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tSCANNED\tTRANSFERS\tCANDIDATES\tALREADY CLOSED\tCLOSED\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					r.ID,
					r.StartedAt.Format(time.RFC3339),
					r.Status,
					r.Scanned,
					r.Transfers,
					r.Candidates,
					r.AlreadyClosed,
					r.Closed,
					r.Failed,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d sweep runs\n", len(runs))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}
