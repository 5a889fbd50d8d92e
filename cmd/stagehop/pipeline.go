package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/stagehop/service/config"
	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

// pipeline is the transfer machinery wired against a single RPC endpoint,
// for commands that execute without the worker.
type pipeline struct {
	client       *solana.Client
	submitter    *solana.Submitter
	deriver      *staging.Deriver
	orchestrator *transfer.Orchestrator
	logger       *slog.Logger
}

func newPipeline(c *cli.Context) (*pipeline, error) {
	rpcURL := c.String("rpc-url")
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc-url is required (set SOLANA_RPC_URL env var or use --rpc-url)")
	}
	deriver, err := getDeriver(c)
	if err != nil {
		return nil, err
	}
	logger := cliLogger(c)

	client := solana.NewClient(solana.NewRPCClient(rpcURL), "cli", nil, logger)

	submitOpts := solana.DefaultSubmitOptions()
	if timeout := c.Duration("confirm-timeout"); timeout > 0 {
		submitOpts.ConfirmTimeout = timeout
	}
	submitter := solana.NewSubmitter(client, submitOpts, nil, logger)

	opts := transfer.DefaultOptions()
	opts.ProbeStaging = !c.Bool("no-probe")

	return &pipeline{
		client:       client,
		submitter:    submitter,
		deriver:      deriver,
		orchestrator: transfer.NewOrchestrator(client, submitter, deriver, opts, nil, logger),
		logger:       logger,
	}, nil
}

// executionFlags are shared by commands that submit transactions.
func executionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "keypair",
			Aliases: []string{"k"},
			Usage:   "Signing keypair: a solana-keygen JSON file or base58 secret key",
			EnvVars: []string{"OPERATOR_KEYPAIR"},
		},
		&cli.DurationFlag{
			Name:  "confirm-timeout",
			Usage: "How long to wait for each confirmation",
			Value: time.Minute,
		},
		&cli.BoolFlag{
			Name:  "no-probe",
			Usage: "Skip the stray-balance probe of staging addresses",
		},
	}
}

func loadKeypair(c *cli.Context) (solanago.PrivateKey, error) {
	value := c.String("keypair")
	if value == "" {
		return nil, fmt.Errorf("keypair is required (set OPERATOR_KEYPAIR env var or use --keypair)")
	}
	return config.ParseKeypair(value)
}

// cliLogger logs errors only unless --verbose is set.
func cliLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelError
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
