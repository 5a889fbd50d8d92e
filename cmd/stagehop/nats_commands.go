package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/stagehop/service/nats"
	"github.com/brojonat/stagehop/service/transfer"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams transfer or sweep events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to transfer or sweep events",
		ArgsUsage: "[payer_address]",
		Description: `Subscribe to events published to NATS JetStream.

Transfer events are published to stagehop.transfers.{payer}; without a payer
every payer's transfers are streamed. With --sweeps, sweep summaries on
stagehop.sweeps are streamed instead. Events can be narrowed with jq filters
evaluated against the event JSON.

Example:
  stagehop nats subscribe <PAYER> --must-jq '.success == false' --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "sweeps",
				Usage: "Stream sweep summaries instead of transfers",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true (repeatable, all must match)",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "stagehop-cli",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events before streaming new ones",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one payer address may be given")
			}
			filters, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			subject := natspkg.TransferSubjectPrefix + "*"
			switch {
			case c.Bool("sweeps"):
				if c.NArg() == 1 {
					return fmt.Errorf("--sweeps does not take a payer address")
				}
				subject = natspkg.SweepSubject
			case c.NArg() == 1:
				subject = natspkg.TransferSubject(c.Args().First())
			}

			consumer := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("all") {
				consumer.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if c.Bool("durable") {
				consumer.Durable = c.String("consumer-name")
				consumer.Name = c.String("consumer-name")
			}

			return streamEvents(c.String("nats-url"), consumer, filters, c.Bool("sweeps"), c.Bool("json"))
		},
	}
}

// streamEvents consumes events until interrupted.
func streamEvents(natsURL string, consumer jetstream.ConsumerConfig, filters jqFilters, sweeps, jsonOutput bool) error {
	nc, err := natspkg.Connect(natsURL, "stagehop-cli")
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", consumer.FilterSubject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if consumer.Durable != "" {
			fmt.Printf("   Consumer: %s (durable)\n", consumer.Durable)
		}
		fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumer)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			msg.Ack()

			var event interface{}
			if sweeps {
				event = &natspkg.SweepEvent{}
			} else {
				event = &natspkg.TransferEvent{}
			}
			if err := json.Unmarshal(msg.Data(), event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				continue
			}
			if !filters.Match(event) {
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
				continue
			}
			switch ev := event.(type) {
			case *natspkg.TransferEvent:
				printTransferEvent(count, ev)
			case *natspkg.SweepEvent:
				printSweepEvent(count, ev)
			}

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

func printTransferEvent(n int, ev *natspkg.TransferEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Transfer #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Payer:        %s\n", ev.Payer)
	fmt.Printf("Recipient:    %s\n", ev.Recipient)
	fmt.Printf("Round:        %s (%d layers)\n", ev.RoundID, ev.Layers)
	fmt.Printf("Amount:       %s SOL\n", transfer.FormatSOL(ev.AmountLamports))
	fmt.Printf("State:        %s\n", ev.State)
	if ev.BatchID != "" {
		fmt.Printf("Batch:        %s\n", ev.BatchID)
	}
	if ev.Signature != "" {
		fmt.Printf("Signature:    %s\n", ev.Signature)
	}
	if ev.Error != "" {
		fmt.Printf("Error:        %s (while %s)\n", ev.Error, ev.FailedIn)
	}
	fmt.Printf("Published:    %s\n", ev.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

func printSweepEvent(n int, ev *natspkg.SweepEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Sweep #%d: %s\n", n, ev.Status)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	if ev.WindowFrom != nil {
		fmt.Printf("From:         %s\n", ev.WindowFrom.Format(time.RFC3339))
	}
	if ev.WindowTo != nil {
		fmt.Printf("To:           %s\n", ev.WindowTo.Format(time.RFC3339))
	}
	fmt.Printf("Scanned:      %d records, %d transfers\n", ev.Scanned, ev.Transfers)
	fmt.Printf("Candidates:   %d (%d already closed)\n", ev.Candidates, ev.AlreadyClosed)
	fmt.Printf("Closed:       %d\n", ev.Closed)
	fmt.Printf("Failed:       %d\n", ev.Failed)
	if ev.Error != "" {
		fmt.Printf("Error:        %s\n", ev.Error)
	}
	fmt.Printf("Published:    %s\n", ev.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the STAGEHOP JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  stagehop nats inspect-stream`,
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")

			nc, err := natspkg.Connect(natsURL, "stagehop-cli")
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			fmt.Printf("\n")
			return nil
		},
	}
}
