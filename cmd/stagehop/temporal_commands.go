package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/stagehop/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func scheduleSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule-sweep",
		Usage: "Create or update the periodic sweep schedule",
		Description: `Every interval the schedule starts a sweep over the trailing lookback window.
Overlapping runs are skipped. The worker also applies this schedule on startup
from SWEEP_INTERVAL and SWEEP_LOOKBACK.

Example:
  stagehop temporal schedule-sweep --interval 30m --lookback 6h`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Time between sweeps",
				Value: time.Hour,
			},
			&cli.DurationFlag{
				Name:  "lookback",
				Usage: "History window each sweep covers",
				Value: 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			interval, lookback := c.Duration("interval"), c.Duration("lookback")
			if interval < time.Minute {
				return fmt.Errorf("interval must be at least 1m")
			}
			if lookback < interval {
				return fmt.Errorf("lookback must cover at least one interval")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertSweepSchedule(context.Background(), interval, lookback); err != nil {
				return fmt.Errorf("failed to schedule sweep: %w", err)
			}

			fmt.Printf("✓ Sweep schedule ready: %s\n", temporal.SweepScheduleID)
			fmt.Printf("  Interval: %s\n", interval)
			fmt.Printf("  Lookback: %s\n", lookback)
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe a Temporal schedule",
		Aliases:   []string{"desc"},
		ArgsUsage: "[schedule-id]",
		Action: func(c *cli.Context) error {
			scheduleID := scheduleArg(c)

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			desc, err := handle.Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			if c.Bool("json") {
				summary := map[string]interface{}{
					"schedule_id":    scheduleID,
					"paused":         desc.Schedule.State.Paused,
					"note":           desc.Schedule.State.Note,
					"recent_actions": len(desc.Info.RecentActions),
				}
				var intervals []string
				for _, interval := range desc.Schedule.Spec.Intervals {
					intervals = append(intervals, interval.Every.String())
				}
				summary["intervals"] = intervals
				if len(desc.Info.NextActionTimes) > 0 {
					summary["next_action"] = desc.Info.NextActionTimes[0]
				}
				return outputJSON(summary)
			}

			fmt.Printf("Schedule ID:    %s\n", scheduleID)
			fmt.Printf("State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Printf("Paused:         %v\n", desc.Schedule.State.Paused)

			if action := desc.Schedule.Action; action != nil {
				if wa, ok := action.(*client.ScheduleWorkflowAction); ok {
					fmt.Printf("\nWorkflow:\n")
					fmt.Printf("  Workflow:     %v\n", wa.Workflow)
					fmt.Printf("  Task Queue:   %s\n", wa.TaskQueue)
				}
			}

			if len(desc.Schedule.Spec.Intervals) > 0 {
				fmt.Printf("\nSchedule Spec:\n")
				for i, interval := range desc.Schedule.Spec.Intervals {
					fmt.Printf("  Interval %d:   Every %v\n", i+1, interval.Every)
				}
			}

			fmt.Printf("\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if len(desc.Info.RecentActions) > 0 {
				lastAction := desc.Info.RecentActions[len(desc.Info.RecentActions)-1]
				fmt.Printf("Last Action:    %s\n", lastAction.ActualTime.Format(time.RFC3339))
			}
			if len(desc.Info.NextActionTimes) > 0 {
				fmt.Printf("Next Action:    %s\n", desc.Info.NextActionTimes[0].Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause a Temporal schedule",
		ArgsUsage: "[schedule-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via stagehop CLI",
			},
		},
		Action: func(c *cli.Context) error {
			scheduleID := scheduleArg(c)
			note := c.String("note")

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: note}); err != nil {
				return fmt.Errorf("failed to pause schedule: %w", err)
			}

			fmt.Printf("✓ Schedule paused: %s\n", scheduleID)
			if note != "" {
				fmt.Printf("  Note: %s\n", note)
			}
			return nil
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a paused Temporal schedule",
		ArgsUsage: "[schedule-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via stagehop CLI",
			},
		},
		Action: func(c *cli.Context) error {
			scheduleID := scheduleArg(c)
			note := c.String("note")

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: note}); err != nil {
				return fmt.Errorf("failed to resume schedule: %w", err)
			}

			fmt.Printf("✓ Schedule resumed: %s\n", scheduleID)
			if note != "" {
				fmt.Printf("  Note: %s\n", note)
			}
			return nil
		},
	}
}

func deleteSweepScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-sweep",
		Usage: "Delete the periodic sweep schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete schedule %s? (yes/no): ", temporal.SweepScheduleID)
				var response string
				fmt.Scanln(&response)
				if response != "yes" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteSweepSchedule(context.Background()); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			fmt.Printf("✓ Schedule deleted: %s\n", temporal.SweepScheduleID)
			return nil
		},
	}
}

// scheduleArg returns the schedule named on the command line, defaulting to
// the sweep schedule.
func scheduleArg(c *cli.Context) string {
	if c.NArg() > 0 {
		return c.Args().First()
	}
	return temporal.SweepScheduleID
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "stagehop"
	}

	return temporal.NewClient(host, namespace, taskQueue, cliLogger(c))
}
