package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the backlash verification schedule",
		Long: `Manage the backlash verification schedule.

Once every step is calibrated, the daemon can re-run backlash calibration on a
schedule to catch mechanical drift. Operators are warned through the event
stream shortly before the machine moves.

  headcal schedule 'minute hour day month weekday' Set schedule with cron expression
  headcal schedule disable                         Disable the schedule
  headcal schedule postpone [duration]             Postpone next run
  headcal schedule skip                            Skip next run
  headcal schedule show                            Show current schedule`,
		Example: `  headcal schedule '0 6 * * 1' (At 06:00 on Monday)
  headcal schedule '30 5 * * *' (At 05:30 every day)`,
		GroupID: gCalibration,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "disable",
			Short: "Disable the verification schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleDisable(cmd)
			},
		},
		newSchedulePostponeCommand(),
		&cobra.Command{
			Use:   "skip",
			Short: "Skip the next scheduled verification",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleSkip(cmd)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the verification schedule and its next runs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleShow(cmd)
			},
		},
	)

	return cmd
}

func newSchedulePostponeCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled verification",
		Example: `  headcal schedule postpone      (Postpone by 1 hour)
  headcal schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next scheduled verification by a duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := duration
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			if d <= 0 {
				return fmt.Errorf("duration must be positive, got %s", d)
			}
			return runSchedulePostpone(cmd, d)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "Duration to postpone (e.g., 1h, 90m)")
	return cmd
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	sch, err := apiClient.Schedule(cronExpr)
	if err != nil {
		return err
	}
	if len(sch.NextRuns) == 0 {
		cmd.Println("Verification schedule disabled.")
		return nil
	}
	cmd.Printf("Verification scheduled. Next %d run(s):\n", len(sch.NextRuns))
	for _, run := range sch.NextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.Schedule(""); err != nil {
		return err
	}
	cmd.Println("Verification schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	if _, err := apiClient.PostponeSchedule(duration); err != nil {
		return err
	}
	cmd.Printf("Next run postponed by %s.\n", duration)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	if _, err := apiClient.SkipSchedule(); err != nil {
		return err
	}
	cmd.Println("Next scheduled run skipped.")
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	sch, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if sch.Cron == "" {
		cmd.Println("Verification schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", sch.Cron)
	cmd.Printf("Next %d run(s):\n", len(sch.NextRuns))
	for _, run := range sch.NextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
	return nil
}
