package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/headcal/pkg/events"
)

func NewEventsCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"watch"},
		Short:   "Stream daemon events",
		Long:    "Stream calibration phase changes, results, operator actions and schedule warnings as they happen. Stop with Ctrl-C.",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return apiClient.FollowEvents(ctx, func(ev events.Event) bool {
				if raw {
					b, _ := json.Marshal(ev)
					cmd.Println(string(b))
					return true
				}
				printEvent(cmd, ev)
				return true
			})
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print events as JSON lines")

	return cmd
}

func printEvent(cmd *cobra.Command, ev events.Event) {
	ts := color.HiBlackString(time.Now().Format(time.TimeOnly))
	switch ev.Name {
	case events.CalibrationPhase:
		p, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s %s %s -> %s", ts, color.CyanString(p.Procedure), p.From, color.New(color.Bold).Sprint(p.To))
		if p.Target != "" {
			cmd.Printf(" [%s]", p.Target)
		}
		cmd.Println()
		return
	case events.CalibrationResult:
		r, err := events.DecodeAs[events.CalibrationResultEvent](ev)
		if err != nil {
			break
		}
		if r.Success {
			cmd.Printf("%s %s %s succeeded %s\n", ts, color.GreenString("✔"), r.Procedure, string(r.Result))
		} else {
			cmd.Printf("%s %s %s failed: %s\n", ts, color.RedString("✘"), r.Procedure, r.Error)
		}
		return
	case events.CalibrationAction:
		a, err := events.DecodeAs[events.CalibrationActionEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s %s %s\n", ts, color.MagentaString(a.Action), a.Message)
		return
	case events.ScheduleUpcoming:
		u, err := events.DecodeAs[events.ScheduleUpcomingEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s %s backlash verification at %s\n", ts, color.YellowString("upcoming"),
			time.Unix(u.RunAt, 0).Local().Format(time.DateTime))
		return
	}
	cmd.Printf("%s %s %s\n", ts, ev.Name, string(ev.Data))
}
