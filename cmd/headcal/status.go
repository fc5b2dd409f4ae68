package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/headcal/pkg/machine"
	"github.com/charlie0129/headcal/pkg/workflow"
)

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show the machine and calibration workflow",
		Long:    "Show the machine topology, which calibration steps are done and which one comes next.",
		GroupID: gCalibration,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topo, err := apiClient.GetTopology()
			if err != nil {
				return fmt.Errorf("failed to get topology: %w", err)
			}
			wf, err := apiClient.GetWorkflow()
			if err != nil {
				return fmt.Errorf("failed to get workflow: %w", err)
			}
			st, err := apiClient.GetCalibrationStatus()
			if err != nil {
				return fmt.Errorf("failed to get calibration status: %w", err)
			}

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{
					"topology":    topo,
					"workflow":    wf,
					"calibration": st,
				}, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			printTopology(topo)
			fmt.Println()
			printWorkflow(wf)
			if st.Running() || st.LastError != "" {
				fmt.Println()
				printCalibrationStatus(st)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	return cmd
}

func printTopology(t *machine.Topology) {
	bold := color.New(color.Bold).SprintFunc()
	list := func(s []string) string {
		if len(s) == 0 {
			return "none"
		}
		return strings.Join(s, ", ")
	}
	fmt.Printf("%s\n", bold("Machine"))
	fmt.Printf("  Head cameras:       %s\n", list(t.HeadCameras))
	fmt.Printf("  Stationary cameras: %s\n", list(t.StationaryCameras))
	fmt.Printf("  Tools:              %s\n", list(t.Tools))
	fmt.Printf("  Axes:               %s\n", list(t.Axes))
}

func printWorkflow(wf *workflow.Status) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s\n", bold("Calibration"))
	for _, s := range wf.Steps {
		switch {
		case s.Done:
			fmt.Printf("  %s %s\n", color.GreenString("✔"), s.Step)
		case s.Step == wf.Next:
			fmt.Printf("  %s %s\n", color.YellowString("➜"), bold(s.Step))
		case !s.Applicable:
			fmt.Printf("  %s %s (%s)\n", color.HiBlackString("·"), s.Step, s.Reason)
		default:
			fmt.Printf("  %s %s\n", color.HiBlackString("·"), s.Step)
		}
	}
	if wf.Next == workflow.StepDone {
		fmt.Printf("\n%s\n", color.GreenString("Every step is calibrated."))
	}
}
