package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/headcal/pkg/client"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/headcal.sock"
	configPath     = "/etc/headcal.json"

	apiClient *client.Client
)

var (
	gCalibration  = "Calibration:"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gCalibration,
		gAdvanced,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, client.ErrDaemonNotRunning):
		fmt.Fprintln(os.Stderr, "\nError: headcal daemon is not running")
		fmt.Fprintln(os.Stderr, "Start it with 'headcal daemon' or point --daemon-socket at a running one.")
	case errors.Is(err, client.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or restart the daemon with '--always-allow-non-root-access'")
	case errors.Is(err, client.ErrCalibrationInProgress):
		fmt.Fprintln(os.Stderr, "\nA calibration is already running. Wait for it, or stop it with 'headcal calibrate cancel'.")
	case errors.Is(err, client.ErrPreconditionFailed):
		fmt.Fprintln(os.Stderr, "\nRun 'headcal status' to see which calibration step comes next.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "headcal",
		Short: "headcal calibrates the cameras, offsets and backlash of a pick-and-place head",
		Long: `headcal calibrates the cameras, head offsets and axis backlash of a
pick-and-place machine, using nothing but its own cameras and a fiducial.

Run the steps in order: camera, fiducial, offset, backlash. 'headcal status'
shows which one is next.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := setupLogger(); err != nil {
				return err
			}
			apiClient = client.NewClient(unixSocketPath)
			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "headcal daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewCalibrateCommand(),
		NewScheduleCommand(),
		NewEventsCommand(),
		NewConfigCommand(),
	)

	return cmd
}
