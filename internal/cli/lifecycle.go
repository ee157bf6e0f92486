package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/rvhost/internal/control"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause a running VM at the next step boundary",
	RunE:  lifecycle("pause", (*control.Client).Pause),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused VM",
	RunE:  lifecycle("resume", (*control.Client).Resume),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Shut the running VM down",
	Long:  `Ask the running VM to halt at the next step boundary. The rvhost run process exits once it has halted.`,
	RunE:  lifecycle("stop", (*control.Client).Shutdown),
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reboot the running VM",
	Long:  `Reset the core and devices and reload the boot images into RAM. A paused VM stays paused.`,
	RunE:  lifecycle("reset", (*control.Client).Reset),
}

func lifecycle(verb string, call func(*control.Client, context.Context) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		name := targetVM()
		_, client, err := liveInstance(name)
		if err != nil {
			return notRunning(name, err)
		}
		defer client.Close()

		state, err := call(client, cmd.Context())
		if err != nil {
			return fmt.Errorf("%s VM %q: %w", verb, name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "VM %s: %s\n", name, state)
		return nil
	}
}
