package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanstorm/rvhost/internal/vm"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show VM status and counters",
	Long: `Show the state of a VM. A running VM reports live counters from its
control endpoint; a stopped one reports the boot history kept in its data
directory.`,
	RunE: runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print machine stats as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	name := targetVM()
	out := cmd.OutOrStdout()

	inst, client, err := liveInstance(name)
	switch {
	case errors.Is(err, vm.ErrInstanceNotFound):
		return printStoppedStatus(out, name)
	case err != nil:
		return err
	}
	defer client.Close()

	stats, err := client.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("query VM %q: %w", name, err)
	}
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(out, "VM: %s\n", stats.Name)
	fmt.Fprintf(out, "  State:    %s (pid %d)\n", stats.State, inst.PID)
	fmt.Fprintf(out, "  Core:     %s\n", stats.Core)
	fmt.Fprintf(out, "  Started:  %s\n", inst.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Control:  %s\n", inst.ControlAddr)
	if inst.SSHAddr != "" {
		if host, port, err := net.SplitHostPort(inst.SSHAddr); err == nil {
			fmt.Fprintf(out, "  Console:  ssh -p %s %s\n", port, host)
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Steps:    %d\n", stats.Steps)
	fmt.Fprintf(out, "  Cycles:   %d\n", stats.Cycles)
	fmt.Fprintf(out, "  Traps:    %d\n", stats.Traps)
	fmt.Fprintf(out, "  Resets:   %d\n", stats.Resets)
	fmt.Fprintf(out, "  IRQs:     %d raised, pending mask %#x\n", stats.InterruptsRaised, stats.Pending)
	if stats.DeviceErrors > 0 {
		fmt.Fprintf(out, "  Device errors: %d (degraded: %s)\n", stats.DeviceErrors, strings.Join(stats.Degraded, ", "))
	}
	if stats.Fault != "" {
		fmt.Fprintf(out, "  Fault:    %s\n", stats.Fault)
	}
	return nil
}

func printStoppedStatus(out io.Writer, name string) error {
	dataDir := vm.NewRegistry(currentConfig().DataDir).VMDataDir(name)
	state, err := vm.NewStateFile(dataDir).Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	fmt.Fprintf(out, "VM: %s\n", name)
	fmt.Fprintf(out, "  State: not running\n")
	if state.BootCount == 0 {
		fmt.Fprintf(out, "  Never booted\n")
		return nil
	}
	fmt.Fprintf(out, "  Boot count: %d\n", state.BootCount)
	if !state.LastBoot.IsZero() {
		fmt.Fprintf(out, "  Last boot: %s\n", state.LastBoot.Format("2006-01-02 15:04:05"))
	}
	if !state.LastShutdown.IsZero() && !state.LastShutdown.Before(state.LastBoot) {
		fmt.Fprintf(out, "  Last shutdown: %s\n", state.LastShutdown.Format("2006-01-02 15:04:05"))
		if state.CleanShutdown {
			fmt.Fprintf(out, "  Shutdown type: clean\n")
		} else {
			fmt.Fprintf(out, "  Shutdown type: faulted (%s)\n", state.LastFault)
		}
		fmt.Fprintf(out, "  Cycles in last run: %d\n", state.Cycles)
	} else {
		fmt.Fprintf(out, "  Shutdown type: unclean (process exited without recording shutdown)\n")
	}
	return nil
}
