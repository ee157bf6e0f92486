// Package cli provides the command-line interface for rvhost.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/rvhost/internal/config"
	"github.com/javanstorm/rvhost/internal/control"
	"github.com/javanstorm/rvhost/internal/vm"
)

var rootCmd = &cobra.Command{
	Use:   "rvhost",
	Short: "rvhost - a RISC-V virtual machine host",
	Long: `rvhost boots a RISC-V guest from firmware, kernel and root filesystem
images and drives it with a pluggable hart core.

The running machine is controlled over a local JSON-RPC endpoint, exports
Prometheus metrics, and can share its serial console over SSH.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "help", "cores", "devices", "images", "init":
			return nil
		}
		return config.Load(configFile)
	},
}

var (
	configFile string
	vmFlag     string
)

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ~/.rvhost/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&vmFlag, "vm", "", "VM name (default: vm_name from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(coresCmd)
	rootCmd.AddCommand(configCmd)
}

// currentConfig returns the loaded config, or defaults when none was loaded.
func currentConfig() *config.Config {
	if config.Global == nil {
		return config.DefaultConfig()
	}
	return config.Global
}

// targetVM returns the VM named by --vm or the config.
func targetVM() string {
	if vmFlag != "" {
		return vmFlag
	}
	return currentConfig().VMName
}

// liveInstance finds a running instance and a control client for it.
func liveInstance(name string) (*vm.Instance, *control.Client, error) {
	inst, err := vm.NewRegistry(currentConfig().DataDir).Get(name)
	if err != nil {
		return nil, nil, err
	}
	if inst.ControlAddr == "" {
		return inst, nil, fmt.Errorf("VM %q (pid %d) has no control endpoint; set control_addr", name, inst.PID)
	}
	return inst, control.NewClient(inst.ControlAddr), nil
}

// notRunning rewrites a registry miss into a hint.
func notRunning(name string, err error) error {
	if errors.Is(err, vm.ErrInstanceNotFound) {
		return fmt.Errorf("VM %q is not running (start it with: rvhost run --vm %s)", name, name)
	}
	return err
}
