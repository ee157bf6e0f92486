package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/rvhost/internal/device"
	"github.com/javanstorm/rvhost/internal/image"
	"github.com/javanstorm/rvhost/internal/vm"
	"github.com/javanstorm/rvhost/pkg/hart"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List image providers",
	Long:  `List the providers that can supply firmware, kernel and root filesystem images.`,
	RunE:  runImages,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List device drivers and the default memory map",
	RunE:  runDevices,
}

var coresCmd = &cobra.Command{
	Use:   "cores",
	Short: "List available hart cores",
	RunE:  runCores,
}

func runImages(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Image providers:")
	fmt.Fprintln(out)

	for _, id := range image.List() {
		provider, err := image.Get(id)
		if err != nil {
			continue
		}
		marker := "  "
		if id == image.DefaultID() {
			marker = "* "
		}
		fmt.Fprintf(out, "%s%-12s %s\n", marker, id, provider.Name())
		fmt.Fprintf(out, "  %-12s %s\n", "", provider.Description())
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "* = default")
	fmt.Fprintln(out, "Select with: rvhost run --image <name>")
	return nil
}

func runDevices(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DRIVER\tSIZE\tIRQ\tDESCRIPTION")
	for _, d := range device.Drivers() {
		irq := "optional"
		if d.NeedsIRQ {
			irq = "required"
		}
		fmt.Fprintf(w, "%s\t%#x\t%s\t%s\n", d.Name, d.Size, irq, d.Description)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "NAME\tDRIVER\tBASE\tIRQ")
	for _, spec := range device.DefaultSpecs() {
		irq := "-"
		if spec.IRQ != device.NoIRQ {
			irq = fmt.Sprint(spec.IRQ)
		}
		fmt.Fprintf(w, "%s\t%s\t%#010x\t%s\n", spec.Name, spec.Driver, spec.Base, irq)
	}
	fmt.Fprintf(w, "ram\t-\t%#010x\t-\n", uint64(device.DefaultRAMBase))
	return w.Flush()
}

func runCores(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CORE\tVERSION\tISA\tCAPABILITIES")
	for _, name := range hart.List() {
		core, err := hart.New(name, &hart.Config{CyclesPerStep: 1})
		if err != nil {
			fmt.Fprintf(w, "%s\t?\t?\t%v\n", name, err)
			continue
		}
		info := core.Info()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, info.Version, info.ISA, formatCaps(core.Capabilities()))
	}
	return w.Flush()
}

func formatCaps(c hart.Capabilities) string {
	var caps []string
	if c.Traps {
		caps = append(caps, "traps")
	}
	if c.Snapshots {
		caps = append(caps, "snapshots")
	}
	if len(caps) == 0 {
		return "-"
	}
	return strings.Join(caps, ",")
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running VMs",
	RunE:  runPs,
}

func runPs(cmd *cobra.Command, args []string) error {
	instances, err := vm.NewRegistry(currentConfig().DataDir).List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(instances) == 0 {
		fmt.Fprintln(out, "No running VMs")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPID\tCORE\tSTARTED\tCONTROL\tSSH")
	for _, inst := range instances {
		sshAddr := inst.SSHAddr
		if sshAddr == "" {
			sshAddr = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			inst.Name, inst.PID, inst.Core,
			inst.StartedAt.Format("2006-01-02 15:04:05"),
			inst.ControlAddr, sshAddr)
	}
	return w.Flush()
}
