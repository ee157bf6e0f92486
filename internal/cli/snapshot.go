package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/vm"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save and restore machine state",
	Long: `Create, list, restore, verify and delete machine snapshots.

A snapshot holds RAM, core state and device state. Snapshots of a running
VM are taken through its control endpoint; the machine pauses for the
duration and then resumes.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a snapshot",
	Long: `Create a snapshot of the VM. A stopped VM is assembled from its images
and captured at its reset state.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE:  runSnapshotList,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a snapshot into the running VM",
	Long: `Load a snapshot into a running VM. To boot a stopped VM from a snapshot
use: rvhost run --restore <name>`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotRestore,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show snapshot details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotShow,
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <name>",
	Short: "Check a snapshot against its checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotVerify,
}

var snapshotDescription string

func init() {
	snapshotCreateCmd.Flags().StringVarP(&snapshotDescription, "description", "d", "", "Description for the snapshot")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
}

func snapshotStore() *vm.SnapshotManager {
	return vm.NewSnapshotManager(currentConfig().DataDir)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	name := targetVM()
	out := cmd.OutOrStdout()

	_, client, err := liveInstance(name)
	switch {
	case err == nil:
		defer client.Close()
		snap, err := client.Snapshot(cmd.Context(), args[0], snapshotDescription)
		if err != nil {
			return fmt.Errorf("snapshot VM %q: %w", name, err)
		}
		fmt.Fprintf(out, "Snapshot %q created (%s)\n", snap.Name, formatSize(snap.Size))
		return nil
	case !errors.Is(err, vm.ErrInstanceNotFound):
		return err
	}

	cfg := *currentConfig()
	cfg.VMName = name
	mgr, err := buildManager(cmd.Context(), &cfg, nil, zap.NewNop())
	if err != nil {
		return err
	}
	defer mgr.Close()

	snap, err := mgr.Snapshots().CreateSnapshot(mgr.Machine(), args[0], snapshotDescription)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Snapshot %q created from the boot state of %s (%s)\n", snap.Name, name, formatSize(snap.Size))
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	name := targetVM()
	out := cmd.OutOrStdout()

	snapshots, err := snapshotStore().ListSnapshots(name)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintf(out, "No snapshots for %s\n", name)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tSIZE\tDESCRIPTION")
	for _, snap := range snapshots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			snap.Name,
			snap.CreatedAt.Format("2006-01-02 15:04"),
			formatSize(snap.Size),
			snap.Description)
	}
	return w.Flush()
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	name := targetVM()
	if _, err := snapshotStore().GetSnapshot(name, args[0]); err != nil {
		return err
	}

	_, client, err := liveInstance(name)
	if errors.Is(err, vm.ErrInstanceNotFound) {
		return fmt.Errorf("VM %q is not running; boot it from the snapshot with: rvhost run --vm %s --restore %s", name, name, args[0])
	}
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.Restore(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("restore VM %q: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %q restored, VM %s: %s\n", args[0], name, state)
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	name := targetVM()
	if err := snapshotStore().DeleteSnapshot(name, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %q deleted\n", args[0])
	return nil
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	store := snapshotStore()
	name := targetVM()
	snap, err := store.GetSnapshot(name, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Snapshot: %s\n", snap.Name)
	fmt.Fprintf(out, "  VM:          %s\n", snap.VMName)
	fmt.Fprintf(out, "  Created:     %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Format:      %s\n", snap.Format)
	fmt.Fprintf(out, "  Size:        %s\n", formatSize(snap.Size))
	fmt.Fprintf(out, "  Checksum:    %s\n", snap.Checksum)
	fmt.Fprintf(out, "  File:        %s\n", store.SnapshotPath(name, snap.Name))
	if snap.Description != "" {
		fmt.Fprintf(out, "  Description: %s\n", snap.Description)
	}
	return nil
}

func runSnapshotVerify(cmd *cobra.Command, args []string) error {
	if err := snapshotStore().VerifySnapshot(targetVM(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %q OK\n", args[0])
	return nil
}

// formatSize formats bytes as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
