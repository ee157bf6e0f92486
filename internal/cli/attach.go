package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanstorm/rvhost/internal/remote"
	"github.com/javanstorm/rvhost/internal/terminal"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach to the console of a running VM",
	Long: `Attach this terminal to the serial console of a VM started by another
rvhost process. The VM must run with ssh.enabled and your public key in
ssh.authorized_keys. Press the escape key twice to detach; the VM keeps
running.`,
	RunE: runAttach,
}

var attachIdentity string

func init() {
	attachCmd.Flags().StringVar(&attachIdentity, "identity", "", "private key (default: ~/.ssh/id_ed25519)")
}

func runAttach(cmd *cobra.Command, args []string) error {
	name := targetVM()
	inst, client, err := liveInstance(name)
	if err != nil && inst == nil {
		return notRunning(name, err)
	}
	if client != nil {
		client.Close()
	}
	if inst.SSHAddr == "" {
		return fmt.Errorf("VM %q does not serve its console; restart it with --ssh", name)
	}

	identityPath := attachIdentity
	if identityPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home dir: %w", err)
		}
		identityPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	identity, err := remote.LoadIdentity(identityPath)
	if err != nil {
		return err
	}
	hostKey, err := remote.HostPublicKey(currentConfig().SSH.HostKey)
	if err != nil {
		return err
	}

	console := terminal.Current()
	restore, err := console.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	opts := remote.AttachOptions{
		Addr:     inst.SSHAddr,
		User:     os.Getenv("USER"),
		Identity: identity,
		HostKey:  hostKey,
	}
	if w, h, err := console.Size(); err == nil {
		opts.Width, opts.Height = w, h
	}
	err = remote.Attach(cmd.Context(), opts, os.Stdin, os.Stdout)
	fmt.Fprint(os.Stdout, "\r\n")
	return err
}
