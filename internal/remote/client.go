package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// HostPublicKey returns the public half of the host key stored at path.
func HostPublicKey(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer.PublicKey(), nil
}

// LoadIdentity reads an unencrypted OpenSSH private key.
func LoadIdentity(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	return signer, nil
}

// AttachOptions describe a viewer session.
type AttachOptions struct {
	Addr     string
	User     string
	Identity ssh.Signer
	HostKey  ssh.PublicKey
	Width    int
	Height   int
}

// Attach opens a shell on a console server and copies stdin and stdout
// until the server ends the session or ctx is done. The detach sequence is
// handled by the server, so stdin should be in raw mode.
func Attach(ctx context.Context, opts AttachOptions, stdin io.Reader, stdout io.Writer) error {
	if opts.User == "" {
		opts.User = "console"
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 80, 24
	}
	client, err := ssh.Dial("tcp", opts.Addr, &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(opts.Identity)},
		HostKeyCallback: ssh.FixedHostKey(opts.HostKey),
		Timeout:         handshakeTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.Addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("xterm", opts.Height, opts.Width, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stdout
	if err := session.Shell(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		client.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ctx.Err()
	}
}
