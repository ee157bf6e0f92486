package remote

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/ssh"
)

// LoadOrCreateHostKey reads the host key at path, generating and storing an
// ed25519 key on first use.
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data, err = generateHostKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}

func generateHostKey(path string) ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "rvhost host key")
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	data := pem.EncodeToMemory(block)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return data, nil
}

// AuthorizedKeys is a set of public keys allowed to attach.
type AuthorizedKeys map[string]string

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. A missing or
// empty file is an error: the console never accepts anonymous viewers.
func LoadAuthorizedKeys(path string) (AuthorizedKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	keys := make(AuthorizedKeys)
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		pub, comment, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		keys[string(pub.Marshal())] = comment
		rest = next
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s lists no keys", path)
	}
	return keys, nil
}

// Allows reports whether key is in the set.
func (a AuthorizedKeys) Allows(key ssh.PublicKey) bool {
	_, ok := a[string(key.Marshal())]
	return ok
}
