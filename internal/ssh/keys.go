package ssh

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// hostKeyComment is embedded in generated OpenSSH private keys.
const hostKeyComment = "sshcast host key"

// NewEd25519HostKey generates a new Ed25519 private key for use as an SSH host key.
func NewEd25519HostKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// HostKeyPEM encodes a private key in the OpenSSH PEM format understood by
// ssh.ParsePrivateKey and ssh-keygen.
func HostKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(key, hostKeyComment)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

// LoadOrGenerateHostKey reads the host key at path. If the file does not
// exist, a new Ed25519 key is generated and written there with mode 0600.
// The boolean result reports whether a key was generated.
func LoadOrGenerateHostKey(path string) (ssh.Signer, bool, error) {
	// Try to read existing host key from disk.
	privateBytes, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(privateBytes)
		if err != nil {
			return nil, false, fmt.Errorf("parse host key %q: %w", path, err)
		}
		return signer, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("read host key %q: %w", path, err)
	}

	priv, err := NewEd25519HostKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate host key: %w", err)
	}
	privateBytes, err = HostKeyPEM(priv)
	if err != nil {
		return nil, false, fmt.Errorf("encode host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("create host key directory: %w", err)
	}
	if err := os.WriteFile(path, privateBytes, 0600); err != nil {
		return nil, false, fmt.Errorf("save generated host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("host key signer: %w", err)
	}
	return signer, true, nil
}
