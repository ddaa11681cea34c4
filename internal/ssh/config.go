package ssh

import (
	"golang.org/x/crypto/ssh"

	"sshcast/internal/session"
)

// DefaultServerVersion is the SSH identification string sent to clients.
const DefaultServerVersion = "SSH-2.0-sshcast_1.0"

// fingerprintExtension carries the accepted key's fingerprint in the
// connection's Permissions.
const fingerprintExtension = "pubkey-fp"

// NewConfig builds the server configuration for a single connection.
//
// A fresh config is built per connection so the public-key callback can be
// bound to that connection's handler. Only public-key authentication is
// offered; no password or keyboard-interactive callback is set. A non-empty
// banner is shown to clients before authentication.
func NewConfig(h *session.Handler, hostKey ssh.Signer, version, banner string) *ssh.ServerConfig {
	if version == "" {
		version = DefaultServerVersion
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: PublicKeyAuth(h),
		ServerVersion:     version,
	}
	if banner != "" {
		config.BannerCallback = func(ssh.ConnMetadata) string {
			return banner
		}
	}
	config.AddHostKey(hostKey)
	return config
}
