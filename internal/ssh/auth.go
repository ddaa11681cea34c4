package ssh

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"sshcast/internal/session"
)

// PublicKeyAuth returns an ssh.PublicKeyCallback that forwards every attempt
// to h. The engine may call it several times per connection, once for each
// key the client offers.
func PublicKeyAuth(h *session.Handler) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	return func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if h.Authenticate(c.User(), key) != session.Accept {
			return nil, fmt.Errorf("user %q: %w", c.User(), session.ErrRejected)
		}
		return &ssh.Permissions{
			Extensions: map[string]string{
				fingerprintExtension: ssh.FingerprintSHA256(key),
			},
		}, nil
	}
}
