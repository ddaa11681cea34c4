// Package ssh provides the SSH server side of sshcast.
//
// Features:
//   - Public-key only authentication, delegated to a per-connection session.Handler
//   - Ed25519 host key generation and persistence (OpenSSH PEM encoding)
//   - Per-connection server configuration and version banner customization
//   - Accept loop with graceful shutdown of every live connection
//   - Session channel dispatch and channel data reads with pooled buffers
//
// Usage:
//  1. Load or create the host key with LoadOrGenerateHostKey (see keys.go)
//  2. Create a Server with NewServer, passing a session.Factory
//  3. Run ListenAndServe, or hand individual transports to ServeConn
//
// This package is intended for use by the sshcast server and its tunnel transport.
package ssh
