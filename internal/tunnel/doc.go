// Package tunnel carries SSH over HTTP upgrade requests for sshcast.
//
// Features:
//   - Accepts plain TCP and TLS connections on their own ports
//   - Answers any request carrying an Upgrade header with 101 Switching Protocols
//   - Hands the upgraded stream, including bytes already buffered, to the SSH server
//   - Tracks active tunnel sessions and closes them on shutdown
//   - Reuses relay buffers from a pool (see buffers.go)
//
// Usage:
//  1. Create a Server with NewServer, passing the SSH server as Backend
//  2. Run ListenAndServe until its context is cancelled
//
// Clients reach sshcast through HTTP-only paths this way, for example
// behind a reverse proxy that only forwards upgrade requests.
package tunnel
