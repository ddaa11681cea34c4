package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// ErrRejected is returned to the SSH engine when the auth policy refuses a key.
var ErrRejected = errors.New("public key rejected")

// AuthDecision is the outcome of one authentication attempt.
type AuthDecision int

const (
	Reject AuthDecision = iota
	Accept
)

func (d AuthDecision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// AuthPolicy decides whether a presented public key may log in.
type AuthPolicy interface {
	Decide(username string, key ssh.PublicKey) AuthDecision
}

// AuthPolicyFunc adapts a function to AuthPolicy.
type AuthPolicyFunc func(username string, key ssh.PublicKey) AuthDecision

func (f AuthPolicyFunc) Decide(username string, key ssh.PublicKey) AuthDecision {
	return f(username, key)
}

// AcceptAll admits every key for every username. It performs no access
// control whatsoever.
var AcceptAll AuthPolicy = AuthPolicyFunc(func(string, ssh.PublicKey) AuthDecision {
	return Accept
})

// AuthorizedKeys admits only keys listed in an OpenSSH authorized_keys file.
// Options and comments on each line are ignored.
type AuthorizedKeys struct {
	keys [][]byte
}

// LoadAuthorizedKeys reads an authorized_keys file from path.
func LoadAuthorizedKeys(path string) (*AuthorizedKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys %q: %w", path, err)
	}
	return ParseAuthorizedKeys(data)
}

// ParseAuthorizedKeys parses authorized_keys content. Blank lines and
// comment lines are skipped; any other malformed line is an error.
func ParseAuthorizedKeys(data []byte) (*AuthorizedKeys, error) {
	a := &AuthorizedKeys{}
	for line := 1; len(data) > 0; line++ {
		var current []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			current, data = data[:i], data[i+1:]
		} else {
			current, data = data, nil
		}
		current = bytes.TrimSpace(current)
		if len(current) == 0 || current[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(current)
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", line, err)
		}
		a.keys = append(a.keys, key.Marshal())
	}
	return a, nil
}

// Len returns the number of keys in the allow-list.
func (a *AuthorizedKeys) Len() int {
	return len(a.keys)
}

func (a *AuthorizedKeys) Decide(_ string, key ssh.PublicKey) AuthDecision {
	wire := key.Marshal()
	for _, k := range a.keys {
		if bytes.Equal(k, wire) {
			return Accept
		}
	}
	return Reject
}
