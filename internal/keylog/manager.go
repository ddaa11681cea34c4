package keylog

import (
	"fmt"
	"io"
	"strings"
)

// Manager implements the key log subcommands of the sshcast CLI.
type Manager struct {
	store *Store
	out   io.Writer
}

// NewManager returns a manager printing to out.
func NewManager(store *Store, out io.Writer) *Manager {
	return &Manager{store: store, out: out}
}

// Store returns the underlying key log.
func (m *Manager) Store() *Store {
	return m.store
}

// ListKeys prints every recorded key as a table.
func (m *Manager) ListKeys() {
	entries := m.store.List()
	if len(entries) == 0 {
		fmt.Fprintln(m.out, "No keys recorded.")
		return
	}

	fmt.Fprintf(m.out, "%-52s %-20s %-6s %-20s %s\n", "Fingerprint", "Type", "Count", "Last seen", "Users")
	fmt.Fprintln(m.out, strings.Repeat("-", 120))
	for _, e := range entries {
		fmt.Fprintf(m.out, "%-52s %-20s %-6d %-20s %s\n",
			e.Fingerprint,
			e.Type,
			e.Count,
			e.LastSeen.Format("2006-01-02 15:04:05"),
			strings.Join(e.Usernames, ","),
		)
	}
}

// ForgetKey removes a key by fingerprint.
func (m *Manager) ForgetKey(fingerprint string) error {
	if err := m.store.Forget(fingerprint); err != nil {
		return err
	}
	fmt.Fprintf(m.out, "Key %s forgotten.\n", fingerprint)
	return nil
}

// BackupKeys copies the key log to path.
func (m *Manager) BackupKeys(path string) error {
	if err := m.store.Backup(path); err != nil {
		return fmt.Errorf("backup key log: %w", err)
	}
	fmt.Fprintf(m.out, "Key log backed up to %s.\n", path)
	return nil
}
