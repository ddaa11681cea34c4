// Package keylog keeps a persistent record of the public keys clients have
// logged in with.
package keylog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrUnknownKey is returned when a fingerprint is not in the log.
var ErrUnknownKey = errors.New("unknown key")

// Entry describes one public key seen by the server.
type Entry struct {
	Fingerprint   string    `json:"fingerprint"`
	Type          string    `json:"type"`
	AuthorizedKey string    `json:"authorized_key"`
	Usernames     []string  `json:"usernames"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Count         int       `json:"count"`
}

// Store is a JSON file backed key log, safe for concurrent use.
type Store struct {
	entries  map[string]*Entry
	filePath string
	mutex    sync.RWMutex
	now      func() time.Time
}

// Open loads the key log at path. A missing or empty file yields an empty
// log; the file is created on the first Record.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "keys.json"
	}
	s := &Store{
		entries:  make(map[string]*Entry),
		filePath: path,
		now:      time.Now,
	}
	if err := s.loadFromFile(); err != nil {
		return nil, fmt.Errorf("load key log %q: %w", path, err)
	}
	return s, nil
}

// Path returns the file backing the log.
func (s *Store) Path() string {
	return s.filePath
}

// Record notes that username authenticated with key and saves the log.
func (s *Store) Record(username string, key ssh.PublicKey) error {
	fp := ssh.FingerprintSHA256(key)
	now := s.now().UTC()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	prev, exists := s.entries[fp]
	var saved Entry
	if exists {
		saved = *prev
		saved.Usernames = append([]string(nil), prev.Usernames...)
	} else {
		prev = &Entry{
			Fingerprint:   fp,
			Type:          key.Type(),
			AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
			FirstSeen:     now,
		}
		s.entries[fp] = prev
	}
	prev.LastSeen = now
	prev.Count++
	if !containsString(prev.Usernames, username) {
		prev.Usernames = append(prev.Usernames, username)
		sort.Strings(prev.Usernames)
	}

	if err := s.saveToFile(); err != nil {
		if exists {
			*prev = saved
		} else {
			delete(s.entries, fp)
		}
		return fmt.Errorf("failed to save key log: %w", err)
	}
	return nil
}

// List returns a copy of every entry, oldest first.
func (s *Store) List() []Entry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Get returns the entry for fingerprint.
func (s *Store) Get(fingerprint string) (Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.entries[fingerprint]
	if !ok {
		return Entry{}, fmt.Errorf("key %q: %w", fingerprint, ErrUnknownKey)
	}
	return copyEntry(e), nil
}

// Forget removes fingerprint from the log and saves it.
func (s *Store) Forget(fingerprint string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[fingerprint]
	if !ok {
		return fmt.Errorf("key %q: %w", fingerprint, ErrUnknownKey)
	}
	delete(s.entries, fingerprint)
	if err := s.saveToFile(); err != nil {
		s.entries[fingerprint] = e
		return fmt.Errorf("failed to save key log: %w", err)
	}
	return nil
}

// Backup writes the current log to backupPath.
func (s *Store) Backup(backupPath string) error {
	s.mutex.RLock()
	data, err := s.marshal()
	s.mutex.RUnlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(backupPath, data)
}

func (s *Store) marshal() ([]byte, error) {
	return json.MarshalIndent(s.entries, "", "  ")
}

// saveToFile persists the log. The caller holds the write lock.
func (s *Store) saveToFile() error {
	data, err := s.marshal()
	if err != nil {
		return err
	}
	return writeFileAtomic(s.filePath, data)
}

func (s *Store) loadFromFile() error {
	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &s.entries)
}

// writeFileAtomic writes to a temporary file first, then renames it over path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return err
	}
	return nil
}

func copyEntry(e *Entry) Entry {
	c := *e
	c.Usernames = append([]string(nil), e.Usernames...)
	return c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
