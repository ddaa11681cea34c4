package keylog

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, path := openStore(t)
	assert.Empty(t, s.List())
	assert.Equal(t, path, s.Path())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestRecordCreatesAndUpdatesEntry(t *testing.T) {
	s, path := openStore(t)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return clock }
	key := newKey(t)
	fp := ssh.FingerprintSHA256(key)

	require.NoError(t, s.Record("bob", key))
	clock = clock.Add(time.Hour)
	require.NoError(t, s.Record("alice", key))
	require.NoError(t, s.Record("bob", key))

	e, err := s.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, fp, e.Fingerprint)
	assert.Equal(t, ssh.KeyAlgoED25519, e.Type)
	assert.Equal(t, []string{"alice", "bob"}, e.Usernames)
	assert.Equal(t, 3, e.Count)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), e.FirstSeen)
	assert.Equal(t, clock, e.LastSeen)

	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(e.AuthorizedKey))
	require.NoError(t, err)
	assert.Equal(t, key.Marshal(), parsed.Marshal())

	reopened, err := Open(path)
	require.NoError(t, err)
	again, err := reopened.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, e.Count, again.Count)
	assert.Equal(t, e.Usernames, again.Usernames)
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := openStore(t)
	key := newKey(t)
	require.NoError(t, s.Record("bob", key))

	e, err := s.Get(ssh.FingerprintSHA256(key))
	require.NoError(t, err)
	e.Usernames[0] = "mallory"

	e, err = s.Get(ssh.FingerprintSHA256(key))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, e.Usernames)
}

func TestListOrdersByFirstSeen(t *testing.T) {
	s, _ := openStore(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	first, second := newKey(t), newKey(t)
	require.NoError(t, s.Record("a", first))
	clock = clock.Add(time.Minute)
	require.NoError(t, s.Record("b", second))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, ssh.FingerprintSHA256(first), list[0].Fingerprint)
	assert.Equal(t, ssh.FingerprintSHA256(second), list[1].Fingerprint)
}

func TestForget(t *testing.T) {
	s, path := openStore(t)
	key := newKey(t)
	fp := ssh.FingerprintSHA256(key)
	require.NoError(t, s.Record("bob", key))

	require.NoError(t, s.Forget(fp))
	_, err := s.Get(fp)
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.ErrorIs(t, s.Forget(fp), ErrUnknownKey)

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, reopened.List())
}

func TestRecordRollsBackWhenSaveFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	s, _ := openStore(t)
	s.filePath = filepath.Join(blocker, "keys.json")

	assert.Error(t, s.Record("bob", newKey(t)))
	assert.Empty(t, s.List())
}

func TestBackup(t *testing.T) {
	s, _ := openStore(t)
	key := newKey(t)
	require.NoError(t, s.Record("bob", key))

	backup := filepath.Join(t.TempDir(), "backup", "keys.json")
	require.NoError(t, s.Backup(backup))

	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	var entries map[string]Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Contains(t, entries, ssh.FingerprintSHA256(key))
}

func TestConcurrentRecord(t *testing.T) {
	s, _ := openStore(t)
	key := newKey(t)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				assert.NoError(t, s.Record("bob", key))
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	e, err := s.Get(ssh.FingerprintSHA256(key))
	require.NoError(t, err)
	assert.Equal(t, 80, e.Count)
}

// =============================================================================
// Manager
// =============================================================================

func TestManagerListKeys(t *testing.T) {
	s, _ := openStore(t)
	var out bytes.Buffer
	m := NewManager(s, &out)

	m.ListKeys()
	assert.Equal(t, "No keys recorded.\n", out.String())

	key := newKey(t)
	require.NoError(t, s.Record("bob", key))
	out.Reset()
	m.ListKeys()
	assert.Contains(t, out.String(), ssh.FingerprintSHA256(key))
	assert.Contains(t, out.String(), "bob")
}

func TestManagerForgetAndBackup(t *testing.T) {
	s, _ := openStore(t)
	var out bytes.Buffer
	m := NewManager(s, &out)
	key := newKey(t)
	fp := ssh.FingerprintSHA256(key)
	require.NoError(t, s.Record("bob", key))

	backup := filepath.Join(t.TempDir(), "copy.json")
	require.NoError(t, m.BackupKeys(backup))
	assert.FileExists(t, backup)

	require.NoError(t, m.ForgetKey(fp))
	assert.Contains(t, out.String(), "forgotten")
	assert.ErrorIs(t, m.ForgetKey(fp), ErrUnknownKey)
	assert.Same(t, s, m.Store())
}
