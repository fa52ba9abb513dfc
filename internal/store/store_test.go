package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxhive/mcplink/internal/config"
	mcperrors "github.com/voxhive/mcplink/internal/errors"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.Default()
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServers() map[string]*config.ServerConfig {
	return map[string]*config.ServerConfig{
		"files": {
			Name:    "files",
			Kind:    config.KindStdio,
			Command: "mcp-files",
			Args:    []string{"--root", "/srv"},
			Env:     map[string]string{"FILES_TOKEN": "s3cret"},
			Enabled: true,
		},
		"weather": {
			Name:           "weather",
			Kind:           config.KindSSE,
			URL:            "https://weather.example.com/sse",
			Headers:        map[string]string{"Authorization": "Bearer abc"},
			TimeoutSeconds: 10,
			Enabled:        true,
		},
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()

	return New(testLogger(t), filepath.Join(t.TempDir(), "servers.enc"), "correct horse")
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := newStore(t)

	servers, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Save(testServers()))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "s3cret", got["files"].Env["FILES_TOKEN"])
	require.Equal(t, "https://weather.example.com/sse", got["weather"].URL)
}

func TestSave_FileIsNotPlaintext(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(testServers()))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.NotContains(t, string(raw), "s3cret")
	require.NotContains(t, string(raw), "Bearer abc")
	require.NotContains(t, string(raw), "mcp-files")
}

func TestSave_FilePermissions(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(testServers()))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSave_RejectsInvalidEntry(t *testing.T) {
	s := newStore(t)

	err := s.Save(map[string]*config.ServerConfig{
		"broken": {Name: "broken", Kind: config.KindStdio}, // no command
	})
	require.Error(t, err)

	// Nothing was written.
	_, statErr := os.Stat(s.Path())
	require.True(t, os.IsNotExist(statErr))
}

func TestSave_RejectsMismatchedKey(t *testing.T) {
	s := newStore(t)

	err := s.Save(map[string]*config.ServerConfig{
		"alias": {Name: "other", Kind: config.KindStdio, Command: "x"},
	})
	require.Error(t, err)
}

func TestLoad_WrongPassphraseFailsClosed(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(testServers()))

	wrong := New(testLogger(t), s.Path(), "battery staple")

	servers, err := wrong.Load()
	require.ErrorIs(t, err, mcperrors.ErrDecryptFailed)
	require.Nil(t, servers, "fail closed: no partial data on bad passphrase")
}

func TestLoad_TamperedCiphertext(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(testServers()))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	// Flip a byte near the end, inside the base64 ciphertext.
	raw[len(raw)-10] ^= 0x01
	require.NoError(t, os.WriteFile(s.Path(), raw, 0o600))

	_, err = s.Load()
	require.Error(t, err)
}

func TestLoad_GarbageFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("not json"), 0o600))

	_, err := s.Load()

	var cfgErr *mcperrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBackupRestore(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(testServers()))

	backup := filepath.Join(t.TempDir(), "backup.enc")
	require.NoError(t, s.Backup(backup))

	// Backup is byte-identical, still sealed.
	orig, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	copied, err := os.ReadFile(backup)
	require.NoError(t, err)
	require.Equal(t, orig, copied)

	// Mutate the live file, then restore.
	require.NoError(t, s.Save(map[string]*config.ServerConfig{}))

	servers, err := s.Restore(backup)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	reloaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, reloaded, 2)
}

func TestRestore_RejectsUndecryptableBackup(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(testServers()))

	// A backup sealed under a different passphrase must not replace a
	// working file.
	otherDir := t.TempDir()
	other := New(testLogger(t), filepath.Join(otherDir, "other.enc"), "different pass")
	require.NoError(t, other.Save(map[string]*config.ServerConfig{}))

	_, err := s.Restore(other.Path())
	require.ErrorIs(t, err, mcperrors.ErrDecryptFailed)

	// Live file untouched.
	servers, err := s.Load()
	require.NoError(t, err)
	require.Len(t, servers, 2)
}

func TestNames_Sorted(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(testServers()))

	names, err := s.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"files", "weather"}, names)
}
