// Package store persists server configurations encrypted at rest.
// Server entries may carry credentials in environment variables or
// headers, so the whole set is sealed with a passphrase-derived key and
// never written to disk in the clear.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/errors"
)

const (
	// blobVersion is bumped when the on-disk envelope changes shape.
	blobVersion = 1

	kdfName    = "pbkdf2-sha256"
	iterations = 600_000
	saltSize   = 16
	keySize    = 32

	fileMode = 0o600
)

// blob is the on-disk envelope. Everything sensitive lives inside
// Ciphertext; the KDF parameters are public by design so old files stay
// readable when defaults change.
type blob struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store reads and writes the encrypted server configuration file. All
// operations are serialized so concurrent saves cannot interleave.
type Store struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
	log        *slog.Logger
}

// New creates a store over the given file path. The file does not need
// to exist yet; the first Save creates it.
func New(log *slog.Logger, path, passphrase string) *Store {
	return &Store{
		path:       path,
		passphrase: []byte(passphrase),
		log:        log.With("component", "store"),
	}
}

// Path returns the configuration file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) deriveKey(salt []byte, iter int) []byte {
	return pbkdf2.Key(s.passphrase, salt, iter, keySize, sha256.New)
}

// Load decrypts and returns all stored server configurations, keyed by
// name. A missing file is an empty configuration, not an error. A wrong
// passphrase or a tampered file fails closed: an error and no data.
func (s *Store) Load() (map[string]*config.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(s.path)
}

func (s *Store) loadLocked(path string) (map[string]*config.ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*config.ServerConfig{}, nil
	}

	if err != nil {
		return nil, &errors.ConfigError{Reason: "read configuration file", Err: err}
	}

	var env blob
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &errors.ConfigError{Reason: "parse configuration envelope", Err: err}
	}

	if env.Version != blobVersion {
		return nil, &errors.ConfigError{Reason: fmt.Sprintf("unsupported envelope version %d", env.Version)}
	}

	if env.KDF != kdfName {
		return nil, &errors.ConfigError{Reason: fmt.Sprintf("unsupported key derivation %q", env.KDF)}
	}

	key := s.deriveKey(env.Salt, env.Iterations)

	plaintext, err := decrypt(key, env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, &errors.ConfigError{Reason: "decrypt configuration", Err: errors.ErrDecryptFailed}
	}

	var servers map[string]*config.ServerConfig
	if err := json.Unmarshal(plaintext, &servers); err != nil {
		return nil, &errors.ConfigError{Reason: "parse decrypted configuration", Err: err}
	}

	if servers == nil {
		servers = map[string]*config.ServerConfig{}
	}

	return servers, nil
}

// Save encrypts and atomically writes the full server set. A fresh salt
// and nonce are drawn on every save. The file is written next to its
// final location and renamed into place so readers never observe a
// partial write.
func (s *Store) Save(servers map[string]*config.ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, cfg := range servers {
		if cfg.Name != name {
			return &errors.ConfigError{Server: name, Reason: fmt.Sprintf("entry key does not match server name %q", cfg.Name)}
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	plaintext, err := json.Marshal(servers)
	if err != nil {
		return &errors.ConfigError{Reason: "encode configuration", Err: err}
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return &errors.ConfigError{Reason: "generate salt", Err: err}
	}

	key := s.deriveKey(salt, iterations)

	nonce, ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return &errors.ConfigError{Reason: "encrypt configuration", Err: err}
	}

	raw, err := json.Marshal(blob{
		Version:    blobVersion,
		KDF:        kdfName,
		Iterations: iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return &errors.ConfigError{Reason: "encode configuration envelope", Err: err}
	}

	if err := writeAtomic(s.path, raw); err != nil {
		return &errors.ConfigError{Reason: "write configuration file", Err: err}
	}

	s.log.Debug("configuration saved", "path", s.path, "servers", len(servers))

	return nil
}

// Backup copies the encrypted file verbatim to dst. The backup stays
// sealed under the same passphrase.
func (s *Store) Backup(dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return &errors.ConfigError{Reason: "read configuration for backup", Err: err}
	}

	if err := writeAtomic(dst, raw); err != nil {
		return &errors.ConfigError{Reason: "write backup", Err: err}
	}

	s.log.Info("configuration backed up", "dst", dst)

	return nil
}

// Restore replaces the configuration file with the backup at src. The
// backup must decrypt under the store's passphrase before anything is
// overwritten, so a bad restore never destroys a working file.
func (s *Store) Restore(src string) (map[string]*config.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers, err := s.loadLocked(src)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, &errors.ConfigError{Reason: "read backup", Err: err}
	}

	if err := writeAtomic(s.path, raw); err != nil {
		return nil, &errors.ConfigError{Reason: "write restored configuration", Err: err}
	}

	s.log.Info("configuration restored", "src", src, "servers", len(servers))

	return servers, nil
}

// Names returns the stored server names, sorted, without decrypting
// individual entries twice.
func (s *Store) Names() ([]string, error) {
	servers, err := s.Load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

func encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	defer func() {
		// Best effort: gone already if the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()

		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return err
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
