// Package secrets is the encrypted name→value store backing API-key
// resolution and the sidecar's reserved host tools. Values are sealed with
// AES-256-GCM under a key derived from the master key env var.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EnvMasterKey unlocks the store.
const EnvMasterKey = "LEMON_SECRETS_MASTER_KEY"

// Resolution sources reported by Resolve.
const (
	SourceStore = "store"
	SourceEnv   = "env"
)

var ErrNoMasterKey = errors.New("secrets: master key not set")

// Store holds decrypted secrets in memory and seals them to disk on write.
type Store struct {
	mu     sync.RWMutex
	path   string
	key    []byte // nil when locked
	values map[string]string
}

type sealedFile struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Open loads the store at path, decrypting with the master key from the
// environment. A missing file yields an empty store; a missing master key
// yields a locked store where every lookup misses (callers fall back to
// env resolution).
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]string)}

	master := os.Getenv(EnvMasterKey)
	if master == "" {
		return s, nil
	}
	sum := sha256.Sum256([]byte(master))
	s.key = sum[:]

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	var sealed sealedFile
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal secrets file: %w", err)
	}
	if err := json.Unmarshal(plain, &s.values); err != nil {
		return nil, fmt.Errorf("decode secrets payload: %w", err)
	}
	return s, nil
}

// Unlocked reports whether a master key was available at Open.
func (s *Store) Unlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// Exists reports whether the store holds a value for name.
func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// Get returns the stored value for name.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Set stores a value and seals the store to disk.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return ErrNoMasterKey
	}
	s.values[name] = value
	return s.flushLocked()
}

// Delete removes a value and seals the store to disk.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return ErrNoMasterKey
	}
	delete(s.values, name)
	return s.flushLocked()
}

// Resolve looks up name in the store, falling back to an identically named
// environment variable on miss. The second return names the source.
func (s *Store) Resolve(name string) (value, source string, ok bool) {
	if v, found := s.Get(name); found {
		return v, SourceStore, true
	}
	if v := os.Getenv(name); v != "" {
		return v, SourceEnv, true
	}
	return "", "", false
}

func (s *Store) flushLocked() error {
	plain, err := json.Marshal(s.values)
	if err != nil {
		return err
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	// Write-then-rename so a crash never leaves a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) seal(plain []byte) (sealedFile, error) {
	gcm, err := s.aead()
	if err != nil {
		return sealedFile{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealedFile{}, err
	}
	ct := gcm.Seal(nil, nonce, plain, nil)
	return sealedFile{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func (s *Store) open(sealed sealedFile) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ct, nil)
}

func (s *Store) aead() (cipher.AEAD, error) {
	if s.key == nil {
		return nil, ErrNoMasterKey
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
