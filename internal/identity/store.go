package identity

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"palaver-chat/core/internal/domains/contracts"
	"palaver-chat/core/internal/securestore"
	"palaver-chat/core/pkg/models"
)

var ErrStoreNotConfigured = errors.New("identity store is not configured")

// Store persists one encrypted key-material file per inbox under a
// private directory. It is the keychain collaborator of the core.
type Store struct {
	mu     sync.Mutex
	dir    string
	secret string
}

func NewStore(dir, secret string) *Store {
	dir, secret = securestore.NormalizeStorageConfig(dir, secret)
	return &Store{dir: dir, secret: secret}
}

type storedIdentity struct {
	Version           int       `json:"version"`
	InboxID           string    `json:"inbox_id"`
	ClientID          string    `json:"client_id"`
	SigningPrivateKey []byte    `json:"signing_private_key"`
	SigningPublicKey  []byte    `json:"signing_public_key"`
	EncryptionSeed    []byte    `json:"encryption_seed"`
	CreatedAt         time.Time `json:"created_at"`
}

// Save persists key material for inboxID, bound to clientID. Re-saving
// the same inbox overwrites its file atomically from the caller's view.
func (s *Store) Save(inboxID, clientID string, keys *KeyMaterial) error {
	if !securestore.IsStorageConfigured(s.dir, s.secret) {
		return ErrStoreNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := storedIdentity{
		Version:           1,
		InboxID:           inboxID,
		ClientID:          clientID,
		SigningPrivateKey: append([]byte(nil), keys.SigningPrivateKey...),
		SigningPublicKey:  append([]byte(nil), keys.SigningPublicKey...),
		EncryptionSeed:    append([]byte(nil), keys.EncryptionSeed...),
		CreatedAt:         time.Now().UTC(),
	}
	return securestore.WriteEncryptedJSON(s.path(inboxID), s.secret, record)
}

// Identity loads the identity bound to inboxID. Absence is reported as
// contracts.ErrIdentityNotFound so callers can fall back to creation.
func (s *Store) Identity(inboxID string) (models.Identity, *KeyMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(s.path(inboxID))
}

// LoadAll returns every stored identity, sorted by creation time.
func (s *Store) LoadAll() ([]models.Identity, error) {
	if !securestore.IsStorageConfigured(s.dir, s.secret) {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]models.Identity, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".enc") {
			continue
		}
		id, _, err := s.loadLocked(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the key material for inboxID. Missing files are not an
// error.
func (s *Store) Delete(inboxID string) error {
	if !securestore.IsStorageConfigured(s.dir, s.secret) {
		return ErrStoreNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(inboxID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) DeleteAll() error {
	if !securestore.IsStorageConfigured(s.dir, s.secret) {
		return ErrStoreNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.RemoveAll(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) loadLocked(path string) (models.Identity, *KeyMaterial, error) {
	if !securestore.IsStorageConfigured(s.dir, s.secret) {
		return models.Identity{}, nil, ErrStoreNotConfigured
	}
	plaintext, err := securestore.ReadDecryptedFile(path, s.secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Identity{}, nil, contracts.ErrIdentityNotFound
		}
		return models.Identity{}, nil, err
	}
	var record storedIdentity
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return models.Identity{}, nil, err
	}
	if record.Version != 1 {
		return models.Identity{}, nil, errors.New("identity persistence payload is invalid")
	}
	id := models.Identity{
		InboxID:          record.InboxID,
		ClientID:         record.ClientID,
		SigningPublicKey: append([]byte(nil), record.SigningPublicKey...),
		CreatedAt:        record.CreatedAt,
	}
	keys := &KeyMaterial{
		SigningPrivateKey: append([]byte(nil), record.SigningPrivateKey...),
		SigningPublicKey:  append([]byte(nil), record.SigningPublicKey...),
		EncryptionSeed:    append([]byte(nil), record.EncryptionSeed...),
	}
	return id, keys, nil
}

func (s *Store) path(inboxID string) string {
	return filepath.Join(s.dir, sanitizeFileName(inboxID)+".enc")
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
