package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"peersync/go-core/internal/identity"
	"peersync/go-core/internal/journal"
	"peersync/go-core/internal/securestore"
	"peersync/go-core/pkg/models"
)

const (
	identityFile = "identity.sealed"
	journalFile  = "journal.sealed"
	trustedFile  = "trusted.sealed"
	pairingFile  = "pairing.sealed"

	purposeJournal = "peersync/journal/v1"
	purposeTrusted = "peersync/trusted/v1"
	purposePairing = "peersync/pairing-code/v1"

	trustedSchemaVersion = 1
)

var (
	ErrIdentityNotFound         = errors.New("identity not found")
	ErrUnsupportedStorageSchema = errors.New("unsupported storage schema version")
)

// StateStore persists node state under dir. Every file is sealed with the
// same passphrase but a distinct purpose.
type StateStore struct {
	mu         sync.Mutex
	dir        string
	passphrase string
}

type trustedSnapshot struct {
	Version int                  `json:"version"`
	Peers   []models.TrustedPeer `json:"peers"`
}

func NewStateStore(dir, passphrase string) (*StateStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if passphrase == "" {
		return nil, securestore.ErrPassphraseNeeded
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &StateStore{dir: dir, passphrase: passphrase}, nil
}

func (s *StateStore) Dir() string {
	return s.dir
}

func (s *StateStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *StateStore) SaveIdentity(id *identity.DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := id.SealSecret(s.passphrase)
	if err != nil {
		return fmt.Errorf("seal identity: %w", err)
	}
	return securestore.WriteFileAtomic(s.path(identityFile), sealed)
}

func (s *StateStore) LoadIdentity() (*identity.DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path(identityFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity.OpenSealedSecret(s.passphrase, raw)
}

// LoadOrCreateIdentity returns the stored identity, generating and saving a
// new one on first run. created reports which happened.
func (s *StateStore) LoadOrCreateIdentity() (id *identity.DeviceIdentity, created bool, err error) {
	id, err = s.LoadIdentity()
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrIdentityNotFound) {
		return nil, false, err
	}
	id, err = identity.Generate()
	if err != nil {
		return nil, false, err
	}
	if err := s.SaveIdentity(id); err != nil {
		id.Wipe()
		return nil, false, err
	}
	return id, true, nil
}

func (s *StateStore) SaveJournal(j *journal.Journal) error {
	data, err := j.ToJSON()
	if err != nil {
		return err
	}
	sealed, err := securestore.Seal(s.passphrase, purposeJournal, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return securestore.WriteFileAtomic(s.path(journalFile), sealed)
}

// LoadJournal returns the stored journal, or an empty one on first run.
func (s *StateStore) LoadJournal() (*journal.Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := journal.New()
	data, err := securestore.ReadSealedFile(s.path(journalFile), s.passphrase, purposeJournal)
	if errors.Is(err, fs.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	if err := j.FromJSON(data); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *StateStore) SaveTrusted(peers []models.TrustedPeer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return securestore.WriteSealedJSON(s.path(trustedFile), s.passphrase, purposeTrusted, trustedSnapshot{
		Version: trustedSchemaVersion,
		Peers:   peers,
	})
}

func (s *StateStore) LoadTrusted() ([]models.TrustedPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap trustedSnapshot
	err := securestore.ReadSealedJSON(s.path(trustedFile), s.passphrase, purposeTrusted, &snap)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if snap.Version != trustedSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedStorageSchema, snap.Version)
	}
	return snap.Peers, nil
}

// SavePairingCode stores the code this device is currently offering, with its
// guess count, replacing any earlier one.
func (s *StateStore) SavePairingCode(code models.PairingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return securestore.WriteSealedJSON(s.path(pairingFile), s.passphrase, purposePairing, code)
}

// LoadPairingCode returns the stored code. ok is false when none is stored.
func (s *StateStore) LoadPairingCode() (code models.PairingCode, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = securestore.ReadSealedJSON(s.path(pairingFile), s.passphrase, purposePairing, &code)
	if errors.Is(err, fs.ErrNotExist) {
		return models.PairingCode{}, false, nil
	}
	if err != nil {
		return models.PairingCode{}, false, err
	}
	return code, true, nil
}

func (s *StateStore) ClearPairingCode() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(pairingFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
