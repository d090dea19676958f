package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "PSENC1\n"

	kdfName       = "argon2id"
	kdfTime       = uint32(2)
	kdfMemoryKB   = uint32(64 * 1024)
	kdfThreads    = uint8(1)
	maxKDFMemory  = uint32(1024 * 1024)
	maxKDFTime    = uint32(16)
	maxKDFThreads = uint8(16)
)

var (
	ErrAuthFailed       = errors.New("securestore authentication failed")
	ErrInvalid          = errors.New("securestore envelope is invalid")
	ErrNotSealed        = errors.New("securestore data is not sealed")
	ErrPassphraseNeeded = errors.New("securestore passphrase is required")
)

// Envelope is the on-disk form of a sealed blob. Purpose is authenticated as
// associated data so a blob sealed for one use cannot be opened as another.
type Envelope struct {
	Version     uint32 `json:"version"`
	Purpose     string `json:"purpose"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func Seal(passphrase, purpose string, plaintext []byte) ([]byte, error) {
	env, err := SealEnvelope(passphrase, purpose, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func SealEnvelope(passphrase, purpose string, plaintext []byte) (*Envelope, error) {
	if passphrase == "" {
		return nil, ErrPassphraseNeeded
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &Envelope{
		Version:     envelopeVersion,
		Purpose:     purpose,
		KDF:         kdfName,
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(purpose)),
	}, nil
}

func Open(passphrase, purpose string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrNotSealed
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return OpenEnvelope(passphrase, purpose, &env)
}

func OpenEnvelope(passphrase, purpose string, env *Envelope) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrPassphraseNeeded
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	if env.Purpose != purpose {
		return nil, ErrAuthFailed
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(purpose))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func IsSealed(data []byte) bool {
	return strings.HasPrefix(string(data), filePrefix)
}

// KDF parameters come from disk; bound them so a crafted file cannot make
// Open allocate unbounded memory.
func validateEnvelope(env *Envelope) error {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return ErrInvalid
	}
	if env.KDFTime == 0 || env.KDFTime > maxKDFTime {
		return ErrInvalid
	}
	if env.KDFMemoryKB == 0 || env.KDFMemoryKB > maxKDFMemory {
		return ErrInvalid
	}
	if env.KDFThreads == 0 || env.KDFThreads > maxKDFThreads {
		return ErrInvalid
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return ErrInvalid
	}
	if len(env.Ciphertext) < chacha20poly1305.Overhead {
		return ErrInvalid
	}
	return nil
}

func zeroBytes(b []byte) {
	clear(b)
}
