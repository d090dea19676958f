package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionKDFLabel = "peersync/session/v1"
	noncePrefixSize = chacha20poly1305.NonceSizeX - 8
)

var (
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionWiped    = errors.New("session key has been wiped")
	ErrNonceExhausted  = errors.New("session nonce space exhausted")
	ErrInvalidSession  = errors.New("invalid session parameters")
)

type SessionParams struct {
	SessionID   string
	PeerID      string
	LocalPublic []byte
	PeerPublic  []byte
	CreatedAt   time.Time
	TTL         time.Duration
}

// SessionKey is a symmetric key bound to one session with one peer. It also
// owns the nonce sequence for that key: a random per-key prefix followed by
// a counter that is never reused.
type SessionKey struct {
	sessionID string
	peerID    string
	key       *[chacha20poly1305.KeySize]byte
	prefix    [noncePrefixSize]byte
	counter   uint64
	exhausted bool

	CreatedAt time.Time
	ExpiresAt time.Time
}

// DeriveSessionKey runs HKDF-SHA256 over the raw X25519 output. The session id
// is the salt; the info binds both public keys in sorted order so initiator
// and responder derive the same key.
func DeriveSessionKey(shared []byte, params SessionParams) (*SessionKey, error) {
	if len(shared) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: shared secret must be %d bytes", ErrInvalidKeyLength, curve25519.PointSize)
	}
	if len(params.LocalPublic) != curve25519.PointSize || len(params.PeerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: session public keys must be %d bytes", ErrInvalidKeyLength, curve25519.PointSize)
	}
	if strings.TrimSpace(params.SessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidSession)
	}
	okm := make([]byte, chacha20poly1305.KeySize)
	defer clear(okm)
	reader := hkdf.New(sha256.New, shared, []byte(params.SessionID), sessionInfo(params))
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, err
	}
	return NewSessionKey(params.SessionID, params.PeerID, okm, params.CreatedAt, params.TTL)
}

// NewSessionKey wraps raw key material. key is copied.
func NewSessionKey(sessionID, peerID string, key []byte, createdAt time.Time, ttl time.Duration) (*SessionKey, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes", ErrInvalidKeyLength, chacha20poly1305.KeySize)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidSession)
	}
	s := &SessionKey{
		sessionID: sessionID,
		peerID:    peerID,
		key:       new([chacha20poly1305.KeySize]byte),
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
	copy(s.key[:], key)
	if _, err := rand.Read(s.prefix[:]); err != nil {
		clear(s.key[:])
		return nil, err
	}
	runtime.AddCleanup(s, func(buf *[chacha20poly1305.KeySize]byte) {
		clear(buf[:])
	}, s.key)
	return s, nil
}

func (s *SessionKey) SessionID() string { return s.sessionID }
func (s *SessionKey) PeerID() string    { return s.peerID }

// IsExpired reports t > ExpiresAt.
func (s *SessionKey) IsExpired(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

func (s *SessionKey) Wiped() bool {
	return s == nil || s.key == nil
}

func (s *SessionKey) Wipe() {
	if s == nil || s.key == nil {
		return
	}
	clear(s.key[:])
	s.key = nil
}

// Usable returns nil when the key can encrypt or decrypt at now.
func (s *SessionKey) Usable(now time.Time) error {
	if s.Wiped() {
		return ErrSessionWiped
	}
	if s.IsExpired(now) {
		return ErrSessionExpired
	}
	return nil
}

// AEAD returns an XChaCha20-Poly1305 instance keyed with the session key.
func (s *SessionKey) AEAD() (cipher.AEAD, error) {
	if s.Wiped() {
		return nil, ErrSessionWiped
	}
	return chacha20poly1305.NewX(s.key[:])
}

// NextNonce returns a nonce that has never been returned before for this key.
func (s *SessionKey) NextNonce() ([]byte, error) {
	if s.Wiped() {
		return nil, ErrSessionWiped
	}
	if s.exhausted {
		return nil, ErrNonceExhausted
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, s.prefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], s.counter)
	s.counter++
	if s.counter == 0 {
		s.exhausted = true
	}
	return nonce, nil
}

func (s *SessionKey) String() string {
	return fmt.Sprintf("SessionKey(session=%s expires=%s)", s.sessionID, s.ExpiresAt.UTC().Format(time.RFC3339))
}

func sessionInfo(params SessionParams) []byte {
	a, b := params.LocalPublic, params.PeerPublic
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	info := make([]byte, 0, len(sessionKDFLabel)+len(params.SessionID)+len(a)+len(b)+2)
	info = append(info, sessionKDFLabel...)
	info = append(info, 0)
	info = append(info, params.SessionID...)
	info = append(info, 0)
	info = append(info, a...)
	info = append(info, b...)
	return info
}
