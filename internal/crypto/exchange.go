package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrInvalidPeerKey   = errors.New("invalid peer key")
	ErrSecretConsumed   = errors.New("ephemeral secret already consumed")
)

// EphemeralKey is a single-use X25519 keypair. The secret is wiped by the
// first call that uses it, so one ephemeral key can never back two sessions.
type EphemeralKey struct {
	secret *[curve25519.ScalarSize]byte
	public [curve25519.PointSize]byte
}

func GenerateEphemeral() (*EphemeralKey, error) {
	return generateEphemeralFrom(rand.Reader)
}

func generateEphemeralFrom(r io.Reader) (*EphemeralKey, error) {
	k := &EphemeralKey{secret: new([curve25519.ScalarSize]byte)}
	if _, err := io.ReadFull(r, k.secret[:]); err != nil {
		return nil, fmt.Errorf("read ephemeral secret: %w", err)
	}
	pub, err := curve25519.X25519(k.secret[:], curve25519.Basepoint)
	if err != nil {
		clear(k.secret[:])
		return nil, err
	}
	copy(k.public[:], pub)
	runtime.AddCleanup(k, func(buf *[curve25519.ScalarSize]byte) {
		clear(buf[:])
	}, k.secret)
	return k, nil
}

func (k *EphemeralKey) PublicKey() []byte {
	return append([]byte(nil), k.public[:]...)
}

func (k *EphemeralKey) Consumed() bool {
	return k == nil || k.secret == nil
}

// Discard wipes the secret without using it, e.g. when a handshake is abandoned.
func (k *EphemeralKey) Discard() {
	if k == nil || k.secret == nil {
		return
	}
	clear(k.secret[:])
	k.secret = nil
}

// ComputeSharedSecret runs X25519 between own and peerPublic and consumes
// own. Low-order peer points, which would give an all-zero secret, are
// rejected.
func ComputeSharedSecret(own *EphemeralKey, peerPublic []byte) ([]byte, error) {
	if own.Consumed() {
		return nil, ErrSecretConsumed
	}
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: peer public key must be %d bytes, got %d", ErrInvalidKeyLength, curve25519.PointSize, len(peerPublic))
	}
	defer own.Discard()
	shared, err := curve25519.X25519(own.secret[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return shared, nil
}

// Establish computes the shared secret with peerPublic and derives the
// session key from it in one step.
func (k *EphemeralKey) Establish(peerPublic []byte, params SessionParams) (*SessionKey, error) {
	localPublic := k.PublicKey()
	shared, err := ComputeSharedSecret(k, peerPublic)
	if err != nil {
		return nil, err
	}
	defer clear(shared)
	params.LocalPublic = localPublic
	params.PeerPublic = peerPublic
	return DeriveSessionKey(shared, params)
}
