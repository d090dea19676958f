package identity

import (
	"crypto/ed25519"
	"errors"
	"log/slog"
	"runtime"
)

const redacted = "[REDACTED]"

var ErrSecretWiped = errors.New("secret key has been wiped")

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// SecretKey owns an Ed25519 private key. It must be passed by pointer; go vet
// flags copies. The buffer is zeroed by Wipe, or by a runtime cleanup once the
// handle becomes unreachable. It never prints or marshals its contents.
type SecretKey struct {
	noCopy noCopy
	buf *[ed25519.PrivateKeySize]byte
}

func newSecretKey(seed []byte) *SecretKey {
	priv := ed25519.NewKeyFromSeed(seed)
	sk := &SecretKey{buf: new([ed25519.PrivateKeySize]byte)}
	copy(sk.buf[:], priv)
	clear(priv)
	runtime.AddCleanup(sk, func(buf *[ed25519.PrivateKeySize]byte) {
		clear(buf[:])
	}, sk.buf)
	return sk
}

// Wipe zeroes the key material. The handle is unusable afterwards.
func (s *SecretKey) Wipe() {
	if s == nil || s.buf == nil {
		return
	}
	clear(s.buf[:])
	s.buf = nil
}

func (s *SecretKey) Wiped() bool {
	return s == nil || s.buf == nil
}

func (s *SecretKey) sign(message []byte) ([]byte, error) {
	if s.Wiped() {
		return nil, ErrSecretWiped
	}
	return ed25519.Sign(ed25519.PrivateKey(s.buf[:]), message), nil
}

// withSeed lends the 32-byte seed to fn. fn must not retain the slice.
func (s *SecretKey) withSeed(fn func(seed []byte) error) error {
	if s.Wiped() {
		return ErrSecretWiped
	}
	return fn(s.buf[:ed25519.SeedSize])
}

func (s *SecretKey) String() string   { return redacted }
func (s *SecretKey) GoString() string { return redacted }

func (s *SecretKey) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (s *SecretKey) MarshalJSON() ([]byte, error) {
	return nil, errors.New("secret key is not serializable")
}

func (s *SecretKey) MarshalText() ([]byte, error) {
	return nil, errors.New("secret key is not serializable")
}
