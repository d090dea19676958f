package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var ErrInvalidKeyLength = errors.New("invalid key length")

// DeviceIdentity is a device's long-lived signing keypair. The device id and
// fingerprint are derived from the public key, so reloading the same secret
// always yields the same identity.
type DeviceIdentity struct {
	deviceID string
	public   ed25519.PublicKey
	secret   *SecretKey
}

func Generate() (*DeviceIdentity, error) {
	return generateFrom(rand.Reader)
}

func generateFrom(r io.Reader) (*DeviceIdentity, error) {
	seed := make([]byte, ed25519.SeedSize)
	defer clear(seed)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("read identity seed: %w", err)
	}
	return FromSecretKey(seed)
}

// FromSecretKey rebuilds an identity from its 32-byte Ed25519 seed. The input
// is copied; callers should wipe their own buffer.
func FromSecretKey(seed []byte) (*DeviceIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", ErrInvalidKeyLength, ed25519.SeedSize, len(seed))
	}
	secret := newSecretKey(seed)
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, secret.buf[ed25519.SeedSize:])
	id, err := BuildDeviceID(pub)
	if err != nil {
		secret.Wipe()
		return nil, err
	}
	return &DeviceIdentity{deviceID: id, public: pub, secret: secret}, nil
}

func (d *DeviceIdentity) DeviceID() string {
	return d.deviceID
}

func (d *DeviceIdentity) PublicKey() []byte {
	return append([]byte(nil), d.public...)
}

func (d *DeviceIdentity) Fingerprint() string {
	fp, _ := Fingerprint(d.public)
	return fp
}

// Sign returns the 64-byte Ed25519 signature of message. It panics only if
// the identity was wiped, which is a local programming error.
func (d *DeviceIdentity) Sign(message []byte) []byte {
	sig, err := d.secret.sign(message)
	if err != nil {
		panic(fmt.Sprintf("identity: sign with %v", err))
	}
	return sig
}

// Wipe destroys the secret key. Sign must not be called afterwards.
func (d *DeviceIdentity) Wipe() {
	d.secret.Wipe()
}

func (d *DeviceIdentity) String() string {
	return "DeviceIdentity(" + d.deviceID + ")"
}

// Verify reports whether sig is a valid signature of message under publicKey.
// Malformed keys or signatures yield false.
func Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}
