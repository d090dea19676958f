package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	deviceIDPrefix   = "ps1"
	fingerprintBytes = 8
)

func BuildDeviceID(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeyLength, ed25519.PublicKeySize, len(publicKey))
	}
	h := blake2b.Sum256(publicKey)
	return deviceIDPrefix + base58.Encode(h[:]), nil
}

// VerifyDeviceID reports whether deviceID was derived from publicKey.
func VerifyDeviceID(deviceID string, publicKey []byte) bool {
	expected, err := BuildDeviceID(publicKey)
	if err != nil {
		return false
	}
	return deviceID == expected
}

// Fingerprint is the short human-comparable hash of a public key: 16 upper-case
// hex characters of its blake2b-256 digest, domain separated from device ids.
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeyLength, ed25519.PublicKeySize, len(publicKey))
	}
	h, err := blake2b.New256([]byte("peersync/fingerprint/v1"))
	if err != nil {
		return "", err
	}
	h.Write(publicKey)
	sum := h.Sum(nil)
	return strings.ToUpper(hex.EncodeToString(sum[:fingerprintBytes])), nil
}

// FormatFingerprint groups a fingerprint in blocks of four for display.
func FormatFingerprint(fp string) string {
	var b strings.Builder
	for i, r := range fp {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
