package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"peersync/go-core/pkg/models"
)

const (
	CodeLength     = 6
	DefaultCodeTTL = 5 * time.Minute

	tokenPrefix = "p2p:pairing:"
)

var (
	ErrInvalidToken = errors.New("invalid pairing token")
	ErrInvalidCode  = errors.New("invalid pairing code")
)

var codeSpace = big.NewInt(1_000_000)

// Code is a short-lived pairing secret shown to the user together with the
// fingerprint of the device that issued it. It is valid until ExpiresAt or
// until consumed by one successful request, whichever comes first.
type Code struct {
	Value       string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	consumed bool
	attempts int
}

// GenerateCode draws a uniform 6-digit code.
func GenerateCode(fingerprint string, now time.Time, ttl time.Duration) (*Code, error) {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}
	return &Code{
		Value:       fmt.Sprintf("%06d", n.Int64()),
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// IsValid reports now < ExpiresAt for a code that has not been used yet.
func (c *Code) IsValid(now time.Time) bool {
	return c != nil && !c.consumed && now.Before(c.ExpiresAt)
}

func (c *Code) Consumed() bool {
	return c.consumed
}

func (c *Code) consume() {
	c.consumed = true
}

// Record returns the code with its usage state for persistence.
func (c *Code) Record() models.PairingCode {
	return models.PairingCode{
		Value:       c.Value,
		Fingerprint: c.Fingerprint,
		CreatedAt:   c.CreatedAt,
		ExpiresAt:   c.ExpiresAt,
		Consumed:    c.consumed,
		Attempts:    c.attempts,
	}
}

// CodeFromRecord rebuilds a code saved with Record. Usage state carries over,
// so a consumed or burned code stays unusable.
func CodeFromRecord(rec models.PairingCode) (*Code, error) {
	switch {
	case !VerifyCodeFormat(rec.Value):
		return nil, fmt.Errorf("%w: malformed value", ErrInvalidCode)
	case !isFingerprint(rec.Fingerprint):
		return nil, fmt.Errorf("%w: malformed fingerprint", ErrInvalidCode)
	case !rec.ExpiresAt.After(rec.CreatedAt):
		return nil, fmt.Errorf("%w: expiry before creation", ErrInvalidCode)
	case rec.Attempts < 0:
		return nil, fmt.Errorf("%w: negative attempts", ErrInvalidCode)
	}
	return &Code{
		Value:       rec.Value,
		Fingerprint: rec.Fingerprint,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		consumed:    rec.Consumed || rec.Attempts >= maxCodeAttempts,
		attempts:    rec.Attempts,
	}, nil
}

// VerifyCodeFormat reports whether s is exactly six ASCII digits.
func VerifyCodeFormat(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Token is the out-of-band payload a peer scans or types to start pairing.
func (c *Code) Token() string {
	return tokenPrefix + c.Value + ":" + c.Fingerprint
}

// QRCodePNG renders Token as a PNG of size x size pixels.
func (c *Code) QRCodePNG(size int) ([]byte, error) {
	return qrcode.Encode(c.Token(), qrcode.Medium, size)
}

// ParseToken splits a token produced by Token.
func ParseToken(token string) (code, fingerprint string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(token), tokenPrefix)
	if !ok {
		return "", "", ErrInvalidToken
	}
	code, fingerprint, ok = strings.Cut(rest, ":")
	if !ok || !VerifyCodeFormat(code) || !isFingerprint(fingerprint) {
		return "", "", ErrInvalidToken
	}
	return code, fingerprint, nil
}

func isFingerprint(s string) bool {
	if len(s) != 16 {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'A' || ch > 'F') {
			return false
		}
	}
	return true
}
