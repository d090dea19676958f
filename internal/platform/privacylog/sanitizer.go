package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redactedValue = "[REDACTED]"

var (
	// fingerprintKey changes every process start, so fingerprints correlate
	// log lines within one run but not across runs.
	fingerprintKey = newFingerprintKey()

	// Values under these keys identify a device, peer or session. They are
	// logged as keyed fingerprints under "<key>_fp".
	identifierKeys = map[string]struct{}{
		"device_id":           {},
		"peer_id":             {},
		"peer_device_id":      {},
		"initiator_device_id": {},
		"request_id":          {},
		"session_id":          {},
		"last_modified_by":    {},
	}
	// Any key containing one of these is dropped to redactedValue.
	secretKeyParts = []string{
		"secret", "seed", "private", "passphrase", "password", "mnemonic", "recovery",
		"session_key", "shared", "pairing_code", "token", "plaintext",
	}
)

// SanitizingHandler rewrites records before they reach next: secret-bearing
// attributes are redacted, identifiers are fingerprinted and raw byte payloads
// are reduced to their length.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the handler's rules to one attribute. LogValuers are
// resolved first, and groups are sanitized member by member.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	class := classify(key)
	if class == classSecret {
		return slog.String(key, redactedValue)
	}
	value := attr.Value.Resolve()
	switch {
	case class == classIdentifier:
		return slog.String(fingerprintKeyName(key), FingerprintID(value.String()))
	case value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(value.Group())...)}
	}
	if b, ok := value.Any().([]byte); ok && value.Kind() == slog.KindAny {
		return slog.String(key, byteSummary(b))
	}
	return slog.Attr{Key: key, Value: value}
}

// SanitizeArgs applies the same rules to alternating key/value arguments.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		switch classify(key) {
		case classSecret:
			out = append(out, key, redactedValue)
		case classIdentifier:
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			if b, ok := value.([]byte); ok {
				value = byteSummary(b)
			}
			out = append(out, key, value)
		}
	}
	return out
}

// FingerprintID returns a short keyed hash of value, stable for the life of
// the process. Empty input stays empty.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	h, err := blake2b.New(8, fingerprintKey)
	if err != nil {
		return redactedValue
	}
	h.Write([]byte(trimmed))
	return "fp_" + hex.EncodeToString(h.Sum(nil))
}

type keyClass int

const (
	classPlain keyClass = iota
	classSecret
	classIdentifier
)

func classify(key string) keyClass {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return classSecret
		}
	}
	if _, ok := identifierKeys[lower]; ok {
		return classIdentifier
	}
	return classPlain
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

// byteSummary stands in for key material, ciphertext and file content.
func byteSummary(b []byte) string {
	return fmt.Sprintf("[%d bytes]", len(b))
}

func newFingerprintKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("privacylog: cannot seed fingerprint key: " + err.Error())
	}
	return key
}
