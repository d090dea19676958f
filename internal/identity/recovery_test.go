package identity

import (
	"errors"
	"strings"
	"testing"

	"peersync/go-core/internal/securestore"
)

func TestRecoveryPhraseRoundtrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	phrase, err := id.RecoveryPhrase()
	if err != nil {
		t.Fatalf("recovery phrase failed: %v", err)
	}
	if n := len(strings.Fields(phrase)); n != 24 {
		t.Fatalf("expected 24 words, got %d", n)
	}
	restored, err := FromRecoveryPhrase("  " + strings.ToUpper(phrase) + "\n")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.DeviceID() != id.DeviceID() {
		t.Fatalf("restored identity mismatch: %s != %s", restored.DeviceID(), id.DeviceID())
	}
}

func TestFromRecoveryPhraseRejectsGarbage(t *testing.T) {
	for _, phrase := range []string{"", "abandon", "not a valid phrase at all"} {
		if _, err := FromRecoveryPhrase(phrase); !errors.Is(err, ErrInvalidRecoveryPhrase) {
			t.Fatalf("phrase %q: expected ErrInvalidRecoveryPhrase, got %v", phrase, err)
		}
	}
}

func TestSealOpenSecret(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	sealed, err := id.SealSecret("correct horse")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	restored, err := OpenSealedSecret("correct horse", sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if restored.DeviceID() != id.DeviceID() {
		t.Fatal("restored identity mismatch")
	}
	if _, err := OpenSealedSecret("wrong", sealed); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
