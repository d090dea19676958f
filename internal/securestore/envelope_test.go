package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	data, err := Seal("pass", "identity", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open("pass", "identity", data)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestOpenTamperedFailsDeterministically(t *testing.T) {
	data, err := Seal("pass", "identity", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	data[len(data)-4] ^= 0xFF
	_, err = Open("pass", "identity", data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestOpenRejectsWrongPassphraseAndPurpose(t *testing.T) {
	data, err := Seal("pass", "journal", []byte("payload"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open("other", "journal", data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for wrong passphrase, got %v", err)
	}
	if _, err := Open("pass", "identity", data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for wrong purpose, got %v", err)
	}
}

func TestOpenRejectsPlaintextAndHostileKDF(t *testing.T) {
	if _, err := Open("pass", "identity", []byte(`{"files":{}}`)); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}

	env, err := SealEnvelope("pass", "identity", []byte("secret"))
	if err != nil {
		t.Fatalf("seal envelope failed: %v", err)
	}
	env.KDFMemoryKB = 1 << 30
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err := Open("pass", "identity", append([]byte(filePrefix), raw...)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for oversized kdf memory, got %v", err)
	}
}

func TestSealRequiresPassphrase(t *testing.T) {
	if _, err := Seal("", "identity", []byte("x")); !errors.Is(err, ErrPassphraseNeeded) {
		t.Fatalf("expected ErrPassphraseNeeded, got %v", err)
	}
}

func TestWriteReadSealedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "trusted.enc")
	in := map[string]int{"a": 1, "b": 2}
	if err := WriteSealedJSON(path, "pass", "trusted", in); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected file mode: %o", perm)
	}
	var out map[string]int
	if err := ReadSealedJSON(path, "pass", "trusted", &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out["a"] != 1 || out["b"] != 2 || len(out) != 2 {
		t.Fatalf("unexpected payload: %#v", out)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, got %d entries", len(entries))
	}
}
