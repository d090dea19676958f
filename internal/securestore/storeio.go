package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadSealedFile reads and opens a sealed file.
func ReadSealedFile(path, passphrase, purpose string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(passphrase, purpose, raw)
}

// ReadSealedJSON opens a sealed file and decodes its JSON payload into v.
func ReadSealedJSON(path, passphrase, purpose string, v any) error {
	plain, err := ReadSealedFile(path, passphrase, purpose)
	if err != nil {
		return err
	}
	defer zeroBytes(plain)
	return json.Unmarshal(plain, v)
}

// WriteSealedJSON marshals, seals and atomically replaces path.
func WriteSealedJSON(path, passphrase, purpose string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer zeroBytes(payload)
	sealed, err := Seal(passphrase, purpose, payload)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, sealed)
}

// WriteFileAtomic writes through a temp file in the same directory and renames
// it over path, so readers never observe a partial snapshot.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
