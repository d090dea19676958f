package identity

import (
	"peersync/go-core/internal/securestore"
)

const sealPurpose = "peersync/identity/v1"

// SealSecret encrypts the identity seed under passphrase for storage.
func (d *DeviceIdentity) SealSecret(passphrase string) ([]byte, error) {
	var sealed []byte
	err := d.secret.withSeed(func(seed []byte) error {
		out, err := securestore.Seal(passphrase, sealPurpose, seed)
		if err != nil {
			return err
		}
		sealed = out
		return nil
	})
	return sealed, err
}

func OpenSealedSecret(passphrase string, sealed []byte) (*DeviceIdentity, error) {
	seed, err := securestore.Open(passphrase, sealPurpose, sealed)
	if err != nil {
		return nil, err
	}
	defer clear(seed)
	return FromSecretKey(seed)
}
