package identity

import (
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidRecoveryPhrase = errors.New("invalid recovery phrase")

// RecoveryPhrase encodes the identity seed as a 24-word BIP-39 mnemonic. It
// exists for explicit user backup only and must never be logged or sent.
func (d *DeviceIdentity) RecoveryPhrase() (string, error) {
	var phrase string
	err := d.secret.withSeed(func(seed []byte) error {
		m, err := bip39.NewMnemonic(seed)
		if err != nil {
			return err
		}
		phrase = m
		return nil
	})
	return phrase, err
}

func FromRecoveryPhrase(phrase string) (*DeviceIdentity, error) {
	phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	if phrase == "" || !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidRecoveryPhrase
	}
	seed, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, ErrInvalidRecoveryPhrase
	}
	defer clear(seed)
	return FromSecretKey(seed)
}
