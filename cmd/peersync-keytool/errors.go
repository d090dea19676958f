package main

import (
	"errors"

	"peersync/go-core/internal/securestore"
)

func isAuthError(err error) bool {
	return errors.Is(err, securestore.ErrAuthFailed) ||
		errors.Is(err, securestore.ErrInvalid) ||
		errors.Is(err, securestore.ErrNotSealed)
}
