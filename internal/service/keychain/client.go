// Package keychain reads resource passwords from the platform secret store.
package keychain

import (
	"context"
	"errors"
)

// Keychain fetches secrets stored under ServiceID.
type Keychain interface {
	GetPassword(ctx context.Context, account string) (string, error)
}

// ServiceID is the service name passwords are stored under.
const ServiceID = "ori.db"

var ErrAccountRequired = errors.New("keychain account is required")

// NewKeychain returns the client for the current platform.
func NewKeychain() Keychain {
	return newKeychain()
}
