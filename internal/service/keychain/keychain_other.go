//go:build !darwin

package keychain

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

type secretStore struct {
	open func() (keyring.Keyring, error)
}

func newKeychain() Keychain {
	return &secretStore{open: func() (keyring.Keyring, error) {
		return keyring.Open(keyring.Config{
			ServiceName: ServiceID,
			AllowedBackends: []keyring.BackendType{
				keyring.SecretServiceBackend,
				keyring.KWalletBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
			},
		})
	}}
}

func (kc *secretStore) GetPassword(ctx context.Context, account string) (string, error) {
	if account == "" {
		return "", ErrAccountRequired
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ring, err := kc.open()
	if err != nil {
		return "", fmt.Errorf("open keyring: %w", err)
	}
	item, err := ring.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("no password stored for account %q", account)
	}
	if err != nil {
		return "", fmt.Errorf("keyring lookup failed: %w", err)
	}
	return string(item.Data), nil
}
