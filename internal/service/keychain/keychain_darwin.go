//go:build darwin

package keychain

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type securityCLI struct {
	path string
}

func newKeychain() Keychain {
	return &securityCLI{path: "/usr/bin/security"}
}

func (kc *securityCLI) GetPassword(ctx context.Context, account string) (string, error) {
	if account == "" {
		return "", ErrAccountRequired
	}

	cmd := exec.CommandContext(ctx, kc.path, "find-generic-password", "-s", ServiceID, "-a", account, "-w")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("keychain lookup failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}
