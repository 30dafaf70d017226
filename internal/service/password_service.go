package service

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service/keychain"
)

const shellPasswordTimeout = 10 * time.Second

// PasswordService resolves secrets based on password configuration
type PasswordService struct {
	keychainClient keychain.Keychain
}

func NewPasswordService() *PasswordService {
	return &PasswordService{keychainClient: keychain.NewKeychain()}
}

// Resolve returns the secret for cfg. It is called on every connect and
// reconnect so rotated secrets are picked up.
func (ps *PasswordService) Resolve(ctx context.Context, cfg *model.PasswordConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("password config is nil")
	}

	switch cfg.Type {
	case "plain_text":
		if cfg.Key == "" {
			return "", fmt.Errorf("password key cannot be empty")
		}
		return cfg.Key, nil
	case "shell":
		return ps.resolveShell(ctx, cfg.Key)
	case "keychain":
		return ps.resolveKeychain(ctx, cfg.Key)
	default:
		return "", fmt.Errorf("unsupported password provider type: %s", cfg.Type)
	}
}

func (ps *PasswordService) resolveShell(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("shell password command cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, shellPasswordTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("shell password command timed out: %w", ctx.Err())
		}
		return "", fmt.Errorf("shell password command failed: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}

func (ps *PasswordService) resolveKeychain(ctx context.Context, account string) (string, error) {
	if strings.TrimSpace(account) == "" {
		return "", fmt.Errorf("keychain account cannot be empty")
	}

	secret, err := ps.keychainClient.GetPassword(ctx, account)
	if err != nil {
		return "", fmt.Errorf("keychain lookup failed: %w", err)
	}

	return strings.TrimSpace(secret), nil
}
