// Package storage loads the resource catalog from disk.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crueladdict/ori/apps/ori-runner/internal/model"
)

type ResourceLoader struct {
	resourcesPath string
}

func NewResourceLoader(resourcesPath string) *ResourceLoader {
	return &ResourceLoader{
		resourcesPath: resourcesPath,
	}
}

// Path returns the resource file path
func (rl *ResourceLoader) Path() string { return rl.resourcesPath }

// Load reads the resource file. Files ending in .json are decoded as JSON,
// everything else as YAML.
func (rl *ResourceLoader) Load() (*model.Config, error) {
	data, err := os.ReadFile(rl.resourcesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource file: %w", err)
	}

	config, err := Decode(data, filepath.Ext(rl.resourcesPath))
	if err != nil {
		return nil, err
	}
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid resource: %w", err)
	}
	return config, nil
}

// Decode parses a resource document. Unknown keys are rejected so typos in
// the catalog do not go unnoticed.
func Decode(data []byte, ext string) (*model.Config, error) {
	var config model.Config
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to parse resource file: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&config); err != nil && err.Error() != "EOF" {
			return nil, fmt.Errorf("failed to parse resource file: %w", err)
		}
	}
	return &config, nil
}

// Validate checks required fields per resource type.
func Validate(config *model.Config) error {
	seen := make(map[string]bool, len(config.Resources))
	for i, res := range config.Resources {
		if res.Name == "" {
			return fmt.Errorf("resource at index %d: name is required", i)
		}
		if seen[res.Name] {
			return fmt.Errorf("resource '%s': duplicate name", res.Name)
		}
		seen[res.Name] = true
		if res.Type == "" {
			return fmt.Errorf("resource '%s': type is required", res.Name)
		}

		switch strings.ToLower(res.Type) {
		case model.TypeSQLite, model.TypeDuckDB:
			if res.Type == model.TypeSQLite && res.Database == "" {
				return fmt.Errorf("resource '%s': database is required", res.Name)
			}
			if res.TLS != nil {
				slog.Warn("tls settings ignored for file based resource", slog.String("resource", res.Name))
			}
		case model.TypePostgres, model.TypePostgreSQL, model.TypeMySQL, model.TypeMariaDB:
			if res.Host == nil || *res.Host == "" {
				return fmt.Errorf("resource '%s': host is required", res.Name)
			}
			if res.Port != nil && *res.Port <= 0 {
				return fmt.Errorf("resource '%s': port must be positive", res.Name)
			}
			if res.Username == nil || *res.Username == "" {
				return fmt.Errorf("resource '%s': username is required", res.Name)
			}
			if err := validatePassword(res.Name, res.Password); err != nil {
				return err
			}
		default:
			return fmt.Errorf("resource '%s': type '%s' is not supported", res.Name, res.Type)
		}

		if err := validateEngine(res.Name, res.Engine); err != nil {
			return err
		}
	}
	return nil
}

func validatePassword(name string, cfg *model.PasswordConfig) error {
	if cfg == nil {
		return nil
	}
	if cfg.Type == "" {
		return fmt.Errorf("resource '%s': password.type is required", name)
	}

	switch cfg.Type {
	case "plain_text", "shell", "keychain":
		if cfg.Key == "" {
			return fmt.Errorf("resource '%s': password.key is required", name)
		}
	default:
		return fmt.Errorf("resource '%s': password.type '%s' is not supported", name, cfg.Type)
	}
	return nil
}

func validateEngine(name string, e *model.EngineDefaults) error {
	if e == nil {
		return nil
	}
	if e.RowLimit != nil && *e.RowLimit < 0 {
		return fmt.Errorf("resource '%s': engine.rowLimit cannot be negative", name)
	}
	return nil
}
