package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InitKeysFile appends a freshly generated key for environment to the
// keys file at path, creating the file if needed. Existing keys are
// preserved. Returns the new key.
func InitKeysFile(path, environment string) (string, error) {
	path = strings.TrimSpace(path)
	environment = strings.TrimSpace(environment)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if environment == "" {
		return "", fmt.Errorf("environment required")
	}

	cfg, err := readKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Environments == nil {
		cfg.Environments = make(map[string]environmentKeys)
	}
	key, err := generateDevKey()
	if err != nil {
		return "", err
	}
	ek := cfg.Environments[environment]
	ek.Keys = append(ek.Keys, key)
	cfg.Environments[environment] = ek
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func readKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}
