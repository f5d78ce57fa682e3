package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "converge.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Environments map[string]environmentKeys `yaml:"environments"`
}

type environmentKeys struct {
	Keys []string `yaml:"keys"`
}

// Keyring maps bearer keys to the environment they grant access to.
// Agents in different environments (home, office, a colleague's setup)
// carry distinct keys.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToEnvironment          map[string]string
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("CONVERGE_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, err := BootstrapDevKey(path, "dev"); err != nil {
				return nil, fmt.Errorf("bootstrap dev key: %w", err)
			}
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read keys file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := &Keyring{
		AllowLocalhostWithoutAuth: true,
		keyToEnvironment:          make(map[string]string),
	}
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for env, keys := range cfg.Environments {
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToEnvironment[key]; ok && existing != env {
				return nil, fmt.Errorf("key reused across environments: %q", key)
			}
			ring.keyToEnvironment[key] = env
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToEnvironment: make(map[string]string)}
}

func NewKeyring(allowLocalhost bool, keyToEnvironment map[string]string) *Keyring {
	clone := make(map[string]string, len(keyToEnvironment))
	for k, v := range keyToEnvironment {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToEnvironment: clone}
}

func (k *Keyring) EnvironmentForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	env, ok := k.keyToEnvironment[key]
	return env, ok
}
