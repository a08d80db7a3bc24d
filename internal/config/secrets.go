package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const keyringService = appName

// Keyring accounts holding secret config values.
const (
	accountAPIToken     = "api_token"
	accountWebSearchKey = "ollama_web_search_key"
	accountStorageDSN   = "storage_dsn"
)

// ErrSecretNotFound is returned when the keyring has no entry for an account.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain is the platform secret store.
type Keychain interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

type systemKeychain struct{}

// NewKeychain returns the system keyring (macOS Keychain, Secret Service on
// Linux, Windows Credential Manager).
func NewKeychain() Keychain { return systemKeychain{} }

func (systemKeychain) Get(account string) (string, error) {
	v, err := keyring.Get(keyringService, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrSecretNotFound
	}
	return v, err
}

func (systemKeychain) Set(account, value string) error {
	return keyring.Set(keyringService, account, value)
}

// GetAPIToken returns the bearer token protecting the HTTP API, generating
// and storing one on first use. JOBHARVEST_API_TOKEN takes precedence.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv(envPrefix + "API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := kc.Get(accountAPIToken)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := kc.Set(accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetSecret stores a secret config key in the keyring.
func SetSecret(kc Keychain, key, value string) error {
	for _, s := range specs {
		if s.key == key && s.secret {
			return kc.Set(s.account, value)
		}
	}
	return fmt.Errorf("%q is not a secret config key", key)
}
