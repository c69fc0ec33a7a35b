package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/nextlevelbuilder/debugprobe/internal/crypto"
)

const keyringService = "debugprobe"

// ErrNoToken is returned when no Hub token is configured or stored.
var ErrNoToken = errors.New("no hub token")

// StoreToken saves the Hub token for deviceID in the OS keyring.
func StoreToken(deviceID, token string) error {
	if err := keyring.Set(keyringService, deviceID, token); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// DeleteToken removes a stored token. Missing tokens are not an error.
func DeleteToken(deviceID string) error {
	err := keyring.Delete(keyringService, deviceID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

// SecretKeyEnv names the variable holding the key for sealed config values.
const SecretKeyEnv = "DEBUGPROBE_SECRET_KEY"

// ResolveToken returns the configured token, or the keyring entry for the
// device when TokenFromKeyring is set and no token was configured. A sealed
// config token is opened with the key in $DEBUGPROBE_SECRET_KEY.
func (c *Config) ResolveToken() (string, error) {
	if c.Hub.Token != "" {
		return openSecret(c.Hub.Token)
	}
	if !c.Hub.TokenFromKeyring {
		return "", nil
	}
	tok, err := keyring.Get(keyringService, c.DeviceID())
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return tok, nil
}

func openSecret(v string) (string, error) {
	if !crypto.IsSealed(v) {
		return v, nil
	}
	key := os.Getenv(SecretKeyEnv)
	if key == "" {
		return "", fmt.Errorf("hub.token is sealed but %s is not set", SecretKeyEnv)
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		return "", err
	}
	return box.Open(v)
}
