package integrity

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	envHMACKeys  = "SATP_GATEWAY_AUDIT_HMAC_KEYS"
	envHMACKey   = "SATP_GATEWAY_AUDIT_HMAC_KEY"
	envHMACKeyID = "SATP_GATEWAY_AUDIT_HMAC_KEY_ID"
	defaultKeyID = "v1"
)

// ErrKeyNotConfigured is returned by KeyringFromEnv when no key is set.
var ErrKeyNotConfigured = errors.New("audit hmac key is not configured")

// KeyringFromEnv loads the HMAC keyring configuration from environment
// variables. SATP_GATEWAY_AUDIT_HMAC_KEYS holds a comma separated list of
// id=secret pairs; SATP_GATEWAY_AUDIT_HMAC_KEY a single secret.
func KeyringFromEnv() (*Keyring, error) {
	keyID := strings.TrimSpace(os.Getenv(envHMACKeyID))
	if keyID == "" {
		keyID = defaultKeyID
	}

	keySpec := strings.TrimSpace(os.Getenv(envHMACKeys))
	if keySpec == "" {
		raw := strings.TrimSpace(os.Getenv(envHMACKey))
		if raw == "" {
			return nil, fmt.Errorf("%w: set %s or %s", ErrKeyNotConfigured, envHMACKey, envHMACKeys)
		}
		return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
	}

	keys, err := ParseKeys(keySpec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envHMACKeys, err)
	}
	return NewKeyring(keys, keyID)
}

// ParseKeys parses an id=secret list.
func ParseKeys(spec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		value = strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid key entry %q", entry)
		}
		keys[id] = []byte(value)
	}
	return keys, nil
}
