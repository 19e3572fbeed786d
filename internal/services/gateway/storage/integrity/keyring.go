package integrity

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// sessionKeyInfo prefixes the HKDF info string. Changing it invalidates
// every stored signature.
const sessionKeyInfo = "satp-session:"

var (
	// ErrNoKeyring is returned when signing or verifying without a keyring.
	ErrNoKeyring = errors.New("audit keyring is not configured")
	// ErrUnknownKey is returned for a signature made with a key id the
	// keyring does not hold.
	ErrUnknownKey = errors.New("unknown signature key id")
	// ErrBadSignature is returned when a chain hash signature does not match.
	ErrBadSignature = errors.New("chain hash signature mismatch")
)

// rootKey is one configured secret. Signing keys are derived from it per
// session, so a signature copied between sessions never verifies.
type rootKey struct {
	id     string
	secret []byte
}

func (r rootKey) mac(sessionID, chainHash string) ([]byte, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	derived, err := hkdf.Key(sha256.New, r.secret, nil, sessionKeyInfo+sessionID, sha256.Size)
	if err != nil {
		return nil, fmt.Errorf("derive key %s for session %s: %w", r.id, sessionID, err)
	}
	h := hmac.New(sha256.New, derived)
	h.Write([]byte(chainHash))
	return h.Sum(nil), nil
}

// Keyring holds the root keys that sign chain hashes. Only the active key
// signs; every held key verifies, which lets keys rotate without re-sealing.
type Keyring struct {
	roots  map[string]rootKey
	active rootKey
}

// NewKeyring builds a keyring from id to secret. activeKeyID names the key
// used for new signatures and must be one of keys. The secrets are copied.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one audit hmac key is required")
	}
	roots := make(map[string]rootKey, len(keys))
	for id, secret := range keys {
		id = strings.TrimSpace(id)
		if id == "" || len(secret) == 0 {
			return nil, fmt.Errorf("audit hmac key %q is empty", id)
		}
		roots[id] = rootKey{id: id, secret: slices.Clone(secret)}
	}
	active, ok := roots[strings.TrimSpace(activeKeyID)]
	if !ok {
		return nil, fmt.Errorf("active audit hmac key %q is not configured", activeKeyID)
	}
	return &Keyring{roots: roots, active: active}, nil
}

// ActiveKeyID returns the id of the signing key.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.active.id
}

// SignChainHash signs the chain hash of an entry in sessionID. It returns
// the hex signature and the id of the key that made it.
func (k *Keyring) SignChainHash(sessionID, chainHash string) (signature, keyID string, err error) {
	if k == nil {
		return "", "", ErrNoKeyring
	}
	sum, err := k.active.mac(sessionID, chainHash)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(sum), k.active.id, nil
}

// VerifyChainHash checks a signature made by SignChainHash with keyID.
func (k *Keyring) VerifyChainHash(sessionID, chainHash, signature, keyID string) error {
	if k == nil {
		return ErrNoKeyring
	}
	root, ok := k.roots[strings.TrimSpace(keyID)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}
	want, err := root.mac(sessionID, chainHash)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
