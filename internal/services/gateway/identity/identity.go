// Package identity signs and verifies protocol messages and proofs with each
// gateway's ed25519 key pair.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

var (
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = apperrors.New(apperrors.CodeBadSignature, "signature verification failed")
	// ErrUnknownGateway is returned when no public key is known for a gateway.
	ErrUnknownGateway = apperrors.New(apperrors.CodeUnknownGateway, "unknown gateway")
	// ErrInvalidProof is returned when a proof is unsigned, unbound or mis-signed.
	ErrInvalidProof = apperrors.New(apperrors.CodeInvalidProof, "invalid proof")
)

// KeyPair is a gateway's signing identity.
type KeyPair struct {
	GatewayID  string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new key pair for gatewayID. A nil reader uses
// crypto/rand.
func GenerateKeyPair(gatewayID string, reader io.Reader) (KeyPair, error) {
	gatewayID = strings.TrimSpace(gatewayID)
	if gatewayID == "" {
		return KeyPair{}, errors.New("gateway id is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{GatewayID: gatewayID, PublicKey: pub, PrivateKey: priv}, nil
}

// Fingerprint returns a short hex identifier for a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Signer signs outbound messages and proofs on behalf of the local gateway.
type Signer struct {
	keys KeyPair
}

// NewSigner validates keys and returns a Signer.
func NewSigner(keys KeyPair) (*Signer, error) {
	if strings.TrimSpace(keys.GatewayID) == "" {
		return nil, errors.New("gateway id is required")
	}
	if len(keys.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return &Signer{keys: keys}, nil
}

// GatewayID returns the local gateway id.
func (s *Signer) GatewayID() string {
	return s.keys.GatewayID
}

// PublicKey returns the local public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.keys.PrivateKey.Public().(ed25519.PublicKey)
}

// SignMessage stamps the sender id and signs m in place.
func (s *Signer) SignMessage(m *protocol.Message) {
	m.SenderGatewayID = s.keys.GatewayID
	m.Signature = ed25519.Sign(s.keys.PrivateKey, m.SigningBytes())
}

// SignProof binds p to the session position and signs it in place.
func (s *Signer) SignProof(p *protocol.Proof, sessionID string, seq uint64) {
	p.SessionID = sessionID
	p.SequenceNumber = seq
	p.Signer = s.keys.GatewayID
	p.Signature = ed25519.Sign(s.keys.PrivateKey, p.SigningBytes())
}

// Directory maps gateway ids to their known public keys.
type Directory struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{keys: make(map[string]ed25519.PublicKey)}
}

// Register records the public key of a gateway.
func (d *Directory) Register(gatewayID string, pub ed25519.PublicKey) error {
	gatewayID = strings.TrimSpace(gatewayID)
	if gatewayID == "" {
		return errors.New("gateway id is required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s must be %d bytes", gatewayID, ed25519.PublicKeySize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[gatewayID] = append(ed25519.PublicKey(nil), pub...)
	return nil
}

// PublicKey returns the key registered for gatewayID.
func (d *Directory) PublicKey(gatewayID string) (ed25519.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[gatewayID]
	return pub, ok
}

// VerifyMessage checks m's signature against its sender's registered key.
func (d *Directory) VerifyMessage(m protocol.Message) error {
	pub, ok := d.PublicKey(m.SenderGatewayID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGateway, m.SenderGatewayID)
	}
	if !ed25519.Verify(pub, m.SigningBytes(), m.Signature) {
		return fmt.Errorf("%w: message %s/%d from %s", ErrBadSignature, m.SessionID, m.SequenceNumber, m.SenderGatewayID)
	}
	return nil
}

// VerifyProof checks that p was signed by signer and is bound to the given
// session position.
func (d *Directory) VerifyProof(p protocol.Proof, signer, sessionID string, seq uint64) error {
	if p.Signer != signer {
		return fmt.Errorf("%w: signed by %q, expected %q", ErrInvalidProof, p.Signer, signer)
	}
	if !p.Bound(sessionID, seq) {
		return fmt.Errorf("%w: bound to %s/%d, expected %s/%d", ErrInvalidProof, p.SessionID, p.SequenceNumber, sessionID, seq)
	}
	pub, ok := d.PublicKey(signer)
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrInvalidProof, ErrUnknownGateway, signer)
	}
	if !ed25519.Verify(pub, p.SigningBytes(), p.Signature) {
		return fmt.Errorf("%w: signature does not verify", ErrInvalidProof)
	}
	return nil
}
