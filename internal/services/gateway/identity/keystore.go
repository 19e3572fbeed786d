package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keystoreVersion = 1
	saltBytes       = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrWrongPassphrase is returned when a keystore cannot be opened.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

type keystoreFile struct {
	Version   int    `json:"v"`
	GatewayID string `json:"gateway_id"`
	PublicKey []byte `json:"public_key"`
	Salt      []byte `json:"salt"`
	Time      uint32 `json:"argon2_t"`
	Memory    uint32 `json:"argon2_m"`
	Threads   uint8  `json:"argon2_p"`
	Nonce     []byte `json:"nonce"`
	Cipher    []byte `json:"cipher"`
}

// SaveKeystore seals the private key under passphrase and writes it to path
// atomically.
func SaveKeystore(path, passphrase string, keys KeyPair) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("keystore path is required")
	}
	if passphrase == "" {
		return errors.New("keystore passphrase is required")
	}
	if len(keys.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, argonTime, argonMemory, argonThreads))
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	file := keystoreFile{
		Version:   keystoreVersion,
		GatewayID: keys.GatewayID,
		PublicKey: keys.PrivateKey.Public().(ed25519.PublicKey),
		Salt:      salt,
		Time:      argonTime,
		Memory:    argonMemory,
		Threads:   argonThreads,
		Nonce:     nonce,
	}
	file.Cipher = aead.Seal(nil, nonce, keys.PrivateKey.Seed(), []byte(keys.GatewayID))

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadKeystore opens a keystore written by SaveKeystore.
func LoadKeystore(path, passphrase string) (KeyPair, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return KeyPair{}, fmt.Errorf("read keystore: %w", err)
	}
	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return KeyPair{}, fmt.Errorf("decode keystore: %w", err)
	}
	if file.Version > keystoreVersion {
		return KeyPair{}, fmt.Errorf("unsupported keystore version %d", file.Version)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, file.Salt, file.Time, file.Memory, file.Threads))
	if err != nil {
		return KeyPair{}, fmt.Errorf("init cipher: %w", err)
	}
	if len(file.Nonce) != aead.NonceSize() {
		return KeyPair{}, ErrWrongPassphrase
	}
	seed, err := aead.Open(nil, file.Nonce, file.Cipher, []byte(file.GatewayID))
	if err != nil || len(seed) != ed25519.SeedSize {
		return KeyPair{}, ErrWrongPassphrase
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if !pub.Equal(ed25519.PublicKey(file.PublicKey)) {
		return KeyPair{}, ErrWrongPassphrase
	}
	return KeyPair{GatewayID: file.GatewayID, PublicKey: pub, PrivateKey: priv}, nil
}

func deriveKey(passphrase string, salt []byte, t, m uint32, p uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, t, m, p, chacha20poly1305.KeySize)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return fmt.Errorf("create temp keystore: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close keystore: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod keystore: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename keystore: %w", err)
	}
	return nil
}
