package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

func mustKeyPair(t *testing.T, gatewayID string, seed byte) KeyPair {
	t.Helper()
	keys, err := GenerateKeyPair(gatewayID, bytes.NewReader(bytes.Repeat([]byte{seed}, ed25519.SeedSize)))
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return keys
}

func mustSigner(t *testing.T, keys KeyPair) *Signer {
	t.Helper()
	signer, err := NewSigner(keys)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func TestSignAndVerifyMessage(t *testing.T) {
	keys := mustKeyPair(t, "gw1", 1)
	signer := mustSigner(t, keys)
	dir := NewDirectory()
	if err := dir.Register("gw1", keys.PublicKey); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := protocol.Message{SessionID: "s1", SequenceNumber: 1, Stage: protocol.StagePreTransfer, Type: protocol.MessageTransferProposal}
	signer.SignMessage(&msg)
	if msg.SenderGatewayID != "gw1" {
		t.Fatalf("expected sender to be stamped, got %q", msg.SenderGatewayID)
	}
	if err := dir.VerifyMessage(msg); err != nil {
		t.Fatalf("verify: %v", err)
	}

	msg.SequenceNumber = 2
	if err := dir.VerifyMessage(msg); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature after tamper, got %v", err)
	}
}

func TestVerifyMessageUnknownGateway(t *testing.T) {
	signer := mustSigner(t, mustKeyPair(t, "gw9", 9))
	msg := protocol.Message{SessionID: "s1", SequenceNumber: 1}
	signer.SignMessage(&msg)

	if err := NewDirectory().VerifyMessage(msg); !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("expected unknown gateway, got %v", err)
	}
}

func TestVerifyMessageWrongKey(t *testing.T) {
	signer := mustSigner(t, mustKeyPair(t, "gw1", 1))
	other := mustKeyPair(t, "gw1", 2)
	dir := NewDirectory()
	if err := dir.Register("gw1", other.PublicKey); err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := protocol.Message{SessionID: "s1", SequenceNumber: 1}
	signer.SignMessage(&msg)

	if err := dir.VerifyMessage(msg); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestSignAndVerifyProof(t *testing.T) {
	keys := mustKeyPair(t, "gw1", 1)
	signer := mustSigner(t, keys)
	dir := NewDirectory()
	if err := dir.Register("gw1", keys.PublicKey); err != nil {
		t.Fatalf("register: %v", err)
	}

	proof := protocol.Proof{Kind: protocol.ProofLock, LedgerID: "L1", AssetRef: "A1", Amount: 100, Claim: []byte("receipt")}
	signer.SignProof(&proof, "s1", 3)

	if err := dir.VerifyProof(proof, "gw1", "s1", 3); err != nil {
		t.Fatalf("verify proof: %v", err)
	}

	tests := []struct {
		name    string
		signer  string
		session string
		seq     uint64
		mutate  func(*protocol.Proof)
	}{
		{name: "wrong signer", signer: "gw2", session: "s1", seq: 3},
		{name: "wrong session", signer: "gw1", session: "s2", seq: 3},
		{name: "wrong sequence", signer: "gw1", session: "s1", seq: 4},
		{name: "tampered amount", signer: "gw1", session: "s1", seq: 3, mutate: func(p *protocol.Proof) { p.Amount = 1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := proof
			if tc.mutate != nil {
				tc.mutate(&p)
			}
			if err := dir.VerifyProof(p, tc.signer, tc.session, tc.seq); !errors.Is(err, ErrInvalidProof) {
				t.Fatalf("expected invalid proof, got %v", err)
			}
		})
	}
}

func TestNewSignerValidates(t *testing.T) {
	if _, err := NewSigner(KeyPair{}); err == nil {
		t.Fatal("expected error for empty key pair")
	}
	if _, err := GenerateKeyPair(" ", nil); err == nil {
		t.Fatal("expected error for blank gateway id")
	}
}

func TestParsePeers(t *testing.T) {
	gw2 := mustKeyPair(t, "gw2", 2)
	gw3 := mustKeyPair(t, "gw3", 3)
	spec := FormatPeer(Peer{GatewayID: "gw2", PublicKey: gw2.PublicKey, Addr: "127.0.0.1:9092"}) + ", " +
		FormatPeer(Peer{GatewayID: "gw3", PublicKey: gw3.PublicKey})

	peers, err := ParsePeers(spec)
	if err != nil {
		t.Fatalf("parse peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].Addr != "127.0.0.1:9092" || peers[1].Addr != "" {
		t.Fatalf("unexpected addresses %q %q", peers[0].Addr, peers[1].Addr)
	}
	dir, err := DirectoryFromPeers(peers)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	if pub, ok := dir.PublicKey("gw3"); !ok || !pub.Equal(gw3.PublicKey) {
		t.Fatal("expected gw3 key in directory")
	}

	for _, bad := range []string{"gw2", "=abc", "gw2=not-base64!", "gw2=AAAA", spec + "," + spec} {
		if _, err := ParsePeers(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if peers, err := ParsePeers("  "); err != nil || peers != nil {
		t.Fatalf("expected empty result, got %v %v", peers, err)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	keys := mustKeyPair(t, "gw1", 7)
	path := filepath.Join(t.TempDir(), "keys", "gw1.json")

	if err := SaveKeystore(path, "correct horse", keys); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := LoadKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.GatewayID != "gw1" || !loaded.PrivateKey.Equal(keys.PrivateKey) {
		t.Fatal("expected loaded keys to match")
	}

	if _, err := LoadKeystore(path, "wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected wrong passphrase, got %v", err)
	}
}

func TestSaveKeystoreValidates(t *testing.T) {
	keys := mustKeyPair(t, "gw1", 7)
	if err := SaveKeystore("", "pass", keys); err == nil {
		t.Fatal("expected missing path error")
	}
	if err := SaveKeystore(filepath.Join(t.TempDir(), "k.json"), "", keys); err == nil {
		t.Fatal("expected missing passphrase error")
	}
}

func TestFingerprintStable(t *testing.T) {
	keys := mustKeyPair(t, "gw1", 1)
	if Fingerprint(keys.PublicKey) != Fingerprint(keys.PublicKey) || len(Fingerprint(keys.PublicKey)) != 16 {
		t.Fatal("expected stable 16-char fingerprint")
	}
}
