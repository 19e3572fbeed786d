package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// Peer is a counterparty gateway known to this gateway.
type Peer struct {
	GatewayID string
	PublicKey ed25519.PublicKey
	Addr      string
}

// ParsePeers parses a comma separated list of `id=base64pub@host:port`
// entries. The address part is optional.
func ParsePeers(spec string) ([]Peer, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var peers []Peer
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, rest, ok := strings.Cut(raw, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("peer %q: expected id=key[@addr]", raw)
		}
		encoded, addr, _ := strings.Cut(rest, "@")
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("peer %s: decode public key: %w", id, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("peer %s: public key must be %d bytes", id, ed25519.PublicKeySize)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("peer %s: duplicate entry", id)
		}
		seen[id] = struct{}{}
		peers = append(peers, Peer{GatewayID: id, PublicKey: key, Addr: strings.TrimSpace(addr)})
	}
	return peers, nil
}

// FormatPeer renders a peer in the ParsePeers format.
func FormatPeer(p Peer) string {
	out := p.GatewayID + "=" + base64.StdEncoding.EncodeToString(p.PublicKey)
	if p.Addr != "" {
		out += "@" + p.Addr
	}
	return out
}

// DirectoryFromPeers registers every peer's key in a new directory.
func DirectoryFromPeers(peers []Peer) (*Directory, error) {
	dir := NewDirectory()
	for _, p := range peers {
		if err := dir.Register(p.GatewayID, p.PublicKey); err != nil {
			return nil, err
		}
	}
	return dir, nil
}
