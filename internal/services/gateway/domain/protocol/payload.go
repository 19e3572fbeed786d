package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAsset is returned for incomplete asset descriptors.
var ErrInvalidAsset = errors.New("invalid asset")

// Asset describes the value moved by a transfer on its source ledger.
type Asset struct {
	LedgerID string `cbor:"1,keyasint" json:"ledgerId"`
	AssetRef string `cbor:"2,keyasint" json:"assetRef"`
	Amount   uint64 `cbor:"3,keyasint" json:"amount"`
}

// Validate checks the descriptor fields.
func (a Asset) Validate() error {
	switch {
	case strings.TrimSpace(a.LedgerID) == "":
		return fmt.Errorf("%w: ledger id is required", ErrInvalidAsset)
	case strings.TrimSpace(a.AssetRef) == "":
		return fmt.Errorf("%w: asset ref is required", ErrInvalidAsset)
	case a.Amount == 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAsset)
	}
	return nil
}

// Key identifies the asset for duplicate session detection.
func (a Asset) Key() string {
	return a.LedgerID + "/" + a.AssetRef
}

// Destination is where the receiver materializes the asset.
type Destination struct {
	LedgerID  string `cbor:"1,keyasint" json:"ledgerId"`
	Recipient string `cbor:"2,keyasint" json:"recipient"`
}

// Validate checks the destination fields.
func (d Destination) Validate() error {
	switch {
	case strings.TrimSpace(d.LedgerID) == "":
		return fmt.Errorf("%w: destination ledger id is required", ErrInvalidAsset)
	case strings.TrimSpace(d.Recipient) == "":
		return fmt.Errorf("%w: destination recipient is required", ErrInvalidAsset)
	}
	return nil
}

// ProposalPayload opens a session on the receiver.
type ProposalPayload struct {
	Asset             Asset       `cbor:"1,keyasint"`
	Destination       Destination `cbor:"2,keyasint"`
	ReceiverGatewayID string      `cbor:"3,keyasint"`
}

// CommencePayload accepts a proposal, naming it by hash.
type CommencePayload struct {
	ProposalHash string `cbor:"1,keyasint"`
}

// ProofPayload carries a signed ledger proof.
type ProofPayload struct {
	Proof Proof `cbor:"1,keyasint"`
}

// AbortPayload explains why a session was aborted.
type AbortPayload struct {
	Code   string `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint"`
}

// CompensationPayload records the result of a compensation call in a local
// log entry.
type CompensationPayload struct {
	Effect Effect `cbor:"1,keyasint"`
	Error  string `cbor:"2,keyasint,omitempty"`
}

// EncodePayload serializes a payload struct.
func EncodePayload(v any) ([]byte, error) {
	return Marshal(v)
}

// DecodePayload parses a payload into v.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
