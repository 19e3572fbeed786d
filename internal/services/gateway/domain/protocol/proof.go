package protocol

const proofTag = "satp/proof/v1"

// ProofKind names the ledger fact a proof attests.
type ProofKind string

const (
	ProofLock   ProofKind = "LOCK"
	ProofMint   ProofKind = "MINT"
	ProofBurn   ProofKind = "BURN"
	ProofAssign ProofKind = "ASSIGN"
)

// Proof binds a ledger-side claim to a session position and the signing
// gateway. Claim holds the adapter's opaque receipt.
type Proof struct {
	Kind           ProofKind `cbor:"1,keyasint" json:"kind"`
	LedgerID       string    `cbor:"2,keyasint" json:"ledgerId"`
	AssetRef       string    `cbor:"3,keyasint" json:"assetRef"`
	Amount         uint64    `cbor:"4,keyasint" json:"amount"`
	Recipient      string    `cbor:"5,keyasint,omitempty" json:"recipient,omitempty"`
	Claim          []byte    `cbor:"6,keyasint,omitempty" json:"claim,omitempty"`
	SessionID      string    `cbor:"7,keyasint" json:"sessionId"`
	SequenceNumber uint64    `cbor:"8,keyasint" json:"sequenceNumber"`
	Signer         string    `cbor:"9,keyasint" json:"signer"`
	Signature      []byte    `cbor:"10,keyasint,omitempty" json:"signature,omitempty"`
}

// SigningBytes returns the canonical digest input covered by the signature.
func (p Proof) SigningBytes() []byte {
	unsigned := p
	unsigned.Signature = nil
	return tagged(proofTag, mustMarshal(unsigned))
}

// Bound reports whether the proof is attached to the given session position.
func (p Proof) Bound(sessionID string, seq uint64) bool {
	return p.SessionID == sessionID && p.SequenceNumber == seq
}

// Covers reports whether the proof's ledger claim matches asset.
func (p Proof) Covers(ledgerID string, asset Asset) bool {
	return p.LedgerID == ledgerID && p.AssetRef == asset.AssetRef && p.Amount == asset.Amount
}
