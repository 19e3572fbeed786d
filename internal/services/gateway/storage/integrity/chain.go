package integrity

import (
	"errors"
	"fmt"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
)

// ErrTampered is returned when a stored log fails chain verification.
var ErrTampered = errors.New("audit log integrity check failed")

// Seal computes the hash chain fields of entry given the last stored entry
// of its session and, with a keyring, signs the chain hash.
func Seal(keyring *Keyring, last, entry journal.Entry) (journal.Entry, error) {
	sealed, err := journal.Seal(last, entry)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("hash entry: %w", err)
	}
	if keyring == nil {
		return sealed, nil
	}
	sig, keyID, err := keyring.SignChainHash(sealed.SessionID, sealed.ChainHash)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("sign entry: %w", err)
	}
	sealed.IntegritySignature = sig
	sealed.SignatureKeyID = keyID
	return sealed, nil
}

// VerifyChain checks that entries form an unbroken hash chain for one
// session. With a keyring every chain hash must carry a valid signature.
func VerifyChain(entries []journal.Entry, keyring *Keyring) error {
	var prev journal.Entry
	for i, entry := range entries {
		if i > 0 && entry.SessionID != prev.SessionID {
			return fmt.Errorf("%w: entries of %s and %s mixed", ErrTampered, prev.SessionID, entry.SessionID)
		}
		if entry.SequenceNumber != prev.SequenceNumber+1 {
			return fmt.Errorf("%w: %s expected seq %d got %d", ErrTampered, entry.SessionID, prev.SequenceNumber+1, entry.SequenceNumber)
		}
		hash, err := journal.EntryHash(entry)
		if err != nil {
			return fmt.Errorf("hash %s/%d: %w", entry.SessionID, entry.SequenceNumber, err)
		}
		if hash != entry.Hash {
			return fmt.Errorf("%w: %s/%d content hash mismatch", ErrTampered, entry.SessionID, entry.SequenceNumber)
		}
		if entry.PrevHash != prev.ChainHash {
			return fmt.Errorf("%w: %s/%d does not link to its predecessor", ErrTampered, entry.SessionID, entry.SequenceNumber)
		}
		chain, err := journal.ChainHash(prev.ChainHash, hash)
		if err != nil {
			return fmt.Errorf("chain %s/%d: %w", entry.SessionID, entry.SequenceNumber, err)
		}
		if chain != entry.ChainHash {
			return fmt.Errorf("%w: %s/%d chain hash mismatch", ErrTampered, entry.SessionID, entry.SequenceNumber)
		}
		if keyring != nil {
			if err := keyring.VerifyChainHash(entry.SessionID, entry.ChainHash, entry.IntegritySignature, entry.SignatureKeyID); err != nil {
				return fmt.Errorf("%w: %s/%d: %v", ErrTampered, entry.SessionID, entry.SequenceNumber, err)
			}
		}
		prev = entry
	}
	return nil
}
