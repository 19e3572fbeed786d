package journal

import (
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

type hashInput struct {
	SessionID      string               `cbor:"1,keyasint"`
	SequenceNumber uint64               `cbor:"2,keyasint"`
	Stage          protocol.Stage       `cbor:"3,keyasint"`
	MessageType    protocol.MessageType `cbor:"4,keyasint"`
	Direction      protocol.Direction   `cbor:"5,keyasint"`
	PayloadHash    string               `cbor:"6,keyasint"`
	Signature      []byte               `cbor:"7,keyasint"`
	TimestampMs    int64                `cbor:"8,keyasint"`
	Effect         protocol.Effect      `cbor:"9,keyasint"`
	Outcome        protocol.Outcome     `cbor:"10,keyasint"`
	Note           string               `cbor:"11,keyasint"`
	Body           []byte               `cbor:"12,keyasint"`
}

// EntryHash returns the content hash of an entry. Timestamps are hashed at
// millisecond precision, the precision durable stores keep.
func EntryHash(e Entry) (string, error) {
	data, err := protocol.Marshal(hashInput{
		SessionID:      e.SessionID,
		SequenceNumber: e.SequenceNumber,
		Stage:          e.Stage,
		MessageType:    e.MessageType,
		Direction:      e.Direction,
		PayloadHash:    e.PayloadHash,
		Signature:      e.Signature,
		TimestampMs:    e.Timestamp.UTC().UnixMilli(),
		Effect:         e.Effect,
		Outcome:        e.Outcome,
		Note:           e.Note,
		Body:           e.Body,
	})
	if err != nil {
		return "", err
	}
	return protocol.Digest(data), nil
}

// ChainHash links an entry hash to the chain hash of its predecessor.
func ChainHash(prevChainHash, entryHash string) (string, error) {
	data, err := protocol.Marshal([]string{prevChainHash, entryHash})
	if err != nil {
		return "", err
	}
	return protocol.Digest(data), nil
}

// Seal computes the Hash, PrevHash and ChainHash of entry given the last
// stored entry of its session.
func Seal(last Entry, entry Entry) (Entry, error) {
	hash, err := EntryHash(entry)
	if err != nil {
		return Entry{}, err
	}
	chain, err := ChainHash(last.ChainHash, hash)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash
	entry.PrevHash = last.ChainHash
	entry.ChainHash = chain
	return entry, nil
}
