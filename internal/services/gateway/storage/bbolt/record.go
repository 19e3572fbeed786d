package bbolt

import (
	"fmt"
	"time"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

// record is the stored form of a journal entry.
type record struct {
	SessionID          string               `cbor:"1,keyasint"`
	SequenceNumber     uint64               `cbor:"2,keyasint"`
	Stage              protocol.Stage       `cbor:"3,keyasint"`
	MessageType        protocol.MessageType `cbor:"4,keyasint"`
	Direction          protocol.Direction   `cbor:"5,keyasint"`
	PayloadHash        string               `cbor:"6,keyasint"`
	Signature          []byte               `cbor:"7,keyasint"`
	TimestampMs        int64                `cbor:"8,keyasint"`
	Effect             protocol.Effect      `cbor:"9,keyasint"`
	Outcome            protocol.Outcome     `cbor:"10,keyasint"`
	Note               string               `cbor:"11,keyasint"`
	Body               []byte               `cbor:"12,keyasint"`
	Hash               string               `cbor:"13,keyasint"`
	PrevHash           string               `cbor:"14,keyasint"`
	ChainHash          string               `cbor:"15,keyasint"`
	IntegritySignature string               `cbor:"16,keyasint"`
	SignatureKeyID     string               `cbor:"17,keyasint"`
}

func encodeEntry(e journal.Entry) ([]byte, error) {
	data, err := protocol.Marshal(record{
		SessionID:          e.SessionID,
		SequenceNumber:     e.SequenceNumber,
		Stage:              e.Stage,
		MessageType:        e.MessageType,
		Direction:          e.Direction,
		PayloadHash:        e.PayloadHash,
		Signature:          e.Signature,
		TimestampMs:        e.Timestamp.UTC().UnixMilli(),
		Effect:             e.Effect,
		Outcome:            e.Outcome,
		Note:               e.Note,
		Body:               e.Body,
		Hash:               e.Hash,
		PrevHash:           e.PrevHash,
		ChainHash:          e.ChainHash,
		IntegritySignature: e.IntegritySignature,
		SignatureKeyID:     e.SignatureKeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry %s/%d: %w", e.SessionID, e.SequenceNumber, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (journal.Entry, error) {
	if data == nil {
		return journal.Entry{}, fmt.Errorf("entry is missing")
	}
	var r record
	if err := protocol.Unmarshal(data, &r); err != nil {
		return journal.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return journal.Entry{
		SessionID:          r.SessionID,
		SequenceNumber:     r.SequenceNumber,
		Stage:              r.Stage,
		MessageType:        r.MessageType,
		Direction:          r.Direction,
		PayloadHash:        r.PayloadHash,
		Signature:          r.Signature,
		Timestamp:          time.UnixMilli(r.TimestampMs).UTC(),
		Effect:             r.Effect,
		Outcome:            r.Outcome,
		Note:               r.Note,
		Body:               r.Body,
		Hash:               r.Hash,
		PrevHash:           r.PrevHash,
		ChainHash:          r.ChainHash,
		IntegritySignature: r.IntegritySignature,
		SignatureKeyID:     r.SignatureKeyID,
	}, nil
}
