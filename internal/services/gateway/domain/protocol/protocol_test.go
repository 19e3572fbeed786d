package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func sampleMessage() Message {
	return Message{
		SessionID:       "s1",
		SequenceNumber:  3,
		Stage:           StageLockAssertion,
		Type:            MessageLockAssertion,
		Payload:         []byte{0x01, 0x02},
		Signature:       []byte("sig"),
		SenderGatewayID: "gw1",
	}
}

func TestStepTable(t *testing.T) {
	tests := []struct {
		seq   uint64
		stage Stage
		typ   MessageType
		from  Role
	}{
		{1, StagePreTransfer, MessageTransferProposal, RoleSender},
		{2, StageTransferInitialization, MessageTransferCommence, RoleReceiver},
		{3, StageLockAssertion, MessageLockAssertion, RoleSender},
		{4, StageCommitPreparation, MessageCommitPreparation, RoleReceiver},
		{5, StageCommitFinalization, MessageCommitFinalization, RoleSender},
		{6, StageCommitFinalization, MessageTransferComplete, RoleReceiver},
	}
	for _, tc := range tests {
		if got := StageAt(tc.seq); got != tc.stage {
			t.Fatalf("StageAt(%d) = %s, want %s", tc.seq, got, tc.stage)
		}
		if got := MessageTypeAt(tc.seq); got != tc.typ {
			t.Fatalf("MessageTypeAt(%d) = %s, want %s", tc.seq, got, tc.typ)
		}
		if got := SenderAt(tc.seq); got != tc.from {
			t.Fatalf("SenderAt(%d) = %s, want %s", tc.seq, got, tc.from)
		}
	}
	if StageAt(7) != "" || StageAt(0) != "" {
		t.Fatal("expected no stage outside the protocol")
	}
}

func TestStageOrdering(t *testing.T) {
	if !StageCommitPreparation.AtOrAfter(StageLockAssertion) {
		t.Fatal("expected commit preparation at or after lock assertion")
	}
	if StageTransferInitialization.AtOrAfter(StageLockAssertion) {
		t.Fatal("expected transfer initialization before lock assertion")
	}
	if !StageAborted.Terminal() || !StageCommitted.Terminal() || StageCommitFinalization.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
	if Stage("BOGUS").Valid() {
		t.Fatal("expected unknown stage to be invalid")
	}
}

func TestMessageHashIgnoresSignature(t *testing.T) {
	a := sampleMessage()
	b := sampleMessage()
	b.Signature = []byte("other")

	if a.Hash() != b.Hash() {
		t.Fatal("expected hash to ignore signature")
	}
	b.Payload = []byte{0x03}
	if a.Hash() == b.Hash() {
		t.Fatal("expected hash to cover payload")
	}
}

func TestSigningBytesDeterministic(t *testing.T) {
	if !bytes.Equal(sampleMessage().SigningBytes(), sampleMessage().SigningBytes()) {
		t.Fatal("expected deterministic signing bytes")
	}
	p := Proof{Kind: ProofLock, LedgerID: "L1", AssetRef: "A1", Amount: 100, SessionID: "s1", SequenceNumber: 3, Signer: "gw1"}
	if bytes.Equal(p.SigningBytes(), sampleMessage().SigningBytes()) {
		t.Fatal("expected proof and message domains to differ")
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	data, err := EncodeMessage(sampleMessage())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Hash() != sampleMessage().Hash() || !bytes.Equal(got.Signature, []byte("sig")) {
		t.Fatalf("unexpected decoded message %+v", got)
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeMessage(nil); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed error for empty input, got %v", err)
	}
	if _, err := DecodeMessage([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	data, err := EncodePayload(map[int]string{1: "hash", 9: "extra"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var payload CommencePayload
	if err := DecodePayload(data, &payload); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestMessageValidate(t *testing.T) {
	if err := sampleMessage().Validate(); err != nil {
		t.Fatalf("expected valid message: %v", err)
	}
	tests := []func(*Message){
		func(m *Message) { m.SessionID = " " },
		func(m *Message) { m.SequenceNumber = 0 },
		func(m *Message) { m.Stage = "NOPE" },
		func(m *Message) { m.Type = MessageCompensation },
		func(m *Message) { m.SenderGatewayID = "" },
		func(m *Message) { m.Signature = nil },
	}
	for i, mutate := range tests {
		m := sampleMessage()
		mutate(&m)
		if err := m.Validate(); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("case %d: expected malformed error, got %v", i, err)
		}
	}
}

func TestAssetValidate(t *testing.T) {
	valid := Asset{LedgerID: "L1", AssetRef: "A1", Amount: 100}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid asset: %v", err)
	}
	if valid.Key() != "L1/A1" {
		t.Fatalf("unexpected key %q", valid.Key())
	}
	for _, a := range []Asset{{AssetRef: "A1", Amount: 1}, {LedgerID: "L1", Amount: 1}, {LedgerID: "L1", AssetRef: "A1"}} {
		if err := a.Validate(); !errors.Is(err, ErrInvalidAsset) {
			t.Fatalf("expected invalid asset for %+v, got %v", a, err)
		}
	}
	if err := (Destination{LedgerID: "L2"}).Validate(); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected invalid destination, got %v", err)
	}
}

func TestProofBinding(t *testing.T) {
	p := Proof{Kind: ProofLock, LedgerID: "L1", AssetRef: "A1", Amount: 100, SessionID: "s1", SequenceNumber: 3}
	if !p.Bound("s1", 3) || p.Bound("s1", 4) || p.Bound("s2", 3) {
		t.Fatal("unexpected binding result")
	}
	asset := Asset{LedgerID: "L1", AssetRef: "A1", Amount: 100}
	if !p.Covers("L1", asset) {
		t.Fatal("expected proof to cover asset")
	}
	asset.Amount = 99
	if p.Covers("L1", asset) {
		t.Fatal("expected amount mismatch")
	}
}
