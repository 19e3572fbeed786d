package replay

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

func signer(t *testing.T, id string) *identity.Signer {
	t.Helper()
	keys, err := identity.GenerateKeyPair(id, nil)
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	s, err := identity.NewSigner(keys)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func entry(t *testing.T, s *identity.Signer, seq uint64, dir protocol.Direction, effect protocol.Effect, payload any) journal.Entry {
	t.Helper()
	data, err := protocol.EncodePayload(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	m := protocol.Message{
		SessionID:      "s1",
		SequenceNumber: seq,
		Stage:          protocol.StageAt(seq),
		Type:           protocol.MessageTypeAt(seq),
		Payload:        data,
	}
	s.SignMessage(&m)
	body, err := protocol.EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return journal.Entry{
		SessionID:      "s1",
		SequenceNumber: seq,
		Stage:          m.Stage,
		MessageType:    m.Type,
		Direction:      dir,
		PayloadHash:    m.Hash(),
		Signature:      m.Signature,
		Timestamp:      time.Date(2026, 3, 1, 0, 0, int(seq), 0, time.UTC),
		Effect:         effect,
		Body:           body,
	}
}

func senderLog(t *testing.T) []journal.Entry {
	gw1, gw2 := signer(t, "gw1"), signer(t, "gw2")
	proposal := protocol.ProposalPayload{
		Asset:             protocol.Asset{LedgerID: "L1", AssetRef: "A1", Amount: 100},
		Destination:       protocol.Destination{LedgerID: "L2", Recipient: "alice"},
		ReceiverGatewayID: "gw2",
	}
	return []journal.Entry{
		entry(t, gw1, 1, protocol.DirectionOutbound, "", proposal),
		entry(t, gw2, 2, protocol.DirectionInbound, protocol.EffectLock, protocol.CommencePayload{ProposalHash: "h"}),
		entry(t, gw1, 3, protocol.DirectionOutbound, "", protocol.ProofPayload{}),
	}
}

func TestEntries_IsDeterministic(t *testing.T) {
	log := senderLog(t)

	first, err := Entries(log)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	second, err := Entries(log)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("replaying the same log twice produced different state")
	}
	if first.LastSeq != 3 || first.Applied != 3 {
		t.Fatalf("unexpected result %d/%d", first.LastSeq, first.Applied)
	}
	if first.State.Stage != protocol.StageCommitPreparation || !first.State.Locked {
		t.Fatalf("unexpected state %+v", first.State.Status())
	}
}

func TestEntries_DetectsGap(t *testing.T) {
	log := senderLog(t)
	_, err := Entries([]journal.Entry{log[0], log[2]})
	if !errors.Is(err, session.ErrSequenceGap) {
		t.Fatalf("expected sequence gap, got %v", err)
	}
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemory()
	for _, e := range senderLog(t) {
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	result, entries, err := Session(ctx, store, "s1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(entries) != 3 || result.State.SequenceNumber != 3 {
		t.Fatalf("unexpected replay %d entries seq %d", len(entries), result.State.SequenceNumber)
	}

	if _, _, err := Session(ctx, store, "missing"); !errors.Is(err, ErrNoEntries) {
		t.Fatalf("expected no entries, got %v", err)
	}
	if _, _, err := Session(ctx, nil, "s1"); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected store required, got %v", err)
	}
	if _, _, err := Session(ctx, store, " "); !errors.Is(err, ErrSessionIDRequired) {
		t.Fatalf("expected session id required, got %v", err)
	}
}
