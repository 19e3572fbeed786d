package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/orchestrator"
)

type fakeGateway struct {
	initiated   []orchestrator.TransferRequest
	initiateErr error
	statuses    map[string]session.Status
	abortReason string
	abortErr    error
	audits      map[string]orchestrator.Audit
}

func (f *fakeGateway) InitiateTransfer(_ context.Context, req orchestrator.TransferRequest) (string, error) {
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	f.initiated = append(f.initiated, req)
	if req.SessionID == "" {
		return "generated", nil
	}
	return req.SessionID, nil
}

func (f *fakeGateway) GetSessionStatus(_ context.Context, id string) (session.Status, error) {
	status, ok := f.statuses[id]
	if !ok {
		return session.Status{}, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
	}
	return status, nil
}

func (f *fakeGateway) AbortSession(_ context.Context, id, reason string) (session.Status, error) {
	f.abortReason = reason
	status, ok := f.statuses[id]
	if !ok {
		return session.Status{}, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
	}
	if f.abortErr != nil && !strings.Contains(f.abortErr.Error(), "compensation") {
		return status, f.abortErr
	}
	status.Outcome = protocol.OutcomeAborted
	return status, f.abortErr
}

func (f *fakeGateway) ListSessions() []session.Status {
	var out []session.Status
	for _, s := range f.statuses {
		out = append(out, s)
	}
	return out
}

func (f *fakeGateway) AuditSession(_ context.Context, id string) (orchestrator.Audit, error) {
	audit, ok := f.audits[id]
	if !ok {
		return orchestrator.Audit{}, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
	}
	return audit, nil
}

func serve(t *testing.T, gw *fakeGateway, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	h := New(gw, "gw1")
	h.logf = func(string, ...any) {}
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	h.Router().ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", resp.Body.String(), err)
	}
	return out
}

func TestInitiateTransfer(t *testing.T) {
	gw := &fakeGateway{}
	body := `{"asset":{"ledgerId":"L1","assetRef":"A1","amount":100},"destination":{"ledgerId":"L2","recipient":"alice"},"counterpartyGatewayId":"gw2"}`
	resp := serve(t, gw, http.MethodPost, "/api/transfers", body)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	if got := decode[TransferResponse](t, resp).SessionID; got != "generated" {
		t.Fatalf("unexpected session id %q", got)
	}
	if len(gw.initiated) != 1 || gw.initiated[0].Asset.Amount != 100 || gw.initiated[0].CounterpartyGatewayID != "gw2" {
		t.Fatalf("unexpected request %+v", gw.initiated)
	}
}

func TestInitiateTransferErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   apperrors.Code
	}{
		{name: "bad json", body: `{"asset":`, status: http.StatusBadRequest, code: apperrors.CodeInvalidPayload},
		{name: "unknown field", body: `{"bogus":1}`, status: http.StatusBadRequest, code: apperrors.CodeInvalidPayload},
		{name: "conflict", body: `{}`, err: session.ErrDuplicateSession, status: http.StatusConflict, code: apperrors.CodeDuplicateSessionConflict},
		{name: "internal", body: `{}`, err: fmt.Errorf("disk on fire"), status: http.StatusInternalServerError, code: apperrors.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(t, &fakeGateway{initiateErr: tt.err}, http.MethodPost, "/api/transfers", tt.body)
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.Code)
			}
			if got := decode[ErrorResponse](t, resp).Code; got != string(tt.code) {
				t.Fatalf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestGetAndListTransfers(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]session.Status{"s1": {SessionID: "s1", SequenceNumber: 3}}}

	resp := serve(t, gw, http.MethodGet, "/api/transfers/s1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := decode[session.Status](t, resp); got.SessionID != "s1" || got.SequenceNumber != 3 {
		t.Fatalf("unexpected status %+v", got)
	}

	resp = serve(t, gw, http.MethodGet, "/api/transfers/nope", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = serve(t, gw, http.MethodGet, "/api/transfers", "")
	if got := decode[[]session.Status](t, resp); len(got) != 1 {
		t.Fatalf("expected one session, got %+v", got)
	}
	resp = serve(t, &fakeGateway{}, http.MethodGet, "/api/transfers", "")
	if strings.TrimSpace(resp.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", resp.Body.String())
	}
}

func TestAbortTransfer(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]session.Status{"s1": {SessionID: "s1"}}}
	resp := serve(t, gw, http.MethodPost, "/api/transfers/s1/abort", `{"reason":"halt"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := decode[AbortResponse](t, resp); got.Session.Outcome != protocol.OutcomeAborted || got.CompensationError != "" {
		t.Fatalf("unexpected response %+v", got)
	}
	if gw.abortReason != "halt" {
		t.Fatalf("reason not passed through: %q", gw.abortReason)
	}

	resp = serve(t, gw, http.MethodPost, "/api/transfers/s1/abort", "")
	if resp.Code != http.StatusOK || gw.abortReason != "" {
		t.Fatalf("expected abort without body to succeed, got %d", resp.Code)
	}
}

func TestAbortTransferReportsFailures(t *testing.T) {
	gw := &fakeGateway{
		statuses: map[string]session.Status{"s1": {SessionID: "s1"}},
		abortErr: apperrors.Wrap(apperrors.CodeCompensationFailed, "s1 compensation", fmt.Errorf("ledger gone")),
	}
	resp := serve(t, gw, http.MethodPost, "/api/transfers/s1/abort", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := decode[AbortResponse](t, resp); got.CompensationError == "" || got.Session.Outcome != protocol.OutcomeAborted {
		t.Fatalf("expected compensation error, got %+v", got)
	}
	if !strings.Contains(resp.Body.String(), "ledger gone") {
		t.Fatalf("expected cause in body, got %s", resp.Body.String())
	}

	gw.abortErr = fmt.Errorf("abort s1: %w", session.ErrIrreversible)
	resp = serve(t, gw, http.MethodPost, "/api/transfers/s1/abort", "")
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), string(apperrors.CodeIrreversible)) {
		t.Fatalf("expected irreversible code, got %s", resp.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	resp := serve(t, &fakeGateway{}, http.MethodGet, "/healthz", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"gatewayId":"gw1"`) {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}
}

func TestAuditReturnsEntriesAndVerdict(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := &fakeGateway{audits: map[string]orchestrator.Audit{
		"s1": {
			SessionID: "s1",
			Entries: []journal.Entry{
				{SessionID: "s1", SequenceNumber: 1, Stage: protocol.StagePreTransfer, MessageType: protocol.MessageTransferProposal,
					Direction: protocol.DirectionOutbound, Timestamp: at, Hash: "h1", ChainHash: "c1"},
				{SessionID: "s1", SequenceNumber: 2, Stage: protocol.StageTransferInitialization, MessageType: protocol.MessageTransferCommence,
					Direction: protocol.DirectionInbound, Effect: protocol.EffectLock, Timestamp: at, Hash: "h2", PrevHash: "c1", ChainHash: "c2"},
			},
			Verified: false,
			Problem:  "audit log integrity check failed",
		},
	}}

	resp := serve(t, gw, http.MethodGet, "/api/transfers/s1/audit", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	got := decode[AuditResponse](t, resp)
	if got.SessionID != "s1" || got.Verified || got.Problem == "" {
		t.Fatalf("unexpected verdict %+v", got)
	}
	if len(got.Entries) != 2 || got.Entries[1].PrevHash != "c1" || got.Entries[1].Effect != protocol.EffectLock {
		t.Fatalf("unexpected entries %+v", got.Entries)
	}
	if !got.Entries[0].Timestamp.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", got.Entries[0].Timestamp, at)
	}

	resp = serve(t, gw, http.MethodGet, "/api/transfers/missing/audit", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
