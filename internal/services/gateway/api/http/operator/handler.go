package operator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/engine"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/orchestrator"
)

const maxBodyBytes = 1 << 16

// Gateway is the orchestrator surface the API drives.
type Gateway interface {
	InitiateTransfer(ctx context.Context, req orchestrator.TransferRequest) (string, error)
	GetSessionStatus(ctx context.Context, id string) (session.Status, error)
	AbortSession(ctx context.Context, id, reason string) (session.Status, error)
	ListSessions() []session.Status
	AuditSession(ctx context.Context, id string) (orchestrator.Audit, error)
}

// TransferRequest is the body of POST /api/transfers.
type TransferRequest struct {
	SessionID             string               `json:"sessionId,omitempty"`
	Asset                 protocol.Asset       `json:"asset"`
	Destination           protocol.Destination `json:"destination"`
	CounterpartyGatewayID string               `json:"counterpartyGatewayId"`
}

// TransferResponse is returned when a transfer starts.
type TransferResponse struct {
	SessionID string `json:"sessionId"`
}

// AbortRequest is the optional body of POST /api/transfers/{id}/abort.
type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AbortResponse reports an aborted session. CompensationError is set when
// the session aborted but reversing its ledger effect failed.
type AbortResponse struct {
	Session           session.Status `json:"session"`
	CompensationError string         `json:"compensationError,omitempty"`
}

// AuditEntry is one audit log record as shown to auditors.
type AuditEntry struct {
	SequenceNumber uint64               `json:"sequenceNumber"`
	Stage          protocol.Stage       `json:"stage"`
	MessageType    protocol.MessageType `json:"messageType"`
	Direction      protocol.Direction   `json:"direction"`
	Effect         protocol.Effect      `json:"effect,omitempty"`
	Outcome        protocol.Outcome     `json:"outcome,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
	Note           string               `json:"note,omitempty"`
	PayloadHash    string               `json:"payloadHash"`
	Hash           string               `json:"hash"`
	PrevHash       string               `json:"prevHash,omitempty"`
	ChainHash      string               `json:"chainHash"`
	SignatureKeyID string               `json:"signatureKeyId,omitempty"`
}

// AuditResponse is the body of GET /api/transfers/{id}/audit.
type AuditResponse struct {
	SessionID   string       `json:"sessionId"`
	Verified    bool         `json:"verified"`
	Signed      bool         `json:"signed"`
	Quarantined bool         `json:"quarantined"`
	Problem     string       `json:"problem,omitempty"`
	Entries     []AuditEntry `json:"entries"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Handler serves the operator API.
type Handler struct {
	gateway   Gateway
	gatewayID string
	logf      func(string, ...any)
}

// New creates a handler for gateway.
func New(gateway Gateway, gatewayID string) *Handler {
	return &Handler{gateway: gateway, gatewayID: gatewayID, logf: log.Printf}
}

// Router returns the API routes with request logging and panic recovery.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", h.RegisterRoutes)
	return r
}

// RegisterRoutes adds the transfer routes to r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/transfers", func(r chi.Router) {
		r.Post("/", h.handleInitiate)
		r.Get("/", h.handleList)
		r.Get("/{sessionID}", h.handleStatus)
		r.Post("/{sessionID}/abort", h.handleAbort)
		r.Get("/{sessionID}/audit", h.handleAudit)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "gatewayId": h.gatewayID})
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, apperrors.Wrap(apperrors.CodeInvalidPayload, "decode request", err))
		return
	}
	id, err := h.gateway.InitiateTransfer(r.Context(), orchestrator.TransferRequest{
		SessionID:             req.SessionID,
		Asset:                 req.Asset,
		Destination:           req.Destination,
		CounterpartyGatewayID: req.CounterpartyGatewayID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, TransferResponse{SessionID: id})
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	sessions := h.gateway.ListSessions()
	if sessions == nil {
		sessions = []session.Status{}
	}
	h.respondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.gateway.GetSessionStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, apperrors.Wrap(apperrors.CodeInvalidPayload, "decode request", err))
		return
	}
	status, err := h.gateway.AbortSession(r.Context(), chi.URLParam(r, "sessionID"), req.Reason)
	resp := AbortResponse{Session: status}
	if err != nil {
		if !errors.Is(err, engine.ErrCompensationFailed) {
			h.respondError(w, err)
			return
		}
		resp.CompensationError = err.Error()
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.gateway.AuditSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	resp := AuditResponse{
		SessionID:   audit.SessionID,
		Verified:    audit.Verified,
		Signed:      audit.Signed,
		Quarantined: audit.Quarantined,
		Problem:     audit.Problem,
		Entries:     make([]AuditEntry, 0, len(audit.Entries)),
	}
	for _, e := range audit.Entries {
		resp.Entries = append(resp.Entries, AuditEntry{
			SequenceNumber: e.SequenceNumber,
			Stage:          e.Stage,
			MessageType:    e.MessageType,
			Direction:      e.Direction,
			Effect:         e.Effect,
			Outcome:        e.Outcome,
			Timestamp:      e.Timestamp,
			Note:           e.Note,
			PayloadHash:    e.PayloadHash,
			Hash:           e.Hash,
			PrevHash:       e.PrevHash,
			ChainHash:      e.ChainHash,
			SignatureKeyID: e.SignatureKeyID,
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logf("operator api: %v", err)
	}
	h.respondJSON(w, status, ErrorResponse{Code: string(code), Error: err.Error()})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logf("operator api: encode response: %v", err)
	}
}
