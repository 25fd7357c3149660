package gateway

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/native/escrow"
)

// EscrowEngine is the slice of the engine the gateway depends on.
type EscrowEngine interface {
	CreateInstance(owner [20]byte, schemaID [32]byte, salt []byte) ([32]byte, error)
	Initialize(id [32]byte, caller, shipper [20]byte, amount *big.Int) error
	ConfirmShipment(ctx context.Context, id [32]byte, caller [20]byte, proofData []byte) (uint64, error)
	ConfirmReceipt(ctx context.Context, id [32]byte, caller [20]byte, proofData []byte) (uint64, error)
	Cancel(id [32]byte, caller [20]byte) error
	Snapshot(id [32]byte) (escrow.Snapshot, error)
}

// AccountLedger is the slice of the ledger used by the account endpoints.
type AccountLedger interface {
	Credit(addr [20]byte, amount *big.Int) error
	Balance(addr [20]byte) *big.Int
}

// Server is the HTTP front-end for escrow interactions. Mutating party calls
// carry HMAC credentials that bind each API key to a ledger identity;
// administrative calls (cancel, instance creation, account funding) require an
// operator bearer token and act as the configured owner.
type Server struct {
	engine   EscrowEngine
	ledger   AccountLedger
	feed     *events.Feed
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger
	owner    [20]byte
	schemaID [32]byte
}

// NewServer wires the gateway against its engine, ledger and feed.
func NewServer(engine EscrowEngine, ledger AccountLedger, feed *events.Feed, auth *Authenticator, limiter *RateLimiter, logger *slog.Logger, owner [20]byte, schemaID [32]byte) (*Server, error) {
	if engine == nil {
		return nil, errors.New("gateway: engine required")
	}
	if ledger == nil {
		return nil, errors.New("gateway: ledger required")
	}
	if auth == nil {
		return nil, errors.New("gateway: authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		ledger:   ledger,
		feed:     feed,
		auth:     auth,
		limiter:  limiter,
		logger:   logger,
		owner:    owner,
		schemaID: schemaID,
	}, nil
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/escrows", observe("escrow_create", s.handleCreateInstance))
		v1.Get("/escrows/{id}", observe("escrow_get", s.handleSnapshot))
		v1.Post("/escrows/{id}/initialize", observe("escrow_initialize", s.handleInitialize))
		v1.Post("/escrows/{id}/confirm-shipment", observe("escrow_confirm_shipment", s.handleConfirmShipment))
		v1.Post("/escrows/{id}/confirm-receipt", observe("escrow_confirm_receipt", s.handleConfirmReceipt))
		v1.Post("/escrows/{id}/cancel", observe("escrow_cancel", s.handleCancel))
		v1.Get("/events", observe("events_list", s.handleEvents))
		v1.Post("/accounts/{address}/fund", observe("account_fund", s.handleFund))
		v1.Get("/accounts/{address}", observe("account_get", s.handleAccount))
	})
	return r
}

type createInstanceRequest struct {
	SchemaID string `json:"schemaId,omitempty"`
	Salt     string `json:"salt,omitempty"`
}

type initializeRequest struct {
	Shipper string `json:"shipper"`
	Amount  string `json:"amount"`
}

type confirmRequest struct {
	Proof string `json:"proof"`
	// Encoding selects how Proof is decoded: "base64" for binary payloads,
	// empty or "utf8" for verbatim text.
	Encoding string `json:"encoding,omitempty"`
}

type fundRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.AuthenticateOperator(r); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req createInstanceRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	schemaID := s.schemaID
	if trimmed := strings.TrimSpace(req.SchemaID); trimmed != "" {
		decoded, err := parseSchemaID(trimmed)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		schemaID = decoded
	}
	id, err := s.engine.CreateInstance(s.owner, schemaID, []byte(req.Salt))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("escrow instance created", "id", hex.EncodeToString(id[:]))
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": hex.EncodeToString(id[:])})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := parseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.engine.Snapshot(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	id, principal, body, ok := s.authenticatedCall(w, r)
	if !ok {
		return
	}
	var req initializeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	shipper, err := crypto.DecodeAddress(strings.TrimSpace(req.Shipper))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("shipper: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Initialize(id, principal.Address, shipper.Array(), amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("escrow initialized",
		"id", hex.EncodeToString(id[:]),
		"customer", crypto.AddressFromBytes(principal.Address).String(),
		"amount", amount.String())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

func (s *Server) handleConfirmShipment(w http.ResponseWriter, r *http.Request) {
	s.handleConfirm(w, r, s.engine.ConfirmShipment, "shipment confirmed")
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	s.handleConfirm(w, r, s.engine.ConfirmReceipt, "receipt confirmed")
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, op func(context.Context, [32]byte, [20]byte, []byte) (uint64, error), msg string) {
	id, principal, body, ok := s.authenticatedCall(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	proof, err := decodeProof(req.Proof, req.Encoding)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	proofID, err := op(r.Context(), id, principal.Address, proof)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info(msg, "id", hex.EncodeToString(id[:]), "proofId", proofID)
	s.writeJSON(w, http.StatusOK, map[string]uint64{"proofId": proofID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.AuthenticateOperator(r); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	id, err := parseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Cancel(id, s.owner); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("escrow cancelled", "id", hex.EncodeToString(id[:]))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		s.writeJSON(w, http.StatusOK, []events.Entry{})
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after cursor: %w", err))
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	s.writeJSON(w, http.StatusOK, s.feed.List(after, limit))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.AuthenticateOperator(r); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	var req fundRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ledger.Credit(addr.Array(), amount); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("account funded", "address", addr.String(), "amount", amount.String())
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.String(),
		"balance": s.ledger.Balance(addr.Array()).String(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.String(),
		"balance": s.ledger.Balance(addr.Array()).String(),
	})
}

// authenticatedCall performs the shared preamble for party-signed mutations:
// id parsing, body read, HMAC authentication and rate limiting.
func (s *Server) authenticatedCall(w http.ResponseWriter, r *http.Request) ([32]byte, *Principal, []byte, bool) {
	id, err := parseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return [32]byte{}, nil, nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyForSignature+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return [32]byte{}, nil, nil, false
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return [32]byte{}, nil, nil, false
	}
	// Limiting is keyed on the authenticated principal so forged headers
	// cannot drain a legitimate key's bucket.
	if s.limiter != nil && !s.limiter.Allow(principal.APIKey) {
		s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return [32]byte{}, nil, nil, false
	}
	return id, principal, body, true
}

func (s *Server) decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyForSignature+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrInvalidParty):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrAlreadyInitialized), errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrAttestationFailed):
		status = http.StatusBadGateway
	case errors.Is(err, escrow.ErrTransferFailed):
		status = http.StatusUnprocessableEntity
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("gateway request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseEscrowID(raw string) ([32]byte, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(raw, "0x"))
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid escrow id: %w", err)
	}
	if len(decoded) != 32 {
		return [32]byte{}, fmt.Errorf("escrow id must be 32 bytes, got %d", len(decoded))
	}
	var id [32]byte
	copy(id[:], decoded)
	return id, nil
}

func parseSchemaID(raw string) ([32]byte, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(raw, "0x"))
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid schema id: %w", err)
	}
	if len(decoded) != 32 {
		return [32]byte{}, fmt.Errorf("schema id must be 32 bytes, got %d", len(decoded))
	}
	var id [32]byte
	copy(id[:], decoded)
	return id, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

// decodeProof decodes the proof payload per the caller's declared encoding.
// Guessing the encoding is not an option: a plain-text proof that happens to
// be valid base64 would otherwise reach the attestation service mangled.
func decodeProof(raw, encoding string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("proof is required")
	}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf8":
		return []byte(trimmed), nil
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 proof: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported proof encoding %q", encoding)
	}
}
