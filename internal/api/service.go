// Package api exposes the safety vault over HTTP: executing protection
// batches, reading positions and the action journal, and issuing deeplinks.
//
// All monetary values use shopspring/decimal.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blendguard/safety-vault/internal/auth"
	"github.com/blendguard/safety-vault/internal/events"
	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/risk"
	"github.com/blendguard/safety-vault/internal/store"
	"github.com/blendguard/safety-vault/internal/vault"
)

// maxBodyBytes bounds an action batch request body.
const maxBodyBytes = 1 << 20

// Service handles vault HTTP requests.
type Service struct {
	exec   *vault.Executor
	store  store.Store
	oracle vault.PositionOracle
	authz  vault.Authorizer
	tokens *auth.TokenVerifier
	links  *auth.Deeplinks

	// Risk alerts; disabled when gate or alerts is nil.
	gate    *risk.Gate
	alerts  events.Publisher
	mu      sync.Mutex
	alerted map[string]bool
}

// Option configures a Service.
type Option func(*Service)

// WithRiskAlerts publishes a position_at_risk event, with a signed deeplink
// when deeplinks are enabled, the first time a position read finds the user
// at or above the gate's threshold. The user is alerted again only after
// dropping back below it.
func WithRiskAlerts(gate *risk.Gate, pub events.Publisher) Option {
	return func(s *Service) {
		s.gate = gate
		s.alerts = pub
	}
}

// NewService creates the HTTP service. links may be nil to disable
// deeplink authentication.
func NewService(exec *vault.Executor, st store.Store, oracle vault.PositionOracle, tokens *auth.TokenVerifier, links *auth.Deeplinks, opts ...Option) *Service {
	s := &Service{
		exec:    exec,
		store:   st,
		oracle:  oracle,
		authz:   vault.PrincipalAuthorizer{},
		tokens:  tokens,
		links:   links,
		alerted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the service's handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/info", s.Info)
	r.Get("/pools", s.ListPools)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/actions", s.ExecuteActions)
		r.Get("/position", s.GetPosition)
		r.Get("/history", s.GetHistory)
		r.Get("/deeplink", s.GetDeeplink)
	})
}

// --- Request/Response types ---

// ActionsRequest is the JSON body for POST /users/{userID}/actions.
type ActionsRequest struct {
	Actions model.ActionBatch `json:"actions"`
}

// ErrorResponse is the JSON body of every failed vault call.
type ErrorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	Code        uint32 `json:"code,omitempty"`
	ActionIndex *int   `json:"action_index,omitempty"`
}

// DeeplinkResponse is the JSON body returned from GET /users/{userID}/deeplink.
type DeeplinkResponse struct {
	UserID     string `json:"user_id"`
	PositionID string `json:"position_id"`
	Signature  string `json:"signature"`
	Path       string `json:"path"`
}

// --- HTTP Handlers ---

// Info handles GET /api/v1/info
func (s *Service) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"info": s.exec.Info()})
}

// ExecuteActions handles POST /api/v1/users/{userID}/actions
// Applies the batch atomically and returns the refreshed position.
func (s *Service) ExecuteActions(w http.ResponseWriter, r *http.Request) {
	// The body is not looked at until the caller is known to own the position.
	userID, caller, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var req ActionsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeExecError(w, &vault.ExecutionError{
			Kind:  vault.KindInvalidAction,
			Index: -1,
			Err:   fmt.Errorf("%w: %v", vault.ErrInvalidAction, err),
		})
		return
	}

	pos, err := s.exec.Execute(r.Context(), caller, userID, req.Actions)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPosition handles GET /api/v1/users/{userID}/position
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.authorize(w, r)
	if !ok {
		return
	}
	pos, err := s.oracle.Position(r.Context(), userID)
	if err != nil {
		slog.Error("read position", "user", userID, "err", err)
		writeError(w, "failed to read position", http.StatusInternalServerError)
		return
	}
	s.alertIfAtRisk(r, userID, pos)
	writeJSON(w, http.StatusOK, pos)
}

// alertIfAtRisk publishes a position_at_risk event when userID has just
// crossed the threshold. Publish failures are logged and the alert is
// retried on the next read.
func (s *Service) alertIfAtRisk(r *http.Request, userID string, pos model.Position) {
	if s.gate == nil || s.alerts == nil {
		return
	}
	atRisk := s.gate.PositionAtRisk(pos)

	s.mu.Lock()
	already := s.alerted[userID]
	s.alerted[userID] = atRisk
	s.mu.Unlock()
	if !atRisk || already {
		return
	}

	ev := events.Event{
		Type:      events.TypePositionAtRisk,
		UserID:    userID,
		Position:  pos,
		Timestamp: time.Now().UTC(),
	}
	if s.links != nil {
		if sig, err := s.links.Sign(pos.ID, userID); err == nil {
			ev.Deeplink = actionsPath(userID, pos.ID, sig)
		}
	}
	if err := s.alerts.Publish(r.Context(), ev); err != nil {
		slog.Error("publish risk alert", "user", userID, "err", err)
		s.mu.Lock()
		s.alerted[userID] = false
		s.mu.Unlock()
		return
	}
	slog.Info("risk alert published", "user", userID, "ltv_bps", pos.LTV)
}

// GetHistory handles GET /api/v1/users/{userID}/history
// Returns the user's action journal, oldest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.authorize(w, r)
	if !ok {
		return
	}
	records, err := s.store.GetActionRecords(r.Context(), userID)
	if err != nil {
		slog.Error("read action history", "user", userID, "err", err)
		writeError(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetDeeplink handles GET /api/v1/users/{userID}/deeplink
// Issues a signed link that lets the user submit a batch without a token.
func (s *Service) GetDeeplink(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if s.links == nil {
		writeError(w, "deeplinks are not enabled", http.StatusNotFound)
		return
	}
	acct, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	sig, err := s.links.Sign(acct.PositionID, userID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, DeeplinkResponse{
		UserID:     userID,
		PositionID: acct.PositionID,
		Signature:  sig,
		Path:       actionsPath(userID, acct.PositionID, sig),
	})
}

// actionsPath is the deeplink target for submitting a batch as userID.
func actionsPath(userID, positionID, sig string) string {
	q := url.Values{"pos": {positionID}, "sig": {sig}}
	return "/api/v1/users/" + url.PathEscape(userID) + "/actions?" + q.Encode()
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context())
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// --- Authentication ---

// principal resolves the caller from a bearer token or a deeplink. Bad or
// missing credentials yield an unverified principal; the executor rejects it.
func (s *Service) principal(r *http.Request, userID string) model.Principal {
	if tok, ok := auth.BearerToken(r.Header.Get("Authorization")); ok && s.tokens != nil {
		p, err := s.tokens.Verify(tok)
		if err != nil {
			slog.Warn("bearer token rejected", "user", userID, "err", err)
			return model.Principal{}
		}
		return p
	}

	q := r.URL.Query()
	pos, sig := q.Get("pos"), q.Get("sig")
	if s.links == nil || pos == "" || sig == "" {
		return model.Principal{}
	}
	p, err := s.links.Verify(pos, userID, sig)
	if err != nil {
		slog.Warn("deeplink rejected", "user", userID, "err", err)
		return model.Principal{}
	}
	// The link must name the position the user actually holds.
	acct, err := s.store.GetAccount(r.Context(), userID)
	if err != nil || acct.PositionID != pos {
		slog.Warn("deeplink position mismatch", "user", userID, "pos", pos)
		return model.Principal{}
	}
	return p
}

// authorize checks the caller may act on userID's data, writing a 401 if
// not. The resolved principal is returned so Execute can check it again.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request) (string, model.Principal, bool) {
	userID := chi.URLParam(r, "userID")
	caller := s.principal(r, userID)
	if err := s.authz.Authorize(r.Context(), caller, userID); err != nil {
		writeExecError(w, &vault.ExecutionError{Kind: vault.KindUnauthorized, Index: -1, Err: err})
		return "", model.Principal{}, false
	}
	return userID, caller, true
}

// --- Responses ---

var kindStatus = map[vault.Kind]int{
	vault.KindInsufficientBalance:   http.StatusConflict,
	vault.KindPoolNotFound:          http.StatusNotFound,
	vault.KindInsuranceClaimFailed:  http.StatusUnprocessableEntity,
	vault.KindUnauthorized:          http.StatusUnauthorized,
	vault.KindInvalidAction:         http.StatusBadRequest,
	vault.KindActionExecutionFailed: http.StatusInternalServerError,
	vault.KindNotAtRisk:             http.StatusConflict,
}

// StatusForKind returns the HTTP status an error kind is reported with.
func StatusForKind(k vault.Kind) int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// StatusForError returns the HTTP status for an executor error. A batch
// rejected because another one for the same user is still running is a
// conflict, not a server fault.
func StatusForError(err error) int {
	if errors.Is(err, vault.ErrReentrantCall) {
		return http.StatusConflict
	}
	if kind, ok := vault.KindOf(err); ok {
		return StatusForKind(kind)
	}
	return http.StatusInternalServerError
}

// writeExecError writes an executor error with its kind, wire code and the
// index of the failing action.
func writeExecError(w http.ResponseWriter, err error) {
	var ee *vault.ExecutionError
	if !errors.As(err, &ee) {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	idx := ee.Index
	writeJSON(w, StatusForError(err), ErrorResponse{
		Error:       err.Error(),
		Kind:        ee.Kind.String(),
		Code:        uint32(ee.Kind),
		ActionIndex: &idx,
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
