package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultLogLimit = 200

type Handler struct {
	service  *queue.Service
	issuer   *TokenIssuer
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

type Options struct {
	Issuer *TokenIssuer
	Logger *zap.Logger
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type createTicketRequest struct {
	AgencyID  string   `json:"agency_id"`
	Service   string   `json:"service"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Agent     models.Agent `json:"agent"`
}

type callNextRequest struct {
	AgencyID string `json:"agency_id"`
}

type finishRequest struct {
	Notes *string `json:"notes"`
}

const maxNotesLength = 1000

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(service *queue.Service, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:  service,
		issuer:   options.Issuer,
		logger:   logger,
		gatherer: options.Gatherer,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /api/agencies", h.handleAgencies)
	mux.HandleFunc("POST /api/tickets", h.handleCreateTicket)
	mux.HandleFunc("GET /api/tickets/queue", h.handleQueueState)
	mux.HandleFunc("GET /api/tickets/{number}", h.handleGetTicket)
	mux.HandleFunc("DELETE /api/tickets/{number}", h.handleCancelTicket)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("GET /api/agent/queue", h.handleAgentQueue)
	mux.HandleFunc("POST /api/agent/call-next", h.handleCallNext)
	mux.HandleFunc("POST /api/agent/finish-current", h.handleFinishCurrent)
	mux.HandleFunc("GET /api/agent/history", h.handleAgentHistory)
	mux.HandleFunc("GET /api/admin/logs", h.handleAdminLogs)
	return recordPattern(mux)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleAgencies(w http.ResponseWriter, r *http.Request) {
	agencies, err := h.service.ListAgencies(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agencies)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	var req createTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.AgencyID = strings.TrimSpace(req.AgencyID)
	service := models.ParseService(req.Service)

	if req.AgencyID == "" || service == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "agency_id and service are required")
		return
	}
	if !service.Bookable() {
		writeError(w, requestID, http.StatusBadRequest, "invalid_service", "service does not accept new tickets")
		return
	}
	if !validCoordinates(req.Latitude, req.Longitude) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "latitude and longitude must be given together and in range")
		return
	}

	view, err := h.service.CreateTicket(r.Context(), queue.CreateInput{
		AgencyID:  req.AgencyID,
		Service:   service,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) handleQueueState(w http.ResponseWriter, r *http.Request) {
	agencyID := strings.TrimSpace(r.URL.Query().Get("agency_id"))
	if agencyID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "agency_id is required")
		return
	}
	service := models.ParseService(r.URL.Query().Get("service"))

	state, err := h.service.GetQueueState(r.Context(), agencyID, service)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	number, agencyID, ok := ticketLookup(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetTicket(r.Context(), number, agencyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	number, agencyID, ok := ticketLookup(w, r)
	if !ok {
		return
	}
	ticket, err := h.service.CancelTicket(r.Context(), number, agencyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}
	if h.issuer == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "auth_disabled", "token issuing is not configured")
		return
	}

	agent, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	token, expiresAt, err := h.issuer.Issue(agent)
	if err != nil {
		h.logger.Error("sign token", zap.String("agent_id", agent.AgentID), zap.Error(err))
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, Agent: agent})
}

func (h *Handler) handleAgentQueue(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	view, err := h.service.AgentQueue(r.Context(), claims.AgentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req callNextRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	agencyID := strings.TrimSpace(req.AgencyID)
	if agencyID == "" {
		agencyID = claims.AgencyID
	}
	if agencyID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "agency_id is required")
		return
	}

	ticket, err := h.service.CallNext(r.Context(), agencyID, claims.AgentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleFinishCurrent(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req finishRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Notes != nil {
		trimmed := strings.TrimSpace(*req.Notes)
		req.Notes = &trimmed
		if trimmed == "" {
			req.Notes = nil
		}
		if utf8.RuneCountInString(trimmed) > maxNotesLength {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", fmt.Sprintf("notes must be at most %d characters", maxNotesLength))
			return
		}
	}

	ticket, err := h.service.FinishCurrent(r.Context(), claims.AgentID, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	requestID := requestIDFromRequest(r)
	query := r.URL.Query()

	var q queue.HistoryQuery
	var err error
	if q.From, err = parseDate(query.Get("from")); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "from must be YYYY-MM-DD or RFC3339")
		return
	}
	if q.To, err = parseDate(query.Get("to")); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "to must be YYYY-MM-DD or RFC3339")
		return
	}
	if q.Page, err = parsePositive(query.Get("page")); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "page must be a positive integer")
		return
	}
	if q.PerPage, err = parsePositive(query.Get("per_page")); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "per_page must be a positive integer")
		return
	}

	page, err := h.service.AgentHistory(r.Context(), claims.AgentID, q)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	query := r.URL.Query()

	filter := store.LogFilter{
		TicketID: strings.TrimSpace(query.Get("ticket_id")),
		AgentID:  strings.TrimSpace(query.Get("agent_id")),
		AgencyID: strings.TrimSpace(query.Get("agency_id")),
		Action:   models.Action(strings.TrimSpace(query.Get("action"))),
		Limit:    defaultLogLimit,
	}
	if filter.Action != "" && !filter.Action.Valid() {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "action must be call, finish or cancel")
		return
	}
	var err error
	if filter.From, err = parseDate(query.Get("from")); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "from must be YYYY-MM-DD or RFC3339")
		return
	}
	if filter.To, err = parseDate(query.Get("to")); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "to must be YYYY-MM-DD or RFC3339")
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := parsePositive(raw)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.service.ListLog(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFromRequest(r)),
			zap.Error(err),
		)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func ticketLookup(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	number := strings.TrimSpace(r.PathValue("number"))
	agencyID := strings.TrimSpace(r.URL.Query().Get("agency_id"))
	if number == "" || agencyID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket number and agency_id are required")
		return "", "", false
	}
	return number, agencyID, true
}

func requireClaims(w http.ResponseWriter, r *http.Request) (*Claims, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	return claims, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptional is decodeRequest for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func validCoordinates(lat, lng *float64) bool {
	if (lat == nil) != (lng == nil) {
		return false
	}
	if lat == nil {
		return true
	}
	return *lat >= -90 && *lat <= 90 && *lng >= -180 && *lng <= 180
}

// parseDate accepts a calendar date or an RFC3339 instant. Empty means unset.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parsePositive(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return value, nil
}

func mapError(err error) (int, string, string) {
	reason := queue.Reason(err)
	switch {
	case errors.Is(err, store.ErrAgencyClosed):
		return http.StatusUnprocessableEntity, reason, "agency is closed"
	case errors.Is(err, store.ErrAgencyNotFound):
		return http.StatusNotFound, reason, "agency not found"
	case errors.Is(err, store.ErrAgentNotFound):
		return http.StatusNotFound, reason, "agent not found"
	case errors.Is(err, store.ErrNoSuchTicket):
		return http.StatusNotFound, reason, "ticket not found"
	case errors.Is(err, store.ErrTicketNotWaiting):
		return http.StatusConflict, reason, "ticket is not waiting"
	case errors.Is(err, store.ErrTicketNotInService):
		return http.StatusConflict, reason, "ticket is not in service"
	case errors.Is(err, store.ErrAgentBusy):
		return http.StatusConflict, reason, "agent already serving a ticket"
	case errors.Is(err, store.ErrAgentNotInAgency):
		return http.StatusForbidden, reason, "agent does not belong to this agency"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, reason, "no ticket waiting"
	case errors.Is(err, store.ErrNoCurrentTicket):
		return http.StatusConflict, reason, "agent has no ticket in service"
	case errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized, reason, "invalid email or password"
	case errors.Is(err, store.ErrInvalidLogEntry):
		return http.StatusBadRequest, reason, "invalid log entry"
	case store.IsStorageFailure(err):
		return http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// RequestIDMiddleware assigns an X-Request-ID when the client sent none
// and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestIDFromRequest(r) == "" {
			r.Header.Set("X-Request-ID", uuid.NewString())
		}
		w.Header().Set("X-Request-ID", requestIDFromRequest(r))
		next.ServeHTTP(w, r)
	})
}

type StackOptions struct {
	Logger      *zap.Logger
	Metrics     *HTTPMetrics
	RateLimiter *RateLimiter
}

// Stack wraps the routes with auth, rate limiting, request logging and
// request ids, outermost last.
func (h *Handler) Stack(opts StackOptions) http.Handler {
	var handler http.Handler = h.Routes()
	if h.issuer != nil {
		handler = AuthMiddleware(h.issuer, handler)
	}
	if opts.RateLimiter != nil {
		handler = opts.RateLimiter.Middleware(handler)
	}
	handler = LoggingMiddleware(opts.Logger, opts.Metrics, handler)
	return RequestIDMiddleware(handler)
}
