package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/store"
	"qms/agency-queue/internal/store/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	clock   *queue.FakeClock
	store   *memory.Store
	issuer  *TokenIssuer
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := queue.NewFakeClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	st := memory.NewStore()

	require.NoError(t, st.UpsertAgency(ctx, models.Agency{
		AgencyID: "agency-a",
		Name:     "Plateau",
		Active:   true,
		OpenDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday"},
		OpensAt:  "08:00",
		ClosesAt: "17:00",
		Timezone: "UTC",
	}))
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	counter := "3"
	require.NoError(t, st.UpsertAgent(ctx, models.Agent{
		AgentID: "agent-x", AgencyID: "agency-a", Name: "Awa", Email: "awa@example.com",
		Role: models.RoleAgent, Counter: &counter, Active: true, PasswordHash: string(hash),
	}))
	require.NoError(t, st.UpsertAgent(ctx, models.Agent{
		AgentID: "admin-1", Name: "Root", Email: "root@example.com",
		Role: models.RoleAdmin, Active: true, PasswordHash: string(hash),
	}))

	reg := prometheus.NewRegistry()
	service := queue.NewService(st, queue.Options{
		Clock:   clock,
		Metrics: queue.NewMetrics(reg),
	})
	issuer := NewTokenIssuer("test-secret", time.Hour, clock.Now)
	h := NewHandler(service, Options{Issuer: issuer, Gatherer: reg})
	return &fixture{
		clock:  clock,
		store:  st,
		issuer: issuer,
		handler: h.Stack(StackOptions{
			Metrics:     NewHTTPMetrics(reg),
			RateLimiter: NewRateLimiter(RateLimitConfig{IPPerMinute: 6000, IPBurst: 1000, AgencyPerMinute: 6000, AgencyBurst: 1000}),
		}),
	}
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	return resp
}

func (f *fixture) token(t *testing.T, agentID string) string {
	t.Helper()
	agent, err := f.store.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	token, _, err := f.issuer.Issue(agent)
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateTicketAndLookup(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "agency-a", "service": "transfer"}, "")
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	created := decode[queue.TicketView](t, resp)
	assert.Equal(t, "TR001", created.Number)
	assert.Equal(t, models.StatusWaiting, created.Status)
	assert.Equal(t, 1, created.Position)
	assert.Equal(t, 0, created.EstimatedWaitMinutes)
	assert.NotEmpty(t, resp.Header().Get("X-Request-ID"))

	resp = f.do(t, http.MethodGet, "/api/tickets/tr001?agency_id=agency-a", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	found := decode[queue.TicketView](t, resp)
	assert.Equal(t, created.TicketID, found.TicketID)
}

func TestCreateTicketValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{name: "missing agency", body: map[string]string{"service": "transfer"}, code: "invalid_request"},
		{name: "legacy service", body: map[string]string{"agency_id": "agency-a", "service": "water_bill"}, code: "invalid_service"},
		{name: "unknown field", body: map[string]string{"agency_id": "agency-a", "service": "transfer", "phone": "1"}, code: "invalid_json"},
		{name: "half coordinates", body: map[string]interface{}{"agency_id": "agency-a", "service": "transfer", "latitude": 5.3}, code: "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/tickets", tc.body, "")
			require.Equal(t, http.StatusBadRequest, resp.Code)
			body := decode[errorResponse](t, resp)
			assert.Equal(t, tc.code, body.Error.Code)
		})
	}
}

func TestCreateTicketClosedAgency(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2025, 3, 3, 7, 59, 0, 0, time.UTC))

	resp := f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "agency-a", "service": "transfer"}, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "agency_closed", decode[errorResponse](t, resp).Error.Code)

	resp = f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "nope", "service": "transfer"}, "")
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "agency_not_found", decode[errorResponse](t, resp).Error.Code)
}

func TestQueueStateAndCancel(t *testing.T) {
	f := newFixture(t)
	for _, service := range []string{"transfer", "bill_payment", "transfer"} {
		resp := f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "agency-a", "service": service}, "")
		require.Equal(t, http.StatusCreated, resp.Code)
		f.clock.Advance(time.Minute)
	}

	resp := f.do(t, http.MethodGet, "/api/tickets/queue?agency_id=agency-a&service=transfer", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	state := decode[queue.QueueState](t, resp)
	require.Len(t, state.Waiting, 2)
	assert.Equal(t, "TR001", state.Waiting[0].Number)
	assert.Equal(t, 3, state.Waiting[1].Position)

	resp = f.do(t, http.MethodDelete, "/api/tickets/PF001?agency_id=agency-a", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, models.StatusCancelled, decode[models.Ticket](t, resp).Status)

	resp = f.do(t, http.MethodDelete, "/api/tickets/PF001?agency_id=agency-a", nil, "")
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "ticket_not_waiting", decode[errorResponse](t, resp).Error.Code)

	resp = f.do(t, http.MethodGet, "/api/tickets/queue", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": " AWA@example.com ", "password": "secret-pass"}, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	login := decode[loginResponse](t, resp)
	assert.Equal(t, "agent-x", login.Agent.AgentID)
	assert.Equal(t, f.clock.Now().Add(time.Hour), login.ExpiresAt)

	claims, err := f.issuer.Parse(login.Token)
	require.NoError(t, err)
	assert.Equal(t, "agency-a", claims.AgencyID)

	resp = f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "awa@example.com", "password": "wrong"}, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "invalid_credentials", decode[errorResponse](t, resp).Error.Code)

	resp = f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "ghost@example.com", "password": "secret-pass"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAgentRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/agent/queue", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = f.do(t, http.MethodGet, "/api/agent/queue", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	token := f.token(t, "agent-x")
	f.clock.Advance(2 * time.Hour)
	resp = f.do(t, http.MethodGet, "/api/agent/queue", nil, token)
	assert.Equal(t, http.StatusUnauthorized, resp.Code, "expired token")
}

func TestAgentCallAndFinish(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "agent-x")

	resp := f.do(t, http.MethodPost, "/api/agent/call-next", nil, token)
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "queue_empty", decode[errorResponse](t, resp).Error.Code)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "agency-a", "service": "transfer"}, "").Code)
	f.clock.Advance(7 * time.Minute)

	resp = f.do(t, http.MethodPost, "/api/agent/call-next", nil, token)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	called := decode[models.Ticket](t, resp)
	assert.Equal(t, models.StatusInService, called.Status)
	require.NotNil(t, called.WaitMinutes)
	assert.Equal(t, 7, *called.WaitMinutes)

	resp = f.do(t, http.MethodGet, "/api/tickets/TR001?agency_id=agency-a", nil, "")
	assert.Equal(t, "Number TR001 is called at counter 3", decode[queue.TicketView](t, resp).DisplayMessage)

	resp = f.do(t, http.MethodGet, "/api/agent/queue", nil, token)
	require.Equal(t, http.StatusOK, resp.Code)
	view := decode[queue.AgentQueue](t, resp)
	require.NotNil(t, view.Current)
	assert.Equal(t, "TR001", view.Current.Number)

	resp = f.do(t, http.MethodPost, "/api/agent/finish-current", map[string]string{"notes": "  paid  "}, token)
	require.Equal(t, http.StatusOK, resp.Code)
	finished := decode[models.Ticket](t, resp)
	assert.Equal(t, models.StatusDone, finished.Status)
	require.NotNil(t, finished.Notes)
	assert.Equal(t, "paid", *finished.Notes)

	resp = f.do(t, http.MethodPost, "/api/agent/finish-current", nil, token)
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "no_current_ticket", decode[errorResponse](t, resp).Error.Code)

	resp = f.do(t, http.MethodGet, "/api/agent/history?per_page=10", nil, token)
	require.Equal(t, http.StatusOK, resp.Code)
	history := decode[queue.HistoryPage](t, resp)
	assert.Equal(t, 1, history.Total)
	assert.Equal(t, 1, history.Totals.Done)

	resp = f.do(t, http.MethodGet, "/api/agent/history?page=0", nil, token)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAdminLogs(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "agency-a", "service": "transfer"}, "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/tickets/TR001?agency_id=agency-a", nil, "").Code)

	resp := f.do(t, http.MethodGet, "/api/admin/logs?agency_id=agency-a", nil, f.token(t, "agent-x"))
	assert.Equal(t, http.StatusForbidden, resp.Code)

	admin := f.token(t, "admin-1")
	resp = f.do(t, http.MethodGet, "/api/admin/logs?agency_id=agency-a", nil, admin)
	require.Equal(t, http.StatusOK, resp.Code)
	entries := decode[[]models.LogEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionCancel, entries[0].Action)
	assert.Equal(t, "cancelled by client", entries[0].Comment)

	resp = f.do(t, http.MethodGet, "/api/admin/logs?action=teleport", nil, admin)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAgenciesHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/agencies", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	agencies := decode[[]queue.AgencyView](t, resp)
	require.Len(t, agencies, 1)
	assert.True(t, agencies[0].OpenNow)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, "").Code)

	resp = f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), `http_requests_total{method="GET",route="GET /api/agencies",status="200"} 1`))
}

func TestMapErrorStorageFailure(t *testing.T) {
	status, code, _ := mapError(store.Wrap("list tickets", context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "storage_unavailable", code)

	status, code, _ = mapError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", code)
}

func TestCallNextOtherAgency(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertAgency(context.Background(), models.Agency{
		AgencyID: "agency-b",
		Name:     "Cocody",
		Active:   true,
		OpenDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		OpensAt:  "08:00",
		ClosesAt: "17:00",
		Timezone: "UTC",
	}))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "agency-b", "service": "transfer"}, "").Code)

	resp := f.do(t, http.MethodPost, "/api/agent/call-next", map[string]string{"agency_id": "agency-b"}, f.token(t, "agent-x"))
	require.Equal(t, http.StatusForbidden, resp.Code, resp.Body.String())
	assert.Equal(t, "agent_not_in_agency", decode[errorResponse](t, resp).Error.Code)

	resp = f.do(t, http.MethodGet, "/api/tickets/TR001?agency_id=agency-b", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, models.StatusWaiting, decode[queue.TicketView](t, resp).Status)

	resp = f.do(t, http.MethodPost, "/api/agent/call-next", map[string]string{"agency_id": "agency-b"}, f.token(t, "admin-1"))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	called := decode[models.Ticket](t, resp)
	assert.Equal(t, "agency-b", called.AgencyID)
	require.NotNil(t, called.AgentID)
	assert.Equal(t, "admin-1", *called.AgentID)
}

func TestFinishRejectsLongNotes(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "agent-x")
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tickets", map[string]string{"agency_id": "agency-a", "service": "transfer"}, "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/agent/call-next", nil, token).Code)

	resp := f.do(t, http.MethodPost, "/api/agent/finish-current", map[string]string{"notes": strings.Repeat("é", maxNotesLength+1)}, token)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_request", decode[errorResponse](t, resp).Error.Code)

	resp = f.do(t, http.MethodPost, "/api/agent/finish-current", map[string]string{"notes": strings.Repeat("é", maxNotesLength)}, token)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	finished := decode[models.Ticket](t, resp)
	require.NotNil(t, finished.Notes)
	assert.Len(t, []rune(*finished.Notes), maxNotesLength)
}
