package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/store"
	"qms/agency-queue/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	mu   sync.Mutex
	sent []Notification
}

func (p *recordingProvider) Send(ctx context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

type env struct {
	clock   *queue.FakeClock
	store   *memory.Store
	service *queue.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clock := queue.NewFakeClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	st := memory.NewStore()
	require.NoError(t, st.UpsertAgency(ctx, models.Agency{
		AgencyID: "agency-a", Name: "Plateau", Active: true,
		OpenDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		OpensAt:  "08:00", ClosesAt: "17:00", Timezone: "UTC",
	}))
	require.NoError(t, st.UpsertAgency(ctx, models.Agency{
		AgencyID: "agency-sunday", Name: "Sunday only", Active: true,
		OpenDays: []string{"sunday"}, OpensAt: "08:00", ClosesAt: "17:00", Timezone: "UTC",
	}))
	counter := "3"
	require.NoError(t, st.UpsertAgent(ctx, models.Agent{
		AgentID: "agent-x", AgencyID: "agency-a", Name: "Awa", Role: models.RoleAgent, Counter: &counter, Active: true,
	}))
	return &env{clock: clock, store: st, service: queue.NewService(st, queue.Options{Clock: clock})}
}

func (e *env) create(t *testing.T, service models.Service) queue.TicketView {
	t.Helper()
	view, err := e.service.CreateTicket(context.Background(), queue.CreateInput{AgencyID: "agency-a", Service: service})
	require.NoError(t, err)
	return view
}

func TestNotifierFindsLongWaitsAndLongServices(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.create(t, models.ServiceTransfer)
	second := e.create(t, models.ServiceBillPayment)
	e.clock.Advance(2 * time.Minute)
	_, err := e.service.CallNext(ctx, "agency-a", "agent-x")
	require.NoError(t, err)

	// A waiting ticket at an agency that is closed today is ignored.
	require.NoError(t, e.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertTicket(ctx, models.Ticket{
			TicketID: "closed-1", Number: "TR001", Service: models.ServiceTransfer, AgencyID: "agency-sunday",
			Status: models.StatusWaiting, CreatedAt: e.clock.Now().Add(-time.Hour), UpdatedAt: e.clock.Now(),
		})
		return err
	}))

	e.clock.Set(time.Date(2025, 3, 3, 9, 20, 0, 0, time.UTC))
	provider := &recordingProvider{}
	notifier := NewNotifier(e.store, e.clock, provider, NotifierConfig{WaitingAfter: 15 * time.Minute, ServingAfter: 5 * time.Minute}, nil)

	report, err := notifier.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Agencies, 1)
	agency := report.Agencies[0]
	assert.Equal(t, "agency-a", agency.AgencyID)
	assert.Equal(t, 1, agency.Waiting)
	assert.Equal(t, 1, agency.InService)
	assert.Equal(t, 2, report.Total())
	assert.Equal(t, 2, report.Sent)

	require.Len(t, provider.sent, 2)
	byKind := map[Kind]Notification{}
	for _, n := range provider.sent {
		byKind[n.Kind] = n
	}
	assert.Equal(t, second.TicketID, byKind[KindLongWait].TicketID)
	assert.Contains(t, byKind[KindLongWait].Message, "Ticket PF001 waiting since")
	assert.Contains(t, byKind[KindLongWait].Message, "ago")
	assert.Equal(t, first.TicketID, byKind[KindLongService].TicketID)
	assert.Equal(t, "agent-x", byKind[KindLongService].AgentID)
}

func TestNotifierThresholdsAndDryRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, models.ServiceTransfer)

	e.clock.Advance(10 * time.Minute)
	provider := &recordingProvider{}
	report, err := NewNotifier(e.store, e.clock, provider, NotifierConfig{}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total(), "default waiting threshold is 15 minutes")

	e.clock.Advance(10 * time.Minute)
	report, err = NewNotifier(e.store, e.clock, provider, NotifierConfig{DryRun: true}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total())
	assert.Equal(t, 0, report.Sent)
	assert.Empty(t, provider.sent)

	report, err = NewNotifier(e.store, e.clock, failProvider{}, NotifierConfig{}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

func TestNotifierSkipsClosedHours(t *testing.T) {
	e := newEnv(t)
	e.create(t, models.ServiceTransfer)
	e.clock.Set(time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC))

	report, err := NewNotifier(e.store, e.clock, nil, NotifierConfig{}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Agencies)
}

func TestCleanerDeletesOldTerminalTickets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cancelled := e.create(t, models.ServiceTransfer)
	e.create(t, models.ServiceTransfer)
	_, err := e.service.CancelTicket(ctx, cancelled.Number, "agency-a")
	require.NoError(t, err)

	cleaner := NewCleaner(e.store, e.clock, 30, nil)
	pending, err := cleaner.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	e.clock.Advance(31 * 24 * time.Hour)
	pending, err = cleaner.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	deleted, err := cleaner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = e.store.GetTicket(ctx, cancelled.TicketID)
	assert.ErrorIs(t, err, store.ErrNoSuchTicket)
	waiting, err := e.store.CountTickets(ctx, store.TicketFilter{Statuses: []models.Status{models.StatusWaiting}})
	require.NoError(t, err)
	assert.Equal(t, 1, waiting, "waiting tickets are never cleaned up")
}

func TestSchedulerRegistersJobs(t *testing.T) {
	e := newEnv(t)
	cleaner := NewCleaner(e.store, e.clock, 30, nil)
	notifier := NewNotifier(e.store, e.clock, nil, NotifierConfig{}, nil)

	s, err := NewScheduler(ScheduleConfig{CleanupSpec: "@daily", NotifySpec: "@every 5m"}, cleaner, notifier, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Jobs())
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	s, err = NewScheduler(ScheduleConfig{NotifySpec: "@every 5m"}, cleaner, notifier, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Jobs())

	_, err = NewScheduler(ScheduleConfig{CleanupSpec: "not a schedule"}, cleaner, notifier, nil)
	assert.Error(t, err)
}

func TestWebhookProvider(t *testing.T) {
	var got Notification
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider := NewProvider(ProviderConfig{Kind: "webhook", WebhookURL: server.URL, WebhookToken: "tok"}, nil)
	err := provider.Send(context.Background(), Notification{Kind: KindLongWait, Number: "TR001", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "TR001", got.Number)

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer rejecting.Close()
	err = NewProvider(ProviderConfig{Kind: rejecting.URL}, nil).Send(context.Background(), Notification{})
	assert.Error(t, err)
}

func TestNewProviderFallbacks(t *testing.T) {
	assert.IsType(t, logProvider{}, NewProvider(ProviderConfig{}, nil))
	assert.IsType(t, logProvider{}, NewProvider(ProviderConfig{Kind: "webhook"}, nil))
	assert.IsType(t, logProvider{}, NewProvider(ProviderConfig{Kind: "carrier-pigeon"}, nil))
	assert.IsType(t, noopProvider{}, NewProvider(ProviderConfig{Kind: "noop"}, nil))
	assert.IsType(t, failProvider{}, NewProvider(ProviderConfig{Kind: "fail"}, nil))
}
