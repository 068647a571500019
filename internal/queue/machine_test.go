package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

// seedTicket inserts a ticket already in the given status, held by agent-y
// when it has been called.
func seedTicket(t *testing.T, f fixture, status models.Status) models.Ticket {
	t.Helper()
	now := f.clock.Now()
	ticket := models.Ticket{
		TicketID:  uuid.NewString(),
		Number:    "TR" + string(status),
		Service:   models.ServiceTransfer,
		AgencyID:  agencyA,
		Status:    status,
		CreatedAt: now.Add(-10 * time.Minute),
		UpdatedAt: now,
	}
	if status != models.StatusWaiting {
		holder := "agent-y"
		calledAt := now.Add(-time.Minute)
		ticket.AgentID = &holder
		ticket.CalledAt = &calledAt
	}
	if status == models.StatusDone {
		ticket.FinishedAt = &now
	}
	err := f.store.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.InsertTicket(context.Background(), ticket)
		return err
	})
	require.NoError(t, err)
	return ticket
}

func TestOnlyForwardTransitionsSucceed(t *testing.T) {
	statuses := []models.Status{models.StatusWaiting, models.StatusInService, models.StatusDone, models.StatusCancelled}
	actions := []models.Action{models.ActionCall, models.ActionFinish, models.ActionCancel}

	for _, from := range statuses {
		for _, action := range actions {
			t.Run(string(from)+"/"+string(action), func(t *testing.T) {
				f := newFixture(t)
				ctx := context.Background()
				ticket := seedTicket(t, f, from)

				var (
					got models.Ticket
					err error
				)
				switch action {
				case models.ActionCall:
					got, err = f.svc.machine.Call(ctx, ticket.TicketID, "agent-x")
				case models.ActionFinish:
					got, err = f.svc.machine.Finish(ctx, ticket.TicketID, nil)
				case models.ActionCancel:
					got, err = f.svc.machine.Cancel(ctx, ticket.TicketID)
				}

				entries := f.logFor(t, ticket.TicketID)
				stored, getErr := f.store.GetTicket(ctx, ticket.TicketID)
				require.NoError(t, getErr)

				if store.ValidTransition(action, from) {
					require.NoError(t, err)
					want, _ := store.Target(action)
					assert.Equal(t, want, got.Status)
					assert.Equal(t, want, stored.Status)
					require.Len(t, entries, 1)
					assert.Equal(t, action, entries[0].Action)
					assert.True(t, store.CanMove(from, want))
					return
				}
				assert.ErrorIs(t, err, store.TransitionError(action))
				assert.Equal(t, from, stored.Status)
				assert.Empty(t, entries)
			})
		}
	}
}

func TestCallSetsTimestampsAndWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, models.ServiceCustomerAdvice)
	f.clock.Advance(7*time.Minute + 50*time.Second)

	called, err := f.svc.machine.Call(ctx, view.TicketID, "agent-x")
	require.NoError(t, err)
	require.NotNil(t, called.WaitMinutes)
	assert.Equal(t, 7, *called.WaitMinutes)
	assert.Equal(t, f.clock.Now(), *called.CalledAt)
	assert.Nil(t, called.FinishedAt)
	require.NotNil(t, called.Counter)
	assert.Equal(t, "3", *called.Counter)
}

func TestCallRejectsBusyAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, models.ServiceTransfer)
	second := f.create(t, models.ServiceTransfer)

	_, err := f.svc.machine.Call(ctx, first.TicketID, "agent-x")
	require.NoError(t, err)
	_, err = f.svc.machine.Call(ctx, second.TicketID, "agent-x")
	assert.ErrorIs(t, err, store.ErrAgentBusy)

	stored, err := f.store.GetTicket(ctx, second.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, stored.Status)
}

func TestCallUnknownTicket(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.machine.Call(context.Background(), "missing", "agent-x")
	assert.ErrorIs(t, err, store.ErrNoSuchTicket)
}
