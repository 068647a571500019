package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

type CreateInput struct {
	AgencyID  string
	Service   models.Service
	Latitude  *float64
	Longitude *float64
}

// Registry creates tickets and answers "who is next" for an agency.
type Registry struct {
	store     store.Store
	clock     Clock
	sequencer Sequencer
	location  *time.Location
}

func NewRegistry(st store.Store, clock Clock, sequencer Sequencer, location *time.Location) *Registry {
	if location == nil {
		location = time.UTC
	}
	return &Registry{store: st, clock: clock, sequencer: sequencer, location: location}
}

func (r *Registry) Create(ctx context.Context, in CreateInput) (models.Ticket, error) {
	var created models.Ticket
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		agency, err := tx.GetAgency(ctx, in.AgencyID)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		if !agency.IsOpenAt(now, r.location) {
			return store.ErrAgencyClosed
		}

		number, err := r.GenerateNumber(ctx, tx, agency, in.Service, now)
		if err != nil {
			return err
		}
		created, err = tx.InsertTicket(ctx, models.Ticket{
			TicketID:        uuid.NewString(),
			Number:          number,
			Service:         in.Service,
			AgencyID:        agency.AgencyID,
			Status:          models.StatusWaiting,
			ClientLatitude:  in.Latitude,
			ClientLongitude: in.Longitude,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return created, nil
}

// GenerateNumber builds the service prefix plus the day's sequence value,
// e.g. PF003. The day is the agency-local calendar day of now.
func (r *Registry) GenerateNumber(ctx context.Context, tx store.Tx, agency models.Agency, service models.Service, now time.Time) (string, error) {
	loc := agency.Location(r.location)
	year, month, day := now.In(loc).Date()
	from := time.Date(year, month, day, 0, 0, 0, 0, loc)
	seq, err := r.sequencer.Next(ctx, tx, SequenceKey{
		AgencyID: agency.AgencyID,
		Service:  service,
		Day:      agency.LocalDay(now, r.location),
		From:     from,
		To:       from.AddDate(0, 0, 1),
	})
	if err != nil {
		return "", err
	}
	return FormatNumber(service, seq), nil
}

// WaitingQueue lists waiting tickets oldest first. An empty service means
// every service of the agency.
func (r *Registry) WaitingQueue(ctx context.Context, agencyID string, service models.Service) ([]models.Ticket, error) {
	return r.store.ListTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Service:  service,
		Statuses: []models.Status{models.StatusWaiting},
	})
}

func (r *Registry) OldestWaiting(ctx context.Context, agencyID string) (models.Ticket, bool, error) {
	tickets, err := r.store.ListTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Statuses: []models.Status{models.StatusWaiting},
		Limit:    1,
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	if len(tickets) == 0 {
		return models.Ticket{}, false, nil
	}
	return tickets[0], true, nil
}
