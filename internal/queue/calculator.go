package queue

import (
	"context"
	"time"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

const DefaultAverageServiceMinutes = 5

// Calculator derives position and estimated wait from the waiting queue.
// It never writes.
type Calculator struct {
	reader                store.Reader
	averageServiceMinutes int
}

func NewCalculator(reader store.Reader, averageServiceMinutes int) *Calculator {
	if averageServiceMinutes <= 0 {
		averageServiceMinutes = DefaultAverageServiceMinutes
	}
	return &Calculator{reader: reader, averageServiceMinutes: averageServiceMinutes}
}

func (c *Calculator) AverageServiceMinutes() int { return c.averageServiceMinutes }

// PositionOf is 1-based and counts the ticket itself. Non-waiting tickets
// have position 0.
func (c *Calculator) PositionOf(ctx context.Context, ticket models.Ticket) (int, error) {
	if ticket.Status != models.StatusWaiting {
		return 0, nil
	}
	return c.reader.CountTickets(ctx, store.TicketFilter{
		AgencyID:        ticket.AgencyID,
		Statuses:        []models.Status{models.StatusWaiting},
		CreatedBefore:   ticket.CreatedAt,
		InclusiveBefore: true,
	})
}

func (c *Calculator) EstimatedWaitMinutes(ctx context.Context, ticket models.Ticket) (int, error) {
	if ticket.Status != models.StatusWaiting {
		return 0, nil
	}
	ahead, err := c.reader.CountTickets(ctx, store.TicketFilter{
		AgencyID:      ticket.AgencyID,
		Statuses:      []models.Status{models.StatusWaiting},
		CreatedBefore: ticket.CreatedAt,
	})
	if err != nil {
		return 0, err
	}
	return ahead * c.averageServiceMinutes, nil
}

type QueuedTicket struct {
	models.Ticket
	Position             int `json:"position"`
	EstimatedWaitMinutes int `json:"estimated_wait_minutes"`
}

// Annotate computes positions and waits for a whole agency queue, which
// must be ordered oldest first, with the same formulas as PositionOf and
// EstimatedWaitMinutes.
func (c *Calculator) Annotate(queue []models.Ticket) []QueuedTicket {
	out := make([]QueuedTicket, len(queue))
	start := 0
	for start < len(queue) {
		end := start + 1
		for end < len(queue) && queue[end].CreatedAt.Equal(queue[start].CreatedAt) {
			end++
		}
		for i := start; i < end; i++ {
			out[i] = QueuedTicket{
				Ticket:               queue[i],
				Position:             end,
				EstimatedWaitMinutes: start * c.averageServiceMinutes,
			}
		}
		start = end
	}
	return out
}

// ElapsedMinutes is the floored number of whole minutes between from and to.
func ElapsedMinutes(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}
