package worker

import (
	"context"
	"fmt"
	"time"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/store"

	"github.com/xeonx/timeago"
	"go.uber.org/zap"
)

type Kind string

const (
	// KindLongWait is a client waiting longer than the threshold.
	KindLongWait Kind = "long_wait"
	// KindLongService is a called ticket still not finished.
	KindLongService Kind = "long_service"
)

type Notification struct {
	Kind     Kind      `json:"kind"`
	TicketID string    `json:"ticket_id"`
	Number   string    `json:"number"`
	AgencyID string    `json:"agency_id"`
	AgentID  string    `json:"agent_id,omitempty"`
	Since    time.Time `json:"since"`
	Message  string    `json:"message"`
}

// Source is the read side the notifier scans.
type Source interface {
	ListAgencies(ctx context.Context, activeOnly bool) ([]models.Agency, error)
	ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	CountTickets(ctx context.Context, filter store.TicketFilter) (int, error)
}

type NotifierConfig struct {
	WaitingAfter time.Duration
	ServingAfter time.Duration
	// Location is used for agencies without a valid timezone.
	Location *time.Location
	// DryRun builds notifications without handing them to the provider.
	DryRun bool
}

type AgencyReport struct {
	AgencyID      string         `json:"agency_id"`
	Name          string         `json:"name"`
	Waiting       int            `json:"waiting"`
	InService     int            `json:"in_service"`
	Notifications []Notification `json:"notifications"`
}

type Report struct {
	Agencies []AgencyReport `json:"agencies"`
	Sent     int            `json:"sent"`
	Failed   int            `json:"failed"`
}

// Total is the number of notifications and alerts produced, delivered or not.
func (r Report) Total() int {
	total := 0
	for _, agency := range r.Agencies {
		total += len(agency.Notifications)
	}
	return total
}

type Notifier struct {
	source   Source
	clock    queue.Clock
	provider Provider
	cfg      NotifierConfig
	logger   *zap.Logger
}

func NewNotifier(source Source, clock queue.Clock, provider Provider, cfg NotifierConfig, logger *zap.Logger) *Notifier {
	if clock == nil {
		clock = queue.RealClock()
	}
	if provider == nil {
		provider = noopProvider{}
	}
	if cfg.WaitingAfter <= 0 {
		cfg.WaitingAfter = 15 * time.Minute
	}
	if cfg.ServingAfter <= 0 {
		cfg.ServingAfter = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{source: source, clock: clock, provider: provider, cfg: cfg, logger: logger}
}

// Run scans every open agency once. Delivery failures are counted and
// logged; only read failures abort the run.
func (n *Notifier) Run(ctx context.Context) (Report, error) {
	now := n.clock.Now()
	agencies, err := n.source.ListAgencies(ctx, true)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, agency := range agencies {
		if !agency.IsOpenAt(now, n.cfg.Location) {
			continue
		}
		agencyReport, err := n.scanAgency(ctx, agency, now)
		if err != nil {
			return report, err
		}
		for _, notification := range agencyReport.Notifications {
			if n.cfg.DryRun {
				continue
			}
			if err := n.provider.Send(ctx, notification); err != nil {
				report.Failed++
				n.logger.Warn("notification delivery failed",
					zap.String("ticket_id", notification.TicketID),
					zap.String("kind", string(notification.Kind)),
					zap.Error(err),
				)
				continue
			}
			report.Sent++
		}
		report.Agencies = append(report.Agencies, agencyReport)
	}

	n.logger.Info("notification run finished",
		zap.Int("agencies", len(report.Agencies)),
		zap.Int("notifications", report.Total()),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Bool("dry_run", n.cfg.DryRun),
	)
	return report, nil
}

func (n *Notifier) scanAgency(ctx context.Context, agency models.Agency, now time.Time) (AgencyReport, error) {
	report := AgencyReport{AgencyID: agency.AgencyID, Name: agency.Name}

	longWaits, err := n.source.ListTickets(ctx, store.TicketFilter{
		AgencyID:      agency.AgencyID,
		Statuses:      []models.Status{models.StatusWaiting},
		CreatedBefore: now.Add(-n.cfg.WaitingAfter),
	})
	if err != nil {
		return report, err
	}
	for _, ticket := range longWaits {
		report.Notifications = append(report.Notifications, Notification{
			Kind:     KindLongWait,
			TicketID: ticket.TicketID,
			Number:   ticket.Number,
			AgencyID: ticket.AgencyID,
			Since:    ticket.CreatedAt,
			Message:  fmt.Sprintf("Ticket %s waiting since %s", ticket.Number, timeago.English.FormatReference(ticket.CreatedAt, now)),
		})
	}

	longServices, err := n.source.ListTickets(ctx, store.TicketFilter{
		AgencyID:     agency.AgencyID,
		Statuses:     []models.Status{models.StatusInService},
		CalledBefore: now.Add(-n.cfg.ServingAfter),
	})
	if err != nil {
		return report, err
	}
	for _, ticket := range longServices {
		if ticket.CalledAt == nil || ticket.FinishedAt != nil {
			continue
		}
		notification := Notification{
			Kind:     KindLongService,
			TicketID: ticket.TicketID,
			Number:   ticket.Number,
			AgencyID: ticket.AgencyID,
			Since:    *ticket.CalledAt,
			Message:  fmt.Sprintf("Ticket %s in service since %s", ticket.Number, timeago.English.FormatReference(*ticket.CalledAt, now)),
		}
		if ticket.AgentID != nil {
			notification.AgentID = *ticket.AgentID
		}
		report.Notifications = append(report.Notifications, notification)
	}

	if report.Waiting, err = n.source.CountTickets(ctx, store.TicketFilter{
		AgencyID: agency.AgencyID,
		Statuses: []models.Status{models.StatusWaiting},
	}); err != nil {
		return report, err
	}
	if report.InService, err = n.source.CountTickets(ctx, store.TicketFilter{
		AgencyID: agency.AgencyID,
		Statuses: []models.Status{models.StatusInService},
	}); err != nil {
		return report, err
	}
	return report, nil
}
