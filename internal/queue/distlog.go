package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

// DistributionLog is the append-only audit trail of ticket transitions.
// Entries of one ticket form a hash chain ordered by Seq.
type DistributionLog struct {
	store store.Store
}

func NewDistributionLog(st store.Store) *DistributionLog {
	return &DistributionLog{store: st}
}

// Append writes entry inside tx. Only required fields are validated.
func (l *DistributionLog) Append(ctx context.Context, tx store.Tx, entry models.LogEntry) (models.LogEntry, error) {
	switch {
	case entry.TicketID == "":
		return models.LogEntry{}, fmt.Errorf("%w: ticket id is required", store.ErrInvalidLogEntry)
	case entry.AgencyID == "":
		return models.LogEntry{}, fmt.Errorf("%w: agency id is required", store.ErrInvalidLogEntry)
	case !entry.Action.Valid():
		return models.LogEntry{}, fmt.Errorf("%w: unknown action %q", store.ErrInvalidLogEntry, entry.Action)
	case entry.Timestamp.IsZero():
		return models.LogEntry{}, fmt.Errorf("%w: timestamp is required", store.ErrInvalidLogEntry)
	}

	last, found, err := tx.LastLogEntry(ctx, entry.TicketID)
	if err != nil {
		return models.LogEntry{}, err
	}
	entry.Seq = 1
	entry.PrevHash = ""
	if found {
		entry.Seq = last.Seq + 1
		entry.PrevHash = last.Hash
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	entry.Hash = store.ComputeLogEntryHash(entry.PrevHash, entry)
	if err := tx.InsertLogEntry(ctx, entry); err != nil {
		return models.LogEntry{}, err
	}
	return entry, nil
}

func (l *DistributionLog) List(ctx context.Context, filter store.LogFilter) ([]models.LogEntry, error) {
	return l.store.ListLog(ctx, filter)
}

// Verify recomputes the hash chain of one ticket's entries.
func (l *DistributionLog) Verify(ctx context.Context, ticketID string) error {
	entries, err := l.store.ListLog(ctx, store.LogFilter{TicketID: ticketID})
	if err != nil {
		return err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return store.VerifyChain(entries)
}
