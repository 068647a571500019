package store

import (
	"crypto/sha256"
	"fmt"
	"time"

	"qms/agency-queue/internal/models"
)

func ComputeLogEntryHash(prevHash string, entry models.LogEntry) string {
	agentID := ""
	if entry.AgentID != nil {
		agentID = *entry.AgentID
	}
	counter := ""
	if entry.Counter != nil {
		counter = *entry.Counter
	}
	raw := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		prevHash, entry.TicketID, entry.Seq, entry.Action, entry.AgencyID,
		agentID, counter, entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Comment)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyChain checks the per-ticket sequence and hash links of entries
// belonging to a single ticket, in sequence order.
func VerifyChain(entries []models.LogEntry) error {
	prev := ""
	for i, entry := range entries {
		if entry.Seq != i+1 {
			return fmt.Errorf("ticket %s: entry %d has seq %d", entry.TicketID, i+1, entry.Seq)
		}
		if entry.PrevHash != prev {
			return fmt.Errorf("ticket %s: seq %d breaks the chain", entry.TicketID, entry.Seq)
		}
		if want := ComputeLogEntryHash(prev, entry); entry.Hash != want {
			return fmt.Errorf("ticket %s: seq %d hash mismatch", entry.TicketID, entry.Seq)
		}
		prev = entry.Hash
	}
	return nil
}
