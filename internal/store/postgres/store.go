package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ticketColumns = `ticket_id, number, service, agency_id, status, agent_id, counter, client_latitude, client_longitude,
		created_at, called_at, finished_at, wait_minutes, notes, updated_at`
	agentColumns    = `agent_id, agency_id, name, email, role, counter, active, password_hash`
	agencyColumns   = `agency_id, name, address, latitude, longitude, active, open_days, opens_at, closes_at, timezone`
	logEntryColumns = `entry_id, ticket_id, seq, agent_id, agency_id, counter, action, logged_at, comment, prev_hash, hash`

	inServiceIndex = "tickets_agent_in_service_idx"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	reader
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{reader: reader{q: pool}, pool: pool}
}

// InTx runs fn in a transaction that is committed only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Wrap("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&txStore{reader: reader{q: tx}}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.Wrap("commit", err)
	}
	return nil
}

func (s *Store) ListAgencies(ctx context.Context, activeOnly bool) ([]models.Agency, error) {
	query := `SELECT ` + agencyColumns + ` FROM agencies`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, store.Wrap("list agencies", err)
	}
	defer rows.Close()

	var agencies []models.Agency
	for rows.Next() {
		agency, err := scanAgency(rows)
		if err != nil {
			return nil, store.Wrap("list agencies", err)
		}
		agencies = append(agencies, agency)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list agencies", err)
	}

	holidays, err := loadHolidays(ctx, s.pool, "")
	if err != nil {
		return nil, err
	}
	for i := range agencies {
		agencies[i].Holidays = holidays[agencies[i].AgencyID]
	}
	return agencies, nil
}

func (s *Store) GetAgentByEmail(ctx context.Context, email string) (models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE lower(email) = lower($1)`, email)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Agent{}, store.ErrAgentNotFound
		}
		return models.Agent{}, store.Wrap("get agent by email", err)
	}
	return agent, nil
}

func (s *Store) ListLog(ctx context.Context, filter store.LogFilter) ([]models.LogEntry, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.TicketID != "" {
		add("ticket_id = $%d", filter.TicketID)
	}
	if filter.AgencyID != "" {
		add("agency_id = $%d", filter.AgencyID)
	}
	if filter.AgentID != "" {
		add("agent_id = $%d", filter.AgentID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if !filter.From.IsZero() {
		add("logged_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("logged_at <= $%d", filter.To)
	}

	query := `SELECT ` + logEntryColumns + ` FROM distribution_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY logged_at ASC, seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("list log", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, store.Wrap("list log", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list log", err)
	}
	return entries, nil
}

// DeleteTerminalBefore removes done and cancelled tickets last updated before
// cutoff. Their log entries go with them through the foreign key cascade.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tickets
		WHERE status = ANY($1) AND updated_at < $2
	`, statusStrings(store.TerminalStatuses), cutoff)
	if err != nil {
		return 0, store.Wrap("delete terminal tickets", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) UpsertAgency(ctx context.Context, agency models.Agency) error {
	return s.InTx(ctx, func(st store.Tx) error {
		q := st.(*txStore).q
		if _, err := q.Exec(ctx, `
			INSERT INTO agencies (agency_id, name, address, latitude, longitude, active, open_days, opens_at, closes_at, timezone)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (agency_id) DO UPDATE SET
				name = EXCLUDED.name,
				address = EXCLUDED.address,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				active = EXCLUDED.active,
				open_days = EXCLUDED.open_days,
				opens_at = EXCLUDED.opens_at,
				closes_at = EXCLUDED.closes_at,
				timezone = EXCLUDED.timezone,
				updated_at = now()
		`, agency.AgencyID, agency.Name, agency.Address, agency.Latitude, agency.Longitude, agency.Active,
			nonNilStrings(agency.OpenDays), agency.OpensAt, agency.ClosesAt, agency.Timezone); err != nil {
			return store.Wrap("upsert agency", err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM agency_holidays WHERE agency_id = $1`, agency.AgencyID); err != nil {
			return store.Wrap("upsert agency holidays", err)
		}
		for _, holiday := range agency.Holidays {
			if _, err := q.Exec(ctx, `
				INSERT INTO agency_holidays (agency_id, holiday_date, name) VALUES ($1, $2, $3)
				ON CONFLICT (agency_id, holiday_date) DO UPDATE SET name = EXCLUDED.name
			`, agency.AgencyID, holiday.Date, holiday.Name); err != nil {
				return store.Wrap("upsert agency holidays", err)
			}
		}
		return nil
	})
}

func (s *Store) UpsertAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, agency_id, name, email, role, counter, active, password_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (agent_id) DO UPDATE SET
			agency_id = EXCLUDED.agency_id,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			counter = EXCLUDED.counter,
			active = EXCLUDED.active,
			password_hash = CASE WHEN EXCLUDED.password_hash = '' THEN agents.password_hash ELSE EXCLUDED.password_hash END,
			updated_at = now()
	`, agent.AgentID, nullIfEmpty(agent.AgencyID), agent.Name, agent.Email, agent.Role, agent.Counter, agent.Active, agent.PasswordHash)
	return store.Wrap("upsert agent", err)
}

// reader implements the non-locking reads on either the pool or a transaction.
type reader struct {
	q querier
}

func (r reader) GetAgency(ctx context.Context, agencyID string) (models.Agency, error) {
	row := r.q.QueryRow(ctx, `SELECT `+agencyColumns+` FROM agencies WHERE agency_id = $1`, agencyID)
	agency, err := scanAgency(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Agency{}, store.ErrAgencyNotFound
		}
		return models.Agency{}, store.Wrap("get agency", err)
	}
	holidays, err := loadHolidays(ctx, r.q, agencyID)
	if err != nil {
		return models.Agency{}, err
	}
	agency.Holidays = holidays[agencyID]
	return agency, nil
}

func (r reader) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	return r.getAgent(ctx, agentID, "")
}

func (r reader) getAgent(ctx context.Context, agentID, suffix string) (models.Agent, error) {
	row := r.q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`+suffix, agentID)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Agent{}, store.ErrAgentNotFound
		}
		return models.Agent{}, store.Wrap("get agent", err)
	}
	return agent, nil
}

func (r reader) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return r.getTicket(ctx, ticketID, "")
}

func (r reader) getTicket(ctx context.Context, ticketID, suffix string) (models.Ticket, error) {
	row := r.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`+suffix, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrNoSuchTicket
		}
		return models.Ticket{}, store.Wrap("get ticket", err)
	}
	return ticket, nil
}

func (r reader) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	where, args := ticketWhere(filter)
	query := `SELECT ` + ticketColumns + ` FROM tickets` + where
	if filter.NewestFirst {
		query += " ORDER BY created_at DESC, queue_seq DESC"
	} else {
		query += " ORDER BY created_at ASC, queue_seq ASC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("list tickets", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, store.Wrap("list tickets", err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list tickets", err)
	}
	return tickets, nil
}

func (r reader) CountTickets(ctx context.Context, filter store.TicketFilter) (int, error) {
	where, args := ticketWhere(filter)
	var count int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`+where, args...).Scan(&count); err != nil {
		return 0, store.Wrap("count tickets", err)
	}
	return count, nil
}

func (r reader) CurrentTicket(ctx context.Context, agentID string) (models.Ticket, bool, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE agent_id = $1 AND status = $2
		LIMIT 1
	`, agentID, string(models.StatusInService))
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, store.Wrap("current ticket", err)
	}
	return ticket, true, nil
}

type txStore struct {
	reader
}

func (t *txStore) LockAgent(ctx context.Context, agentID string) (models.Agent, error) {
	return t.getAgent(ctx, agentID, " FOR UPDATE")
}

func (t *txStore) LockTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return t.getTicket(ctx, ticketID, " FOR UPDATE")
}

// LockOldestWaiting skips rows another transaction is claiming, so
// concurrent call-next requests each get a distinct ticket.
func (t *txStore) LockOldestWaiting(ctx context.Context, agencyID string) (models.Ticket, bool, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE agency_id = $1 AND status = $2
		ORDER BY created_at ASC, queue_seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, agencyID, string(models.StatusWaiting))
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, store.Wrap("lock oldest waiting", err)
	}
	return ticket, true, nil
}

func (t *txStore) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	_, err := t.q.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, number, service, agency_id, status, agent_id, counter, client_latitude, client_longitude,
			created_at, called_at, finished_at, wait_minutes, notes, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, ticket.TicketID, ticket.Number, string(ticket.Service), ticket.AgencyID, string(ticket.Status),
		ticket.AgentID, ticket.Counter, ticket.ClientLatitude, ticket.ClientLongitude,
		ticket.CreatedAt, ticket.CalledAt, ticket.FinishedAt, ticket.WaitMinutes, ticket.Notes, ticket.UpdatedAt)
	if err != nil {
		return models.Ticket{}, store.Wrap("insert ticket", err)
	}
	return ticket, nil
}

func (t *txStore) UpdateTicket(ctx context.Context, ticket models.Ticket) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE tickets
		SET status = $2, agent_id = $3, counter = $4, called_at = $5, finished_at = $6,
			wait_minutes = $7, notes = $8, updated_at = $9
		WHERE ticket_id = $1
	`, ticket.TicketID, string(ticket.Status), ticket.AgentID, ticket.Counter, ticket.CalledAt, ticket.FinishedAt,
		ticket.WaitMinutes, ticket.Notes, ticket.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == inServiceIndex {
			return store.ErrAgentBusy
		}
		return store.Wrap("update ticket", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoSuchTicket
	}
	return nil
}

func (t *txStore) LastLogEntry(ctx context.Context, ticketID string) (models.LogEntry, bool, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+logEntryColumns+` FROM distribution_logs
		WHERE ticket_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, ticketID)
	entry, err := scanLogEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.LogEntry{}, false, nil
		}
		return models.LogEntry{}, false, store.Wrap("last log entry", err)
	}
	return entry, true, nil
}

func (t *txStore) InsertLogEntry(ctx context.Context, entry models.LogEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO distribution_logs (`+logEntryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.EntryID, entry.TicketID, entry.Seq, entry.AgentID, entry.AgencyID, entry.Counter,
		string(entry.Action), entry.Timestamp, entry.Comment, entry.PrevHash, entry.Hash)
	return store.Wrap("insert log entry", err)
}

func (t *txStore) NextSequence(ctx context.Context, agencyID string, service models.Service, day time.Time) (int, error) {
	var next int
	row := t.q.QueryRow(ctx, `
		INSERT INTO ticket_sequences (agency_id, service, service_day, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (agency_id, service, service_day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, agencyID, string(service), day)
	if err := row.Scan(&next); err != nil {
		return 0, store.Wrap("next sequence", err)
	}
	return next, nil
}

func ticketWhere(filter store.TicketFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.AgencyID != "" {
		add("agency_id = $%d", filter.AgencyID)
	}
	if filter.Service != "" {
		add("service = $%d", string(filter.Service))
	}
	if filter.Number != "" {
		add("number = $%d", filter.Number)
	}
	if filter.AgentID != "" {
		add("agent_id = $%d", filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(filter.Statuses))
	}
	if !filter.CreatedFrom.IsZero() {
		add("created_at >= $%d", filter.CreatedFrom)
	}
	if !filter.CreatedBefore.IsZero() {
		if filter.InclusiveBefore {
			add("created_at <= $%d", filter.CreatedBefore)
		} else {
			add("created_at < $%d", filter.CreatedBefore)
		}
	}
	if !filter.CalledBefore.IsZero() {
		add("called_at < $%d", filter.CalledBefore)
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < $%d", filter.UpdatedBefore)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func loadHolidays(ctx context.Context, q querier, agencyID string) (map[string][]models.Holiday, error) {
	query := `SELECT agency_id, holiday_date, name FROM agency_holidays`
	var args []any
	if agencyID != "" {
		query += ` WHERE agency_id = $1`
		args = append(args, agencyID)
	}
	query += ` ORDER BY holiday_date`
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("load holidays", err)
	}
	defer rows.Close()

	holidays := make(map[string][]models.Holiday)
	for rows.Next() {
		var (
			id      string
			holiday models.Holiday
		)
		if err := rows.Scan(&id, &holiday.Date, &holiday.Name); err != nil {
			return nil, store.Wrap("load holidays", err)
		}
		holidays[id] = append(holidays[id], holiday)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("load holidays", err)
	}
	return holidays, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var (
		ticket         models.Ticket
		service        string
		status         string
		agentIDNull    sql.NullString
		counterNull    sql.NullString
		latNull        sql.NullFloat64
		lngNull        sql.NullFloat64
		calledAtNull   sql.NullTime
		finishedAtNull sql.NullTime
		waitNull       sql.NullInt32
		notesNull      sql.NullString
	)
	if err := row.Scan(&ticket.TicketID, &ticket.Number, &service, &ticket.AgencyID, &status, &agentIDNull, &counterNull,
		&latNull, &lngNull, &ticket.CreatedAt, &calledAtNull, &finishedAtNull, &waitNull, &notesNull, &ticket.UpdatedAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.Service = models.Service(service)
	ticket.Status = models.Status(status)
	ticket.AgentID = nullStringPtr(agentIDNull)
	ticket.Counter = nullStringPtr(counterNull)
	ticket.ClientLatitude = nullFloatPtr(latNull)
	ticket.ClientLongitude = nullFloatPtr(lngNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.FinishedAt = nullTimePtr(finishedAtNull)
	ticket.Notes = nullStringPtr(notesNull)
	if waitNull.Valid {
		wait := int(waitNull.Int32)
		ticket.WaitMinutes = &wait
	}
	return ticket, nil
}

func scanAgent(row pgx.Row) (models.Agent, error) {
	var (
		agent        models.Agent
		agencyIDNull sql.NullString
		counterNull  sql.NullString
	)
	if err := row.Scan(&agent.AgentID, &agencyIDNull, &agent.Name, &agent.Email, &agent.Role, &counterNull, &agent.Active, &agent.PasswordHash); err != nil {
		return models.Agent{}, err
	}
	if agencyIDNull.Valid {
		agent.AgencyID = agencyIDNull.String
	}
	agent.Counter = nullStringPtr(counterNull)
	return agent, nil
}

func scanAgency(row pgx.Row) (models.Agency, error) {
	var (
		agency  models.Agency
		latNull sql.NullFloat64
		lngNull sql.NullFloat64
	)
	if err := row.Scan(&agency.AgencyID, &agency.Name, &agency.Address, &latNull, &lngNull, &agency.Active,
		&agency.OpenDays, &agency.OpensAt, &agency.ClosesAt, &agency.Timezone); err != nil {
		return models.Agency{}, err
	}
	agency.Latitude = nullFloatPtr(latNull)
	agency.Longitude = nullFloatPtr(lngNull)
	return agency, nil
}

func scanLogEntry(row pgx.Row) (models.LogEntry, error) {
	var (
		entry       models.LogEntry
		action      string
		agentIDNull sql.NullString
		counterNull sql.NullString
	)
	if err := row.Scan(&entry.EntryID, &entry.TicketID, &entry.Seq, &agentIDNull, &entry.AgencyID, &counterNull,
		&action, &entry.Timestamp, &entry.Comment, &entry.PrevHash, &entry.Hash); err != nil {
		return models.LogEntry{}, err
	}
	entry.Action = models.Action(action)
	entry.AgentID = nullStringPtr(agentIDNull)
	entry.Counter = nullStringPtr(counterNull)
	return entry, nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullFloatPtr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	return &value.Float64
}
