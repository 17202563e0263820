package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var storeTracer = otel.Tracer("audittrail/audit/store")

// eventColumns is the column list used for SELECT statements on audit_events
const eventColumns = `id, occurred_at, actor_id, actor_name, actor_role, actor_ip,
	actor_location, actor_agent, classification, subject_kind, subject_id, subject_name`

// executor is the interface satisfied by both *sql.DB and *sql.Tx
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DBStore implements Repository on PostgreSQL. The schema is created by the
// migrations in pkg/storage/postgres.
type DBStore struct {
	db *sql.DB
}

// Compile-time checks
var (
	_ Repository = (*DBStore)(nil)
	_ Repository = (*txStore)(nil)
	_ Repository = (*MemoryStore)(nil)
)

// NewDBStore creates a PostgreSQL-backed repository
func NewDBStore(db *sql.DB) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBStore{db: db}, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return storeTracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error, msg string) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

func (s *DBStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Save writes the event row and replaces its child rows in one transaction.
// ev.ID is assigned only after the commit succeeds.
func (s *DBStore) Save(ctx context.Context, ev *Event) (err error) {
	ctx, span := startSpan(ctx, "AuditStore.Save",
		attribute.String("audit.classification", ev.Classification),
		attribute.Bool("audit.insert", ev.IsNew()),
	)
	defer func() { endSpan(span, err, "failed to save event") }()

	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = querySaveEvent(ctx, tx, ev)
		return err
	})
	if err != nil {
		return err
	}
	ev.ID = id
	span.SetAttributes(attribute.Int64("audit.event_id", id))
	return nil
}

// Load returns the event with its properties and meta
func (s *DBStore) Load(ctx context.Context, id int64) (ev *Event, err error) {
	ctx, span := startSpan(ctx, "AuditStore.Load", attribute.Int64("audit.event_id", id))
	defer func() { endSpan(span, err, "failed to load event") }()
	return queryLoadEvent(ctx, s.db, id)
}

// Delete removes the event and its child rows in one transaction
func (s *DBStore) Delete(ctx context.Context, id int64) (err error) {
	if id <= 0 {
		return ErrInvalidID
	}
	ctx, span := startSpan(ctx, "AuditStore.Delete", attribute.Int64("audit.event_id", id))
	defer func() { endSpan(span, err, "failed to delete event") }()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return queryDeleteEvent(ctx, tx, id)
	})
}

// MostRecent returns the newest event for classification and subject
func (s *DBStore) MostRecent(ctx context.Context, classification string, subject *SubjectRef) (ev *Event, err error) {
	ctx, span := startSpan(ctx, "AuditStore.MostRecent", attribute.String("audit.classification", classification))
	defer func() { endSpan(span, err, "failed to query most recent event") }()
	return queryMostRecent(ctx, s.db, classification, subject)
}

// MostRecentForActor returns the actor's newest event for classification
func (s *DBStore) MostRecentForActor(ctx context.Context, classification string, actorID int64) (ev *Event, err error) {
	ctx, span := startSpan(ctx, "AuditStore.MostRecentForActor", attribute.String("audit.classification", classification))
	defer func() { endSpan(span, err, "failed to query most recent event") }()
	return queryMostRecentForActor(ctx, s.db, classification, actorID)
}

// Search returns matching events with child rows loaded
func (s *DBStore) Search(ctx context.Context, filter SearchFilter) (events []*Event, err error) {
	ctx, span := startSpan(ctx, "AuditStore.Search")
	defer func() { endSpan(span, err, "failed to search events") }()
	return querySearch(ctx, s.db, filter)
}

// DeleteBefore removes events older than cutoff
func (s *DBStore) DeleteBefore(ctx context.Context, cutoff time.Time) (n int64, err error) {
	ctx, span := startSpan(ctx, "AuditStore.DeleteBefore")
	defer func() { endSpan(span, err, "failed to delete old events") }()
	return queryDeleteBefore(ctx, s.db, cutoff)
}

// LockSubject needs a transaction; use it through RunInTransaction
func (s *DBStore) LockSubject(ctx context.Context, key string) error {
	return fmt.Errorf("LockSubject requires a transaction")
}

// SaveNote inserts or replaces the note for note.EventID
func (s *DBStore) SaveNote(ctx context.Context, note *Note) (err error) {
	ctx, span := startSpan(ctx, "AuditStore.SaveNote", attribute.Int64("audit.event_id", note.EventID))
	defer func() { endSpan(span, err, "failed to save note") }()
	return querySaveNote(ctx, s.db, note)
}

// LoadNote returns the note for eventID
func (s *DBStore) LoadNote(ctx context.Context, eventID int64) (n *Note, err error) {
	ctx, span := startSpan(ctx, "AuditStore.LoadNote", attribute.Int64("audit.event_id", eventID))
	defer func() { endSpan(span, err, "failed to load note") }()
	return queryLoadNote(ctx, s.db, eventID)
}

// RunInTransaction begins a transaction, hands fn a txStore bound to it and
// commits on success or rolls back on error
func (s *DBStore) RunInTransaction(ctx context.Context, fn func(tx Repository) error) (err error) {
	ctx, span := startSpan(ctx, "AuditStore.Transaction")
	defer func() { endSpan(span, err, "transaction failed") }()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

// txStore implements Repository on a *sql.Tx
type txStore struct {
	tx *sql.Tx
}

func (s *txStore) Save(ctx context.Context, ev *Event) error {
	id, err := querySaveEvent(ctx, s.tx, ev)
	if err != nil {
		return err
	}
	ev.ID = id
	return nil
}

func (s *txStore) Load(ctx context.Context, id int64) (*Event, error) {
	return queryLoadEvent(ctx, s.tx, id)
}

func (s *txStore) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidID
	}
	return queryDeleteEvent(ctx, s.tx, id)
}

func (s *txStore) MostRecent(ctx context.Context, classification string, subject *SubjectRef) (*Event, error) {
	return queryMostRecent(ctx, s.tx, classification, subject)
}

func (s *txStore) MostRecentForActor(ctx context.Context, classification string, actorID int64) (*Event, error) {
	return queryMostRecentForActor(ctx, s.tx, classification, actorID)
}

func (s *txStore) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	return querySearch(ctx, s.tx, filter)
}

func (s *txStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return queryDeleteBefore(ctx, s.tx, cutoff)
}

// LockSubject takes a transaction-scoped advisory lock on key
func (s *txStore) LockSubject(ctx context.Context, key string) error {
	_, err := s.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (s *txStore) SaveNote(ctx context.Context, note *Note) error {
	return querySaveNote(ctx, s.tx, note)
}

func (s *txStore) LoadNote(ctx context.Context, eventID int64) (*Note, error) {
	return queryLoadNote(ctx, s.tx, eventID)
}

// RunInTransaction reuses the open transaction
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx Repository) error) error {
	return fn(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonbBytes returns nil for empty input so the column stores NULL
func jsonbBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// querySaveEvent upserts the event row and replaces its child rows. It
// returns the event id without touching ev.
func querySaveEvent(ctx context.Context, db executor, ev *Event) (int64, error) {
	var subjectKind, subjectID, subjectName sql.NullString
	if ev.Subject != nil {
		subjectKind = nullString(string(ev.Subject.Kind))
		subjectID = sql.NullString{String: ev.Subject.ID, Valid: true}
		subjectName = sql.NullString{String: ev.Subject.Name, Valid: true}
	}

	id := ev.ID
	if id == 0 {
		err := db.QueryRowContext(ctx, `
			INSERT INTO audit_events (
				occurred_at, actor_id, actor_name, actor_role, actor_ip,
				actor_location, actor_agent, classification,
				subject_kind, subject_id, subject_name
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			ev.OccurredAt, ev.ActorID, ev.ActorName, ev.ActorRole, ev.ActorIP,
			ev.ActorLocation, ev.ActorAgent, ev.Classification,
			subjectKind, subjectID, subjectName,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
	} else {
		res, err := db.ExecContext(ctx, `
			UPDATE audit_events SET
				occurred_at = $2, actor_id = $3, actor_name = $4, actor_role = $5,
				actor_ip = $6, actor_location = $7, actor_agent = $8,
				classification = $9, subject_kind = $10, subject_id = $11, subject_name = $12
			WHERE id = $1`,
			id, ev.OccurredAt, ev.ActorID, ev.ActorName, ev.ActorRole,
			ev.ActorIP, ev.ActorLocation, ev.ActorAgent,
			ev.Classification, subjectKind, subjectID, subjectName,
		)
		if err != nil {
			return 0, fmt.Errorf("update event %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return 0, ErrNotFound
		}
	}

	if err := queryReplaceProperties(ctx, db, id, ev.Properties); err != nil {
		return 0, err
	}
	if err := queryReplaceMeta(ctx, db, id, ev.Meta); err != nil {
		return 0, err
	}
	return id, nil
}

func queryReplaceProperties(ctx context.Context, db executor, eventID int64, props Properties) error {
	keys := props.Keys()
	if _, err := db.ExecContext(ctx,
		`DELETE FROM audit_properties WHERE event_id = $1 AND NOT (key = ANY($2))`,
		eventID, pq.Array(keys),
	); err != nil {
		return fmt.Errorf("delete stale properties: %w", err)
	}

	for _, key := range keys {
		p := props[key]
		before, err := EncodeValue(p.Before)
		if err != nil {
			return fmt.Errorf("property %q: %w", key, err)
		}
		after, err := EncodeValue(p.After)
		if err != nil {
			return fmt.Errorf("property %q: %w", key, err)
		}

		if _, err := db.ExecContext(ctx, `
			INSERT INTO audit_properties (event_id, key, origin, before_value, after_value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id, key) DO UPDATE SET
				origin = EXCLUDED.origin,
				before_value = EXCLUDED.before_value,
				after_value = EXCLUDED.after_value`,
			eventID, key, p.Origin, jsonbBytes(before), jsonbBytes(after),
		); err != nil {
			return fmt.Errorf("upsert property %q: %w", key, err)
		}
	}
	return nil
}

func queryReplaceMeta(ctx context.Context, db executor, eventID int64, meta map[string]*Eventmeta) error {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if _, err := db.ExecContext(ctx,
		`DELETE FROM audit_eventmeta WHERE event_id = $1 AND NOT (key = ANY($2))`,
		eventID, pq.Array(keys),
	); err != nil {
		return fmt.Errorf("delete stale meta: %w", err)
	}

	for _, key := range keys {
		value, err := EncodeValue(meta[key].Value)
		if err != nil {
			return fmt.Errorf("meta %q: %w", key, err)
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO audit_eventmeta (event_id, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id, key) DO UPDATE SET value = EXCLUDED.value`,
			eventID, key, jsonbBytes(value),
		); err != nil {
			return fmt.Errorf("upsert meta %q: %w", key, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev                                  Event
		subjectKind, subjectID, subjectName sql.NullString
	)
	err := row.Scan(
		&ev.ID, &ev.OccurredAt, &ev.ActorID, &ev.ActorName, &ev.ActorRole, &ev.ActorIP,
		&ev.ActorLocation, &ev.ActorAgent, &ev.Classification,
		&subjectKind, &subjectID, &subjectName,
	)
	if err != nil {
		return nil, err
	}
	if subjectKind.Valid {
		ev.Subject = &SubjectRef{
			Kind: SubjectKind(subjectKind.String),
			ID:   subjectID.String,
			Name: subjectName.String,
		}
	}
	ev.Properties = Properties{}
	ev.Meta = map[string]*Eventmeta{}
	return &ev, nil
}

func queryLoadEvent(ctx context.Context, db executor, id int64) (*Event, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event %d: %w", id, err)
	}
	if err := queryLoadChildren(ctx, db, []*Event{ev}); err != nil {
		return nil, err
	}
	return ev, nil
}

func queryDeleteEvent(ctx context.Context, db executor, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM audit_properties WHERE event_id = $1`, id); err != nil {
		return fmt.Errorf("delete properties of event %d: %w", id, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM audit_eventmeta WHERE event_id = $1`, id); err != nil {
		return fmt.Errorf("delete meta of event %d: %w", id, err)
	}
	res, err := db.ExecContext(ctx, `DELETE FROM audit_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete event %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func queryOne(ctx context.Context, db executor, query string, args ...interface{}) (*Event, error) {
	ev, err := scanEvent(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := queryLoadChildren(ctx, db, []*Event{ev}); err != nil {
		return nil, err
	}
	return ev, nil
}

func queryMostRecent(ctx context.Context, db executor, classification string, subject *SubjectRef) (*Event, error) {
	if subject == nil {
		return queryOne(ctx, db, `SELECT `+eventColumns+` FROM audit_events
			WHERE classification = $1 AND subject_kind IS NULL
			ORDER BY occurred_at DESC, id DESC LIMIT 1`, classification)
	}
	return queryOne(ctx, db, `SELECT `+eventColumns+` FROM audit_events
		WHERE classification = $1 AND subject_kind = $2 AND subject_id = $3
		ORDER BY occurred_at DESC, id DESC LIMIT 1`,
		classification, string(subject.Kind), subject.ID)
}

func queryMostRecentForActor(ctx context.Context, db executor, classification string, actorID int64) (*Event, error) {
	return queryOne(ctx, db, `SELECT `+eventColumns+` FROM audit_events
		WHERE classification = $1 AND actor_id = $2
		ORDER BY occurred_at DESC, id DESC LIMIT 1`, classification, actorID)
}

func querySearch(ctx context.Context, db executor, filter SearchFilter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND occurred_at < $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.ActorID != nil {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, *filter.ActorID)
		argCount++
	}

	if filter.ActorName != "" {
		query += fmt.Sprintf(" AND actor_name = $%d", argCount)
		args = append(args, filter.ActorName)
		argCount++
	}

	if len(filter.Classifications) > 0 {
		query += fmt.Sprintf(" AND classification = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.Classifications))
		argCount++
	}

	if filter.SubjectKind != "" {
		query += fmt.Sprintf(" AND subject_kind = $%d", argCount)
		args = append(args, string(filter.SubjectKind))
		argCount++
	}

	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argCount)
		args = append(args, filter.SubjectID)
		argCount++
	}

	if filter.SortOrder == "asc" {
		query += " ORDER BY occurred_at ASC, id ASC"
	} else {
		query += " ORDER BY occurred_at DESC, id DESC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if err := queryLoadChildren(ctx, db, events); err != nil {
		return nil, err
	}
	return events, nil
}

// queryLoadChildren fills Properties and Meta for events with one query per
// child table
func queryLoadChildren(ctx context.Context, db executor, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	byID := make(map[int64]*Event, len(events))
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
		ids = append(ids, ev.ID)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT event_id, key, origin, before_value, after_value
		FROM audit_properties WHERE event_id = ANY($1)
		ORDER BY event_id, key`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load properties: %w", err)
	}
	for rows.Next() {
		var (
			eventID       int64
			p             Property
			before, after []byte
		)
		if err := rows.Scan(&eventID, &p.Key, &p.Origin, &before, &after); err != nil {
			rows.Close()
			return fmt.Errorf("scan property: %w", err)
		}
		if p.Before, err = DecodeValue(before); err != nil {
			rows.Close()
			return fmt.Errorf("property %q: %w", p.Key, err)
		}
		if p.After, err = DecodeValue(after); err != nil {
			rows.Close()
			return fmt.Errorf("property %q: %w", p.Key, err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.Properties[p.Key] = &p
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate properties: %w", err)
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT event_id, key, value
		FROM audit_eventmeta WHERE event_id = ANY($1)
		ORDER BY event_id, key`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load meta: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			eventID int64
			m       Eventmeta
			value   []byte
		)
		if err := rows.Scan(&eventID, &m.Key, &value); err != nil {
			return fmt.Errorf("scan meta: %w", err)
		}
		if m.Value, err = DecodeValue(value); err != nil {
			return fmt.Errorf("meta %q: %w", m.Key, err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.Meta[m.Key] = &m
		}
	}
	return rows.Err()
}

func queryDeleteBefore(ctx context.Context, db executor, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}

const noteColumns = `id, event_id, author_id, author_name, author_role, body, ip, created_at, updated_at`

func querySaveNote(ctx context.Context, db executor, note *Note) error {
	if note.EventID <= 0 {
		return ErrInvalidID
	}

	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_events WHERE id = $1)`, note.EventID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check event %d: %w", note.EventID, err)
	}
	if !exists {
		return ErrNotFound
	}

	err := db.QueryRowContext(ctx, `
		INSERT INTO audit_notes (event_id, author_id, author_name, author_role, body, ip, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (event_id) DO UPDATE SET
			author_id = EXCLUDED.author_id,
			author_name = EXCLUDED.author_name,
			author_role = EXCLUDED.author_role,
			body = EXCLUDED.body,
			ip = EXCLUDED.ip,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		note.EventID, note.AuthorID, note.AuthorName, note.AuthorRole, note.Body, note.IP,
	).Scan(&note.ID, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save note for event %d: %w", note.EventID, err)
	}
	return nil
}

func queryLoadNote(ctx context.Context, db executor, eventID int64) (*Note, error) {
	var n Note
	err := db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM audit_notes WHERE event_id = $1`, eventID).Scan(
		&n.ID, &n.EventID, &n.AuthorID, &n.AuthorName, &n.AuthorRole, &n.Body, &n.IP, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load note for event %d: %w", eventID, err)
	}
	return &n, nil
}
