package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic/queue-service/internal/models"
	"clinic/queue-service/internal/queue"
	"clinic/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	zeroUUID              = "00000000-0000-0000-0000-000000000000"
)

const queueItemSelect = `
		SELECT qi.id, qi.request_id, qi.organization_id, qi.department_id, qi.patient_id, qi.service_id, qi.doctor_id,
			qi.service_order_id, qi.queue_number, qi.status, qi.priority_class, qi.queued_at, qi.started_at,
			qi.completed_at, qi.skipped_at, qi.cancelled_at, qi.performed_by_id, qi.result_text, qi.reason,
			p.first_name, p.last_name, p.middle_name, s.name, s.type, e.first_name, e.last_name
		FROM queue_items qi
		JOIN patients p ON p.id = qi.patient_id
		JOIN services s ON s.id = qi.service_id
		JOIN employees e ON e.id = qi.doctor_id
`

type Store struct {
	pool     *pgxpool.Pool
	location *time.Location
}

type Options struct {
	// Location decides which calendar day a queue number belongs to.
	Location *time.Location
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Store{pool: pool, location: loc}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetDepartment(ctx context.Context, organizationID, departmentID string) (models.Department, error) {
	return getDepartment(ctx, s.pool, organizationID, departmentID)
}

func (s *Store) ListQueueItems(ctx context.Context, filter store.QueueFilter) ([]models.QueueItem, error) {
	query := queueItemSelect + " WHERE qi.organization_id = $1"
	args := []interface{}{filter.OrganizationID}
	if filter.DepartmentID != "" {
		args = append(args, filter.DepartmentID)
		query += fmt.Sprintf(" AND qi.department_id = $%d", len(args))
	}
	if filter.DoctorID != "" {
		args = append(args, filter.DoctorID)
		query += fmt.Sprintf(" AND qi.doctor_id = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		query += fmt.Sprintf(" AND qi.status = ANY($%d)", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND qi.queued_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND qi.queued_at < $%d", len(args))
	}
	query += " ORDER BY qi.queued_at ASC, qi.queue_number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountCompleted(ctx context.Context, filter store.QueueFilter) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM queue_items
		WHERE organization_id = $1 AND status = 'COMPLETED'
	`
	args := []interface{}{filter.OrganizationID}
	if filter.DepartmentID != "" {
		args = append(args, filter.DepartmentID)
		query += fmt.Sprintf(" AND department_id = $%d", len(args))
	}
	if filter.DoctorID != "" {
		args = append(args, filter.DoctorID)
		query += fmt.Sprintf(" AND doctor_id = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND completed_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND completed_at < $%d", len(args))
	}

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count completed: %w", err)
	}
	return count, nil
}

func (s *Store) GetQueueItem(ctx context.Context, organizationID, queueItemID string) (models.QueueItem, error) {
	return getQueueItem(ctx, s.pool, organizationID, queueItemID)
}

func (s *Store) Enqueue(ctx context.Context, input store.EnqueueInput) (models.QueueItem, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueItem{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, found, err := findQueueItemByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.QueueItem{}, false, err
	}
	if found {
		if existing.OrganizationID != input.OrganizationID {
			return models.QueueItem{}, false, store.ErrConflict
		}
		return existing, false, tx.Commit(ctx)
	}

	if _, err = getDepartment(ctx, tx, input.OrganizationID, input.DepartmentID); err != nil {
		return models.QueueItem{}, false, err
	}
	if err = ensureReferences(ctx, tx, input); err != nil {
		return models.QueueItem{}, false, err
	}

	queuedAt := input.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}
	priorityClass := input.PriorityClass
	if priorityClass == "" {
		priorityClass = models.PriorityNormal
	}
	queueDate := queue.QueueDate(queuedAt, s.location)

	number, err := nextQueueNumber(ctx, tx, input.DepartmentID, queueDate)
	if err != nil {
		return models.QueueItem{}, false, err
	}

	itemID := uuid.NewString()
	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_items (
			id, request_id, organization_id, department_id, patient_id, service_id, doctor_id,
			service_order_id, queue_date, queue_number, status, priority_class, queued_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (request_id) DO NOTHING
	`, itemID, input.RequestID, input.OrganizationID, input.DepartmentID, input.PatientID, input.ServiceID, input.DoctorID,
		nullIfEmpty(input.ServiceOrderID), queueDate, number, models.StatusWaiting, priorityClass, queuedAt)
	if err != nil {
		return models.QueueItem{}, false, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent request with the same request_id won; return its row.
		_ = tx.Rollback(ctx)
		existing, found, err := findQueueItemByRequestID(ctx, s.pool, input.RequestID)
		if err != nil {
			return models.QueueItem{}, false, err
		}
		if !found || existing.OrganizationID != input.OrganizationID {
			return models.QueueItem{}, false, store.ErrConflict
		}
		return existing, false, nil
	}

	item, err := getQueueItem(ctx, tx, input.OrganizationID, itemID)
	if err != nil {
		return models.QueueItem{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventEnqueued, item); err != nil {
		return models.QueueItem{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueItem{}, false, err
	}
	return item, true, nil
}

// Transition applies an action with one conditional UPDATE keyed by id,
// organization and the statuses the action may leave. Starting also requires
// the doctor to have no other IN_PROGRESS item; the partial unique index on
// doctor_id catches the race the NOT EXISTS check cannot see.
func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.QueueItem, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.QueueItem{}, store.ErrInvalidTransition
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueItem{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query, args := buildTransitionUpdate(input, target, occurredAt)
	var itemID string
	if err = tx.QueryRow(ctx, query, args...).Scan(&itemID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueItem{}, classifyTransitionFailure(ctx, tx, input)
		}
		return models.QueueItem{}, mapPgError(err)
	}

	item, err := getQueueItem(ctx, tx, input.OrganizationID, itemID)
	if err != nil {
		return models.QueueItem{}, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTypeForAction(input.Action), item); err != nil {
		return models.QueueItem{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueItem{}, mapPgError(err)
	}
	return item, nil
}

func (s *Store) ListQueueItemEvents(ctx context.Context, organizationID, queueItemID string) ([]store.QueueItemEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.queue_item_id, e.seq, e.type, e.payload, e.created_at, e.prev_hash, e.hash
		FROM queue_item_events e
		JOIN queue_items qi ON qi.id = e.queue_item_id
		WHERE qi.organization_id = $1 AND e.queue_item_id = $2
		ORDER BY e.seq ASC
	`, organizationID, queueItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.QueueItemEvent
	for rows.Next() {
		var event store.QueueItemEvent
		if err := rows.Scan(&event.QueueItemID, &event.Seq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, cursor store.OutboxCursor, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	after := cursor.LastEventTime
	if after.IsZero() {
		after = time.Unix(0, 0).UTC()
	}
	afterID := cursor.LastEventID
	if afterID == "" {
		afterID = zeroUUID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, organization_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1::timestamptz, $2::uuid)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, after, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.OrganizationID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func buildTransitionUpdate(input store.TransitionInput, target string, occurredAt time.Time) (string, []interface{}) {
	args := []interface{}{target}
	sets := []string{"status = $1"}
	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	switch input.Action {
	case store.ActionStart:
		set("started_at", occurredAt)
		if input.PerformedByID != "" {
			set("performed_by_id", input.PerformedByID)
		}
	case store.ActionComplete:
		set("completed_at", occurredAt)
		if input.PerformedByID != "" {
			set("performed_by_id", input.PerformedByID)
		}
		if input.ResultText != "" {
			set("result_text", input.ResultText)
		}
	case store.ActionSkip:
		set("skipped_at", occurredAt)
		if input.Reason != "" {
			set("reason", input.Reason)
		}
	case store.ActionCancel:
		set("cancelled_at", occurredAt)
		sets = append(sets, "started_at = NULL")
		if input.Reason != "" {
			set("reason", input.Reason)
		}
	}

	args = append(args, input.QueueItemID, input.OrganizationID, store.AllowedFrom(input.Action))
	n := len(args)
	query := fmt.Sprintf(`
		UPDATE queue_items qi
		SET %s
		WHERE qi.id = $%d AND qi.organization_id = $%d AND qi.status = ANY($%d)`,
		strings.Join(sets, ", "), n-2, n-1, n)
	if input.Action == store.ActionStart {
		query += `
		AND NOT EXISTS (
			SELECT 1 FROM queue_items other
			WHERE other.doctor_id = qi.doctor_id AND other.status = 'IN_PROGRESS' AND other.id <> qi.id
		)`
	}
	query += " RETURNING qi.id"
	return query, args
}

func classifyTransitionFailure(ctx context.Context, tx pgx.Tx, input store.TransitionInput) error {
	status, exists, err := loadQueueItemStatus(ctx, tx, input.QueueItemID, input.OrganizationID)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrQueueItemNotFound
	}
	if !store.ValidTransition(input.Action, status) {
		return store.ErrInvalidTransition
	}
	// Status allowed the action, so the doctor already has an item in progress.
	return store.ErrConflict
}

func loadQueueItemStatus(ctx context.Context, tx pgx.Tx, queueItemID, organizationID string) (string, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status
		FROM queue_items
		WHERE id = $1 AND organization_id = $2
	`, queueItemID, organizationID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

func getDepartment(ctx context.Context, q querier, organizationID, departmentID string) (models.Department, error) {
	var department models.Department
	row := q.QueryRow(ctx, `
		SELECT id, organization_id, name
		FROM departments
		WHERE id = $1 AND organization_id = $2
	`, departmentID, organizationID)
	if err := row.Scan(&department.ID, &department.OrganizationID, &department.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, err
	}
	return department, nil
}

func ensureReferences(ctx context.Context, tx pgx.Tx, input store.EnqueueInput) error {
	var found int
	row := tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM patients WHERE id = $1 AND organization_id = $4) +
			(SELECT COUNT(*) FROM services WHERE id = $2 AND organization_id = $4) +
			(SELECT COUNT(*) FROM employees WHERE id = $3 AND organization_id = $4)
	`, input.PatientID, input.ServiceID, input.DoctorID, input.OrganizationID)
	if err := row.Scan(&found); err != nil {
		return err
	}
	if found != 3 {
		return store.ErrInvalidReference
	}
	return nil
}

func getQueueItem(ctx context.Context, q querier, organizationID, queueItemID string) (models.QueueItem, error) {
	row := q.QueryRow(ctx, queueItemSelect+" WHERE qi.id = $1 AND qi.organization_id = $2", queueItemID, organizationID)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueItem{}, store.ErrQueueItemNotFound
		}
		return models.QueueItem{}, err
	}
	return item, nil
}

func findQueueItemByRequestID(ctx context.Context, q querier, requestID string) (models.QueueItem, bool, error) {
	row := q.QueryRow(ctx, queueItemSelect+" WHERE qi.request_id = $1", requestID)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueItem{}, false, nil
		}
		return models.QueueItem{}, false, err
	}
	return item, true, nil
}

func scanQueueItem(row pgx.Row) (models.QueueItem, error) {
	var item models.QueueItem
	var serviceOrderID, performedByID, resultText, reason, middleName sql.NullString
	var startedAt, completedAt, skippedAt, cancelledAt sql.NullTime
	if err := row.Scan(
		&item.ID, &item.RequestID, &item.OrganizationID, &item.DepartmentID, &item.PatientID, &item.ServiceID, &item.DoctorID,
		&serviceOrderID, &item.QueueNumber, &item.Status, &item.PriorityClass, &item.QueuedAt, &startedAt,
		&completedAt, &skippedAt, &cancelledAt, &performedByID, &resultText, &reason,
		&item.Patient.FirstName, &item.Patient.LastName, &middleName, &item.Service.Name, &item.Service.Type,
		&item.Doctor.FirstName, &item.Doctor.LastName,
	); err != nil {
		return models.QueueItem{}, err
	}
	item.ServiceOrderID = nullStringPtr(serviceOrderID)
	item.StartedAt = nullTimePtr(startedAt)
	item.CompletedAt = nullTimePtr(completedAt)
	item.SkippedAt = nullTimePtr(skippedAt)
	item.CancelledAt = nullTimePtr(cancelledAt)
	item.PerformedByID = nullStringPtr(performedByID)
	item.ResultText = nullStringPtr(resultText)
	item.Reason = nullStringPtr(reason)
	item.Patient.ID = item.PatientID
	item.Patient.MiddleName = nullStringPtr(middleName)
	item.Service.ID = item.ServiceID
	item.Doctor.ID = item.DoctorID
	return item, nil
}

func nextQueueNumber(ctx context.Context, tx pgx.Tx, departmentID string, queueDate time.Time) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (department_id, queue_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (department_id, queue_date)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, departmentID, queueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, item models.QueueItem) error {
	payload, err := json.Marshal(store.NewEventPayload(item))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, organization_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), item.OrganizationID, eventType, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	return insertQueueItemEvent(ctx, tx, item.ID, eventType, payload)
}

func insertQueueItemEvent(ctx context.Context, tx pgx.Tx, queueItemID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, queueItemID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM queue_item_events
		WHERE queue_item_id = $1
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE
	`, queueItemID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	event := newQueueItemEvent(prev, queueItemID, eventType, payload, nextSeq, time.Now())

	_, err := tx.Exec(ctx, `
		INSERT INTO queue_item_events (queue_item_id, seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.QueueItemID, event.Seq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

// newQueueItemEvent builds the next chain link. CreatedAt is cut to
// microseconds and payload is stored as-is in a json column, so the row read
// back hashes to the same value.
func newQueueItemEvent(prevHash, queueItemID, eventType string, payload []byte, seq int, now time.Time) store.QueueItemEvent {
	createdAt := store.EventTime(now)
	return store.QueueItemEvent{
		QueueItemID: queueItemID,
		Seq:         seq,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   createdAt,
		PrevHash:    prevHash,
		Hash:        store.ComputeEventHash(prevHash, queueItemID, eventType, payload, createdAt, seq),
	}
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", store.ErrInvalidReference, pgErr.ConstraintName)
	default:
		return err
	}
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
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
