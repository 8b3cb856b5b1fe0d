package postgres

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clinic/queue-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTransitionUpdateStart(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	query, args := buildTransitionUpdate(store.TransitionInput{
		OrganizationID: "org",
		QueueItemID:    "item",
		Action:         store.ActionStart,
		PerformedByID:  "doc",
	}, "IN_PROGRESS", at)

	assert.Contains(t, query, "status = $1, started_at = $2, performed_by_id = $3")
	assert.Contains(t, query, "qi.id = $4 AND qi.organization_id = $5 AND qi.status = ANY($6)")
	assert.Contains(t, query, "NOT EXISTS")
	require.Len(t, args, 6)
	assert.Equal(t, []string{"WAITING"}, args[5])
}

func TestBuildTransitionUpdateCancelClearsStart(t *testing.T) {
	query, args := buildTransitionUpdate(store.TransitionInput{
		OrganizationID: "org",
		QueueItemID:    "item",
		Action:         store.ActionCancel,
		Reason:         "patient left",
	}, "CANCELLED", time.Now())

	assert.Contains(t, query, "started_at = NULL")
	assert.Contains(t, query, "reason = $3")
	assert.NotContains(t, query, "NOT EXISTS")
	require.Len(t, args, 6)
	assert.Equal(t, []string{"WAITING", "IN_PROGRESS"}, args[5])
}

func TestBuildTransitionUpdateOmitsEmptyOptionals(t *testing.T) {
	query, args := buildTransitionUpdate(store.TransitionInput{
		OrganizationID: "org",
		QueueItemID:    "item",
		Action:         store.ActionComplete,
	}, "COMPLETED", time.Now())

	assert.NotContains(t, query, "result_text")
	assert.NotContains(t, query, "performed_by_id")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(query), "RETURNING qi.id"))
	assert.Len(t, args, 5)
}

func TestMigratorLoadOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"010_late.sql":  "SELECT 10;",
		"002_roles.sql": "SELECT 2;",
		"001_queue.sql": "SELECT 1;",
		"notes.txt":     "ignored",
		"draft.sql":     "ignored",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	migrations, err := NewMigrator(nil, dir).Load()
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})
	assert.Equal(t, "SELECT 2;", migrations[1].SQL)
}

func TestMigratorLoadRepositoryMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, filepath.Join("..", "..", "..", "migrations")).Load()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, 1, migrations[0].Version)
}

func TestQueueItemEventSurvivesStorageRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 15, 123456789, time.UTC)
	first := newQueueItemEvent("", "item", store.EventEnqueued, []byte(`{"queue_item_id":"item","status":"WAITING"}`), 1, now)
	second := newQueueItemEvent(first.Hash, "item", store.EventStarted, []byte(`{"queue_item_id":"item","status":"IN_PROGRESS"}`), 2, now.Add(time.Second))

	assert.Equal(t, 0, first.CreatedAt.Nanosecond()%1000)

	// timestamptz keeps microseconds and returns the instant in the session zone;
	// a json column returns the payload text unchanged.
	zone := time.FixedZone("WIB", 7*3600)
	stored := make([]store.QueueItemEvent, 0, 2)
	for _, event := range []store.QueueItemEvent{first, second} {
		event.CreatedAt = event.CreatedAt.Truncate(time.Microsecond).In(zone)
		event.Payload = append([]byte(nil), event.Payload...)
		stored = append(stored, event)
	}
	assert.Equal(t, 0, store.VerifyEventChain(stored))
}

func TestQueueItemEventPayloadColumnKeepsText(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_queue.sql"))
	require.NoError(t, err)
	schema := string(raw)
	start := strings.Index(schema, "CREATE TABLE IF NOT EXISTS queue_item_events")
	require.GreaterOrEqual(t, start, 0)
	table := schema[start : start+strings.Index(schema[start:], ");")]
	assert.Contains(t, table, "payload JSON NOT NULL")
	assert.NotContains(t, table, "JSONB", "jsonb rewrites the hashed payload text")
}
