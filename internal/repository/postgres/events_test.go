package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func eventRowColumns() []string {
	return []string{
		"id", "organization_id", "event_id", "dedupe_key", "transaction_id",
		"event_name", "event_time", "event_source_url",
		"user_data_hashed", "custom_data",
		"fbp", "fbc", "external_id", "pixel_override", "is_enrichment_only",
		"status", "retry_count", "next_retry_at",
		"last_error", "last_http_status", "response_body", "trace_id",
		"delivered_at", "created_at", "updated_at",
	}
}

func addEventRow(rows *sqlmock.Rows, id, orgID uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id.String(), orgID.String(), "evt-1", orgID.String()+":txn-1", "txn-1",
		"Purchase", now.Add(-time.Hour), "https://donate.example.org",
		[]byte(`{"em":"digest"}`), []byte(`{"value":25,"currency":"USD"}`),
		"", "", "", "", false,
		status, 0, nil,
		"", 0, "", "",
		nil, now, now,
	)
}

func TestClaimDueStampsRetrying(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	eventID := uuid.New()
	orgID := uuid.New()
	rows := addEventRow(sqlmock.NewRows(eventRowColumns()), eventID, orgID, "retrying")

	mock.ExpectQuery("UPDATE capi_events").
		WithArgs("worker-1", 5, "300 seconds", 100).
		WillReturnRows(rows)

	store := NewEventStore(db)
	events, err := store.ClaimDue(context.Background(), "worker-1", 100, 5, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("claimed %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Status != domain.StatusRetrying {
		t.Errorf("claimed status = %s, want retrying", ev.Status)
	}
	if ev.UserDataHashed["em"] != "digest" {
		t.Errorf("user_data_hashed not decoded: %v", ev.UserDataHashed)
	}
	if ev.CustomData["currency"] != "USD" {
		t.Errorf("custom_data not decoded: %v", ev.CustomData)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkSentClearsRetryState(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE capi_events").
		WithArgs(id, 200, `{"events_received":1}`, "trace-9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewEventStore(db)
	if err := store.MarkSent(context.Background(), id, 200, `{"events_received":1}`, "trace-9"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkFailedAttemptTerminalVsPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	next := time.Now().Add(2 * time.Minute)
	store := NewEventStore(db)

	mock.ExpectExec("UPDATE capi_events").
		WithArgs(id, "pending", next, "destination accepted 0 events", 200, "{}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkFailedAttempt(context.Background(), id, "destination accepted 0 events", 200, "{}", next, false); err != nil {
		t.Fatalf("MarkFailedAttempt(pending): %v", err)
	}

	mock.ExpectExec("UPDATE capi_events").
		WithArgs(id, "failed", next, "timeout", 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkFailedAttempt(context.Background(), id, "timeout", 0, "", next, true); err != nil {
		t.Fatalf("MarkFailedAttempt(terminal): %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertReturnsExistingID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	existing := uuid.New()
	mock.ExpectQuery("INSERT INTO capi_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing.String()))

	store := NewEventStore(db)
	ev := &domain.ConversionEvent{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		EventID:        "evt-1",
		DedupeKey:      "org:txn-1",
		TransactionID:  "txn-1",
		EventName:      "Purchase",
		EventTime:      time.Now().Add(-time.Hour),
		UserDataHashed: map[string]string{"em": "digest"},
		CustomData:     map[string]interface{}{"value": 25.0, "currency": "USD"},
	}

	id, err := store.Upsert(context.Background(), ev)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if id != existing {
		t.Errorf("Upsert returned %s, want the conflicting row id %s", id, existing)
	}
}

func TestRequeueOnlyFailedRows(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	store := NewEventStore(db)

	mock.ExpectExec("UPDATE capi_events").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Requeue(context.Background(), id); err == nil {
		t.Error("Requeue of a non-failed event should error")
	}

	mock.ExpectExec("UPDATE capi_events").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Requeue(context.Background(), id); err != nil {
		t.Errorf("Requeue of a failed event: %v", err)
	}
}

func TestGetMissingEvent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	store := NewEventStore(db)
	ev, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get on missing row should not error, got %v", err)
	}
	if ev != nil {
		t.Error("Get on missing row should return nil")
	}
}
