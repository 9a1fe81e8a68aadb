package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/haasonsaas/notaryline/internal/retry"
	"github.com/haasonsaas/notaryline/pkg/models"
)

const testAgentID = "00000000-0000-0000-0000-000000000001"

var fixedNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *sqlStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	store := newSQLStore(db, postgres, Config{
		AgentID: testAgentID,
		Now:     func() time.Time { return fixedNow },
	})
	store.newID = func() string { return "id-1" }
	return db, mock, store
}

func TestPostgres_UpsertClient(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantID      string
		wantErr     bool
		errContains string
	}{
		{
			name: "inserts new client",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM clients WHERE agent_id = $1 AND phone = $2")).
					WithArgs(testAgentID, "+15550001111").
					WillReturnError(sql.ErrNoRows)
				mock.ExpectExec("INSERT INTO clients").
					WithArgs("id-1", testAgentID, "+15550001111", "Jane Doe", "5 Elm St", fixedNow).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			wantID: "id-1",
		},
		{
			name: "updates existing client",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT id FROM clients").
					WithArgs(testAgentID, "+15550001111").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("client-7"))
				mock.ExpectExec(regexp.QuoteMeta("UPDATE clients SET name = $1, address = $2, updated_at = $3 WHERE id = $4")).
					WithArgs("Jane Doe", "5 Elm St", fixedNow, "client-7").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantID: "client-7",
		},
		{
			name: "insert failure rolls back",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT id FROM clients").WillReturnError(sql.ErrNoRows)
				mock.ExpectExec("INSERT INTO clients").WillReturnError(errors.New("connection reset"))
				mock.ExpectRollback()
			},
			wantErr:     true,
			errContains: "insert client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			id, err := store.UpsertClient(context.Background(), " +15550001111 ", "Jane Doe", "5 Elm St")
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpsertClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("error %q should contain %q", err, tt.errContains)
			}
			if !tt.wantErr && id != tt.wantID {
				t.Fatalf("id = %q, want %q", id, tt.wantID)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgres_UpsertClientRequiresPhone(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	_, err := store.UpsertClient(context.Background(), "  ", "Jane", "")
	if err == nil || !retry.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

func TestPostgres_CreateSession(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	date := fixedNow.Add(time.Hour)
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("id-1", testAgentID, "client-7", "CA123", "hospital", "3pm",
			"Service: hospital notarization, Quote: $115", StatusScheduled, date, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.CreateSession(context.Background(), models.SessionRecord{
		ClientID:    "client-7",
		CallID:      "CA123",
		ServiceType: models.ServiceHospital,
		TimeHint:    "3pm",
		Notes:       SessionNotes(models.ServiceHospital, &models.PricingQuote{Total: 115}),
		SessionDate: date,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if id != "id-1" {
		t.Fatalf("id = %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgres_ConstraintViolationIsPermanent(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})

	_, err := store.CreateSession(context.Background(), models.SessionRecord{ClientID: "missing"})
	if !retry.IsPermanent(err) {
		t.Fatalf("foreign key violation should be permanent, got %v", err)
	}
}

func TestPostgres_UniqueViolation(t *testing.T) {
	err := classifyPostgres(&pq.Error{Code: "23505", Message: "duplicate key"})
	if !errors.Is(err, ErrAlreadyExists) || !retry.IsPermanent(err) {
		t.Fatalf("unique violation = %v, want permanent ErrAlreadyExists", err)
	}
	if retry.IsPermanent(classifyPostgres(&pq.Error{Code: "40001"})) {
		t.Fatal("serialization failure should be retryable")
	}
	plain := errors.New("boom")
	if classifyPostgres(plain) != plain {
		t.Fatal("non-pq errors pass through")
	}
}

func TestPostgres_AttachRecordingResolvesSession(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	recordedAt := time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM sessions WHERE call_sid = $1")).
		WithArgs("CA123").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sess-9"))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("id-1", testAgentID, "sess-9", "Call Recording 2026-03-10 14:05",
			DocumentRecording, DocumentCompleted, "https://example.com/rec.mp3", "hello", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AttachRecording(context.Background(), models.RecordingRecord{
		CallID:     "CA123",
		URL:        "https://example.com/rec.mp3",
		Transcript: "hello",
		RecordedAt: recordedAt,
	})
	if err != nil {
		t.Fatalf("AttachRecording() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgres_AttachRecordingUnknownCall(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM sessions").WillReturnError(sql.ErrNoRows)
	err := store.AttachRecording(context.Background(), models.RecordingRecord{CallID: "CA404", URL: "u"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_SaveTranscript(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET transcript = $1 WHERE id = $2")).
		WithArgs("Caller: hi\nAgent: hello", "sess-9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions SET transcript").
		WithArgs("x", "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SaveTranscript(context.Background(), "sess-9", "Caller: hi\nAgent: hello"); err != nil {
		t.Fatalf("SaveTranscript() error = %v", err)
	}
	if err := store.SaveTranscript(context.Background(), "gone", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_Migrate(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	for range postgresSchema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}
