package repository

import (
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matt-riley/bucketz/migrations"
)

func TestNormalizeNotifyChannel(t *testing.T) {
	t.Run("defaults when empty", func(t *testing.T) {
		if got := normalizeNotifyChannel(""); got != defaultNotifyChannel {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, defaultNotifyChannel)
		}
	})

	t.Run("trims non-empty values", func(t *testing.T) {
		if got := normalizeNotifyChannel("  custom_events  "); got != "custom_events" {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, "custom_events")
		}
	})
}

func TestMarshalNotifyPayload(t *testing.T) {
	payload, err := marshalNotifyPayload(KindFeature, "checkout-flow", EventTypeUpdated)
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	var message struct {
		Kind      string `json:"kind"`
		ID        string `json:"id"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		t.Fatalf("unmarshal notify payload: %v", err)
	}
	if message.Kind != "feature" || message.ID != "checkout-flow" || message.EventType != "updated" {
		t.Fatalf("unexpected notify payload envelope: %+v", message)
	}

	imported, err := marshalNotifyPayload("", "", EventTypeImported)
	if err != nil {
		t.Fatalf("marshalNotifyPayload(import) error = %v", err)
	}
	if imported != `{"event_type":"imported"}` {
		t.Fatalf("marshalNotifyPayload(import) = %s, want only the event type", imported)
	}
}

func TestListenStatement(t *testing.T) {
	if got := listenStatement("definition_events"); got != `LISTEN "definition_events"` {
		t.Fatalf("listenStatement() = %q, want %q", got, `LISTEN "definition_events"`)
	}
}

func TestDeleteNoRows(t *testing.T) {
	if err := deleteNoRows(KindFeature, pgconn.NewCommandTag("DELETE 1")); err != nil {
		t.Fatalf("deleteNoRows(delete 1) error = %v, want nil", err)
	}

	err := deleteNoRows(KindExperiment, pgconn.NewCommandTag("DELETE 0"))
	if !errors.Is(err, pgx.ErrNoRows) || !IsNotFound(err) {
		t.Fatalf("deleteNoRows(delete 0) error = %v, want %v", err, pgx.ErrNoRows)
	}
}

func TestDocumentKindTable(t *testing.T) {
	tests := []struct {
		kind    DocumentKind
		want    string
		wantErr bool
	}{
		{kind: KindFeature, want: "features"},
		{kind: KindExperiment, want: "experiments"},
		{kind: DocumentKind("segment"), wantErr: true},
	}

	for _, test := range tests {
		got, err := test.kind.table()
		if (err != nil) != test.wantErr || got != test.want {
			t.Fatalf("%q.table() = %q, %v, want %q, wantErr %t", test.kind, got, err, test.want, test.wantErr)
		}
	}
}

func TestUpsertStatement(t *testing.T) {
	statement, err := upsertStatement(KindExperiment)
	if err != nil {
		t.Fatalf("upsertStatement() error = %v", err)
	}
	if !strings.Contains(statement, "INSERT INTO experiments") || !strings.Contains(statement, "ON CONFLICT (id) DO UPDATE") {
		t.Fatalf("upsertStatement() = %q, want experiments upsert", statement)
	}

	if _, err := upsertStatement(DocumentKind("")); err == nil {
		t.Fatal("upsertStatement(empty kind) error = nil, want error")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		t.Fatalf("fs.Glob() error = %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("embedded migrations = %v, want at least 2", names)
	}

	for _, name := range names {
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", name, err)
		}
		if !strings.Contains(string(body), "-- +goose Up") || !strings.Contains(string(body), "-- +goose Down") {
			t.Fatalf("migration %s is missing goose annotations", name)
		}
	}
}
