// Package repository provides PostgreSQL-backed storage for feature and
// experiment documents and for API keys. Writes notify a LISTEN channel in
// the same transaction so serving processes rebuild their snapshot without
// polling.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/bucketz/internal/payload"
)

const (
	defaultNotifyChannel = "definition_events"
	listenRetryDelay     = time.Second
)

const (
	EventTypeUpdated  = "updated"
	EventTypeDeleted  = "deleted"
	EventTypeImported = "imported"
)

// DocumentKind names the table a document lives in.
type DocumentKind string

const (
	KindFeature    DocumentKind = "feature"
	KindExperiment DocumentKind = "experiment"
)

func (k DocumentKind) table() (string, error) {
	switch k {
	case KindFeature:
		return "features", nil
	case KindExperiment:
		return "experiments", nil
	default:
		return "", fmt.Errorf("unknown document kind %q", k)
	}
}

// Document is a stored feature or experiment row.
type Document struct {
	Kind      DocumentKind    `json:"kind"`
	ID        string          `json:"id"`
	Archived  bool            `json:"archived"`
	Body      json.RawMessage `json:"document"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository stores definitions documents in a pgxpool-backed
// database. It satisfies the definitions source contract: Load returns the
// full bundle and Subscribe delivers NOTIFY signals.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "definition_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

func (r *PostgresRepository) Name() string {
	return "postgres"
}

// Load reads every feature and experiment document into one bundle. The
// revision is the digest of the encoded bundle, so unchanged tables produce
// the same revision.
func (r *PostgresRepository) Load(ctx context.Context) (payload.Bundle, string, error) {
	var bundle payload.Bundle

	features, err := r.listDocuments(ctx, KindFeature)
	if err != nil {
		return payload.Bundle{}, "", err
	}
	for _, doc := range features {
		var feature payload.Feature
		if err := json.Unmarshal(doc.Body, &feature); err != nil {
			return payload.Bundle{}, "", fmt.Errorf("decode feature %q: %w", doc.ID, err)
		}
		feature.ID = doc.ID
		bundle.Features = append(bundle.Features, feature)
	}

	experiments, err := r.listDocuments(ctx, KindExperiment)
	if err != nil {
		return payload.Bundle{}, "", err
	}
	for _, doc := range experiments {
		var experiment payload.Experiment
		if err := json.Unmarshal(doc.Body, &experiment); err != nil {
			return payload.Bundle{}, "", fmt.Errorf("decode experiment %q: %w", doc.ID, err)
		}
		experiment.ID = doc.ID
		bundle.Experiments = append(bundle.Experiments, experiment)
	}

	if err := bundle.Validate(); err != nil {
		return payload.Bundle{}, "", fmt.Errorf("load bundle: %w", err)
	}

	encoded, err := json.Marshal(bundle)
	if err != nil {
		return payload.Bundle{}, "", fmt.Errorf("encode bundle: %w", err)
	}

	return bundle, payload.Digest(encoded), nil
}

// ListDocuments returns the stored documents of one kind ordered by id.
func (r *PostgresRepository) ListDocuments(ctx context.Context, kind DocumentKind) ([]Document, error) {
	return r.listDocuments(ctx, kind)
}

func (r *PostgresRepository) listDocuments(ctx context.Context, kind DocumentKind) ([]Document, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, archived, document, created_at, updated_at
		FROM %s
		ORDER BY id
	`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc := Document{Kind: kind}
		if err := rows.Scan(&doc.ID, &doc.Archived, &doc.Body, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s rows: %w", table, err)
	}

	return docs, nil
}

// UpsertFeature stores a feature document and notifies listeners.
func (r *PostgresRepository) UpsertFeature(ctx context.Context, feature payload.Feature) error {
	return r.inNotifyingTx(ctx, func(tx pgx.Tx) (string, error) {
		if err := upsertDocument(ctx, tx, KindFeature, feature.ID, feature.Archived, feature); err != nil {
			return "", err
		}
		return marshalNotifyPayload(KindFeature, feature.ID, EventTypeUpdated)
	})
}

// UpsertExperiment stores an experiment document and notifies listeners.
func (r *PostgresRepository) UpsertExperiment(ctx context.Context, experiment payload.Experiment) error {
	return r.inNotifyingTx(ctx, func(tx pgx.Tx) (string, error) {
		if err := upsertDocument(ctx, tx, KindExperiment, experiment.ID, experiment.Archived, experiment); err != nil {
			return "", err
		}
		return marshalNotifyPayload(KindExperiment, experiment.ID, EventTypeUpdated)
	})
}

// Delete removes a document. Returns pgx.ErrNoRows (wrapped) if it does not
// exist.
func (r *PostgresRepository) Delete(ctx context.Context, kind DocumentKind, id string) error {
	table, err := kind.table()
	if err != nil {
		return err
	}

	return r.inNotifyingTx(ctx, func(tx pgx.Tx) (string, error) {
		commandTag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
		if err != nil {
			return "", fmt.Errorf("delete %s: %w", kind, err)
		}
		if err := deleteNoRows(kind, commandTag); err != nil {
			return "", err
		}
		return marshalNotifyPayload(kind, id, EventTypeDeleted)
	})
}

// ImportBundle upserts every document of bundle in one transaction and sends
// a single notification. Documents absent from the bundle are kept.
func (r *PostgresRepository) ImportBundle(ctx context.Context, bundle payload.Bundle) error {
	if err := bundle.Validate(); err != nil {
		return fmt.Errorf("import bundle: %w", err)
	}

	return r.inNotifyingTx(ctx, func(tx pgx.Tx) (string, error) {
		for _, feature := range bundle.Features {
			if err := upsertDocument(ctx, tx, KindFeature, feature.ID, feature.Archived, feature); err != nil {
				return "", err
			}
		}
		for _, experiment := range bundle.Experiments {
			if err := upsertDocument(ctx, tx, KindExperiment, experiment.ID, experiment.Archived, experiment); err != nil {
				return "", err
			}
		}
		return marshalNotifyPayload("", "", EventTypeImported)
	})
}

func (r *PostgresRepository) inNotifyingTx(ctx context.Context, fn func(tx pgx.Tx) (string, error)) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin definitions tx: %w", err)
	}
	defer tx.Rollback(ctx)

	notifyPayload, err := fn(tx)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return fmt.Errorf("notify definitions change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit definitions tx: %w", err)
	}

	return nil
}

func upsertDocument(ctx context.Context, tx pgx.Tx, kind DocumentKind, id string, archived bool, document any) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("upsert %s: id is required", kind)
	}

	statement, err := upsertStatement(kind)
	if err != nil {
		return err
	}

	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal %s %q: %w", kind, id, err)
	}

	if _, err := tx.Exec(ctx, statement, id, archived, body); err != nil {
		return fmt.Errorf("upsert %s %q: %w", kind, id, err)
	}

	return nil
}

func upsertStatement(kind DocumentKind) (string, error) {
	table, err := kind.table()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`
		INSERT INTO %s (id, archived, document)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET archived = EXCLUDED.archived,
		    document = EXCLUDED.document,
		    updated_at = NOW()
	`, table), nil
}

// ValidateAPIKey returns the stored hash and name for a non-revoked key ID.
// Callers compare the secret outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var name string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, name
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &name); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, name, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey sets revoked_at on a key. Returns pgx.ErrNoRows (wrapped) if
// the key does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// Subscribe returns a channel that receives a signal whenever a definitions
// notification arrives on the LISTEN channel. Lost connections are retried
// until ctx is done, then the channel is closed.
func (r *PostgresRepository) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for definitions notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// IsNotFound reports whether err means the addressed row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func deleteNoRows(kind DocumentKind, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", kind, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(kind DocumentKind, id string, eventType string) (string, error) {
	serialized, err := json.Marshal(struct {
		Kind      DocumentKind `json:"kind,omitempty"`
		ID        string       `json:"id,omitempty"`
		EventType string       `json:"event_type"`
	}{
		Kind:      kind,
		ID:        id,
		EventType: eventType,
	})
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}

	return string(serialized), nil
}
