package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"bloodbridge/pkg/domain"
	"bloodbridge/pkg/platform/sentinel"
)

const appendAttempts = 10

// PostgresStore persists the log in the transaction_log table. Sequence
// numbers come from a max(seq)+1 insert guarded by a unique index, so two
// racing appends can never share a number and the sequence stays gap-free;
// the loser retries with a fresh number.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) (uint64, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	query := `
		INSERT INTO transaction_log (id, seq, entity_type, entity_id, action, prior_version, payload, refs, actor, at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM transaction_log
		RETURNING seq
	`
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var seq uint64
		err := s.db.QueryRowContext(ctx, query,
			e.ID.String(), string(e.EntityType), e.EntityID, string(e.Action),
			int64(e.PriorVersion), payload, pq.Array(e.Refs), e.Actor, e.At,
		).Scan(&seq)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("append log entry: %w", err)
		}
		return seq, nil
	}
	return 0, sentinel.ErrVersionMismatch
}

func (s *PostgresStore) Read(ctx context.Context, fromSeq, toSeq uint64) ([]Entry, error) {
	query := `
		SELECT id, seq, entity_type, entity_id, action, prior_version, payload, refs, actor, at
		FROM transaction_log
		WHERE seq >= $1 AND ($2 = 0 OR seq <= $2)
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, int64(fromSeq), int64(toSeq))
	if err != nil {
		return nil, fmt.Errorf("read log range: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) ByEntity(ctx context.Context, entityID string, from, to time.Time) ([]Entry, error) {
	query := `
		SELECT id, seq, entity_type, entity_id, action, prior_version, payload, refs, actor, at
		FROM transaction_log
		WHERE (entity_id = $1 OR $1 = ANY(refs))
		  AND ($2::timestamptz IS NULL OR at >= $2)
		  AND ($3::timestamptz IS NULL OR at <= $3)
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, entityID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, fmt.Errorf("read entity trail: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) LatestByEntity(ctx context.Context, entityID string) (Entry, error) {
	query := `
		SELECT id, seq, entity_type, entity_id, action, prior_version, payload, refs, actor, at
		FROM transaction_log
		WHERE entity_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return Entry{}, fmt.Errorf("read entity head: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, sentinel.ErrNotFound
	}
	return entries[0], nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			id      string
			payload []byte
			refs    pq.StringArray
		)
		if err := rows.Scan(&id, &e.Seq, &e.EntityType, &e.EntityID, &e.Action,
			&e.PriorVersion, &payload, &refs, &e.Actor, &e.At); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.ID = domain.TransactionID(id)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		e.Refs = refs
		out = append(out, e)
	}
	return out, rows.Err()
}
