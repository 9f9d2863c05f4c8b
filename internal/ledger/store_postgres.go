package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"bloodbridge/pkg/platform/sentinel"
)

// PostgresStore persists version chains in the inventory_versions table.
// The primary key (bank, blood_type, component, version) makes the
// compare-and-append race safe: the losing writer hits a unique violation
// and reports sentinel.ErrVersionMismatch.
//
// This store is pure I/O; version arithmetic and the non-negativity rule
// belong to the Ledger service.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Latest(ctx context.Context, key CellKey) (Version, error) {
	query := `
		SELECT version, units, delta, actor, at
		FROM inventory_versions
		WHERE bank = $1 AND blood_type = $2 AND component = $3
		ORDER BY version DESC
		LIMIT 1
	`
	v := Version{Cell: key}
	err := s.db.QueryRowContext(ctx, query, key.Bank, string(key.Type), string(key.Component)).
		Scan(&v.Version, &v.Units, &v.Delta, &v.Actor, &v.At)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("latest inventory version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) AppendVersion(ctx context.Context, v Version) error {
	query := `
		INSERT INTO inventory_versions (bank, blood_type, component, version, units, delta, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		v.Cell.Bank, string(v.Cell.Type), string(v.Cell.Component),
		int64(v.Version), v.Units, v.Delta, v.Actor, v.At,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return sentinel.ErrVersionMismatch
	}
	if err != nil {
		return fmt.Errorf("append inventory version: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, key CellKey, until time.Time) ([]Version, error) {
	query := `
		SELECT version, units, delta, actor, at
		FROM inventory_versions
		WHERE bank = $1 AND blood_type = $2 AND component = $3 AND at <= $4
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, query, key.Bank, string(key.Type), string(key.Component), until)
	if err != nil {
		return nil, fmt.Errorf("inventory history: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v := Version{Cell: key}
		if err := rows.Scan(&v.Version, &v.Units, &v.Delta, &v.Actor, &v.At); err != nil {
			return nil, fmt.Errorf("scan inventory version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
