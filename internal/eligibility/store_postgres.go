package eligibility

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"bloodbridge/pkg/domain"
)

// PostgresStore reads donor profiles from the donors table maintained by the
// surrounding registration system.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListByBloodTypes(ctx context.Context, types []domain.BloodType) ([]DonorProfile, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	query := `
		SELECT donor_id, blood_type, consent_level
		FROM donors
		WHERE blood_type = ANY($1)
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("list donors by blood type: %w", err)
	}
	defer rows.Close()
	return scanDonors(rows)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]DonorProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT donor_id, blood_type, consent_level FROM donors`)
	if err != nil {
		return nil, fmt.Errorf("list donors: %w", err)
	}
	defer rows.Close()
	return scanDonors(rows)
}

func scanDonors(rows *sql.Rows) ([]DonorProfile, error) {
	var out []DonorProfile
	for rows.Next() {
		var (
			d       DonorProfile
			bt      string
			consent int
		)
		if err := rows.Scan(&d.ID, &bt, &consent); err != nil {
			return nil, fmt.Errorf("scan donor: %w", err)
		}
		d.BloodType = domain.BloodType(bt)
		d.Consent = domain.ConsentLevel(consent)
		out = append(out, d)
	}
	return out, rows.Err()
}
