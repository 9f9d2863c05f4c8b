// Package intake records donations arriving at a bank. A donation is the
// only operation that adds units to an inventory cell; everything downstream
// (reservation, release, expiry) moves units it introduced.
package intake

import (
	"context"
	"log/slog"

	"bloodbridge/internal/ledger"
	"bloodbridge/internal/platform/metrics"
	"bloodbridge/internal/txlog"
	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

// Service applies donations to the ledger and records them in the
// transaction log.
type Service struct {
	ledger  *ledger.Ledger
	log     *txlog.Log
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(l *ledger.Ledger, log *txlog.Log, opts ...Option) *Service {
	s := &Service{ledger: l, log: log, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordDonation adds units to the bank's cell for the donated type and
// component and appends the matching log entry. The donor ID is optional;
// walk-in donations at a drive may arrive anonymous.
//
// Errors: CodeInvalidRequest for non-positive units or a malformed cell,
// CodeInvalidBloodType / CodeInvalidComponent for bad domain values.
func (s *Service) RecordDonation(ctx context.Context, bank string, bt domain.BloodType, c domain.Component, units int, donorID string) (ledger.Version, error) {
	if units <= 0 {
		return ledger.Version{}, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "donation requires positive units, got %d", units)
	}
	key := ledger.CellKey{Bank: bank, Type: bt, Component: c}
	if err := key.Validate(); err != nil {
		return ledger.Version{}, err
	}

	v, err := s.ledger.Append(ctx, key, units, bank)
	if err != nil {
		return ledger.Version{}, err
	}

	_, err = s.log.Append(ctx, txlog.Entry{
		EntityType: txlog.EntityInventoryCell,
		EntityID:   key.String(),
		Action:     txlog.ActionDonationRecorded,
		Payload: txlog.Payload{
			Bank:      bank,
			BloodType: bt,
			Component: c,
			Delta:     units,
			DonorID:   donorID,
			CellVer:   v.Version,
		},
		Actor: bank,
	})
	if err != nil {
		// The ledger applied but the log did not. Compensate so the two
		// stay consistent; the caller can retry the whole donation.
		if _, undoErr := s.ledger.Append(ctx, key, -units, bank); undoErr != nil {
			s.logger.ErrorContext(ctx, "donation compensation failed, ledger and log diverge",
				"cell", key.String(), "units", units, "error", undoErr)
		}
		return ledger.Version{}, err
	}

	s.metrics.IncDonationsRecorded()
	s.logger.InfoContext(ctx, "donation recorded",
		"cell", key.String(), "units", units, "version", v.Version)
	return v, nil
}
