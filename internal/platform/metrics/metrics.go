package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing, so wiring stays optional in tests.
type Metrics struct {
	RequestsSubmitted    prometheus.Counter
	DonationsRecorded    prometheus.Counter
	UnitsReserved        prometheus.Counter
	ReservationConflicts prometheus.Counter
	ReservationsExpired  prometheus.Counter
	ShortfallsDetected   prometheus.Counter
	DrivesAnnounced      prometheus.Counter
	AllocationSeconds    prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RequestsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bloodbridge_requests_submitted_total",
			Help: "Total number of blood requests accepted by the allocator",
		}),
		DonationsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bloodbridge_donations_recorded_total",
			Help: "Total number of donation intake events",
		}),
		UnitsReserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bloodbridge_units_reserved_total",
			Help: "Total units reserved against inventory cells",
		}),
		ReservationConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bloodbridge_reservation_conflicts_total",
			Help: "Total compare-and-append conflicts retried during allocation",
		}),
		ReservationsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bloodbridge_reservations_expired_total",
			Help: "Total reservations reclaimed after their deadline",
		}),
		ShortfallsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bloodbridge_shortfalls_detected_total",
			Help: "Total requests left with an unmet remainder after allocation",
		}),
		DrivesAnnounced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bloodbridge_drives_announced_total",
			Help: "Total blood drive announcements",
		}),
		AllocationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bloodbridge_allocation_duration_seconds",
			Help:    "Time spent in a single allocation pass",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncRequestsSubmitted() {
	if m != nil {
		m.RequestsSubmitted.Inc()
	}
}

func (m *Metrics) IncDonationsRecorded() {
	if m != nil {
		m.DonationsRecorded.Inc()
	}
}

func (m *Metrics) AddUnitsReserved(units int) {
	if m != nil {
		m.UnitsReserved.Add(float64(units))
	}
}

func (m *Metrics) IncReservationConflicts() {
	if m != nil {
		m.ReservationConflicts.Inc()
	}
}

func (m *Metrics) IncReservationsExpired() {
	if m != nil {
		m.ReservationsExpired.Inc()
	}
}

func (m *Metrics) IncShortfallsDetected() {
	if m != nil {
		m.ShortfallsDetected.Inc()
	}
}

func (m *Metrics) IncDrivesAnnounced() {
	if m != nil {
		m.DrivesAnnounced.Inc()
	}
}

func (m *Metrics) ObserveAllocationSeconds(seconds float64) {
	if m != nil {
		m.AllocationSeconds.Observe(seconds)
	}
}
