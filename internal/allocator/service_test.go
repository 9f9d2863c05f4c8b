package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bloodbridge/internal/compat"
	"bloodbridge/internal/eligibility"
	"bloodbridge/internal/intake"
	"bloodbridge/internal/ledger"
	"bloodbridge/internal/notify"
	"bloodbridge/internal/txlog"
	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type AllocatorSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *testClock
	ledger    *ledger.Ledger
	log       *txlog.Log
	store     *InMemoryStore
	publisher *notify.InMemoryPublisher
	intake    *intake.Service
	alloc     *Allocator
}

func (s *AllocatorSuite) SetupTest() {
	s.setup(Config{ReservationTTL: 30 * time.Minute, RetryBound: 5})
}

func (s *AllocatorSuite) setup(cfg Config) {
	s.ctx = context.Background()
	s.clock = newTestClock()
	s.ledger = ledger.New(ledger.NewInMemoryStore(), ledger.WithClock(s.clock.Now))
	s.log = txlog.New(txlog.NewInMemoryStore(), txlog.WithClock(s.clock.Now))
	s.store = NewInMemoryStore()
	s.publisher = notify.NewInMemoryPublisher()
	s.intake = intake.New(s.ledger, s.log)

	resolver := compat.New(compat.DefaultPolicy())
	donors := eligibility.NewInMemoryStore(
		eligibility.DonorProfile{ID: "don-oneg-a", BloodType: domain.ONeg, Consent: domain.ConsentBoth},
		eligibility.DonorProfile{ID: "don-oneg-b", BloodType: domain.ONeg, Consent: domain.ConsentDrive},
		eligibility.DonorProfile{ID: "don-apos", BloodType: domain.APos, Consent: domain.ConsentBoth},
	)
	filter := eligibility.New(donors, resolver)
	s.alloc = New(s.store, s.ledger, s.log, resolver, filter, s.publisher,
		StaticBanks{"central", "mercy"}, cfg, WithClock(s.clock.Now))
}

func (s *AllocatorSuite) seed(bank string, bt domain.BloodType, c domain.Component, units int) {
	_, err := s.intake.RecordDonation(s.ctx, bank, bt, c, units, "")
	s.Require().NoError(err)
}

func (s *AllocatorSuite) cellUnits(bank string, bt domain.BloodType, c domain.Component) int {
	snap, err := s.ledger.CurrentSnapshot(s.ctx, ledger.CellKey{Bank: bank, Type: bt, Component: c})
	s.Require().NoError(err)
	return snap.Units
}

func (s *AllocatorSuite) actions(id domain.RequestID) []txlog.Action {
	trail, err := s.log.AuditTrail(s.ctx, id.String(), time.Time{}, time.Time{})
	s.Require().NoError(err)
	out := make([]txlog.Action, 0, len(trail))
	for _, e := range trail {
		out = append(out, e.Action)
	}
	return out
}

func (s *AllocatorSuite) TestSubmitFullyReservesAndFulfills() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 10)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 5)
	s.Require().NoError(err)
	s.Equal(domain.RequestID("hops-0001"), req.ID)
	s.Equal(txlog.StatusFulfilled, req.Status)
	s.Zero(req.Remainder)
	s.Equal(5, s.cellUnits("central", domain.ONeg, domain.ComponentWhole))

	_, allocs, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Require().Len(allocs, 1)
	s.Equal(OutcomeFulfilled, allocs[0].Outcome)
	s.Equal(5, allocs[0].Units)
	s.False(allocs[0].Substituted)

	s.Equal([]txlog.Action{
		txlog.ActionRequestCreated,
		txlog.ActionUnitsReserved,
		txlog.ActionRequestFulfilled,
	}, s.actions(req.ID))
}

func (s *AllocatorSuite) TestPartialReservationEmitsShortfall() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 3)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 5)
	s.Require().NoError(err)
	s.Equal(txlog.StatusPartiallyReserved, req.Status)
	s.Equal(2, req.Remainder)
	s.Zero(s.cellUnits("central", domain.ONeg, domain.ComponentWhole))

	event, ok := s.publisher.LastShortfall()
	s.Require().True(ok)
	s.Equal(req.ID.String(), event.RequestID)
	s.Equal(2, event.UnitsShort)
	s.Equal([]string{"don-oneg-a"}, event.EligibleDonors)
	s.Contains(s.actions(req.ID), txlog.ActionShortfallDetected)
}

func (s *AllocatorSuite) TestExactTypePreferredOverCompatible() {
	s.seed("central", domain.APos, domain.ComponentWhole, 2)
	s.seed("mercy", domain.ONeg, domain.ComponentWhole, 5)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.APos, domain.ComponentWhole, domain.UrgencyEmergency, 2)
	s.Require().NoError(err)
	s.Equal(txlog.StatusFulfilled, req.Status)

	_, allocs, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Require().Len(allocs, 1)
	s.Equal("central", allocs[0].Cell.Bank)
	s.Equal(domain.APos, allocs[0].Cell.Type)
	s.Equal(5, s.cellUnits("mercy", domain.ONeg, domain.ComponentWhole))
}

func (s *AllocatorSuite) TestEmergencyRhSubstitutionComesLast() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 2)
	s.seed("central", domain.OPos, domain.ComponentWhole, 5)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 4)
	s.Require().NoError(err)
	s.Equal(txlog.StatusFulfilled, req.Status)

	_, allocs, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Require().Len(allocs, 2)
	s.Equal(domain.ONeg, allocs[0].Cell.Type)
	s.False(allocs[0].Substituted)
	s.Equal(2, allocs[0].Units)
	s.Equal(domain.OPos, allocs[1].Cell.Type)
	s.True(allocs[1].Substituted)
	s.Equal(2, allocs[1].Units)
}

func (s *AllocatorSuite) TestNoRhSubstitutionForScheduledDrives() {
	s.seed("central", domain.OPos, domain.ComponentWhole, 5)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyDrive, 2)
	s.Require().NoError(err)
	s.Equal(txlog.StatusOpen, req.Status)
	s.Equal(2, req.Remainder)
	s.Equal(5, s.cellUnits("central", domain.OPos, domain.ComponentWhole))
}

func (s *AllocatorSuite) TestFullFulfillmentOnlyReleasesPartialHolds() {
	s.setup(Config{ReservationTTL: 30 * time.Minute, RetryBound: 5, FullFulfillmentOnly: true})
	s.seed("central", domain.ONeg, domain.ComponentWhole, 3)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 5)
	s.Require().NoError(err)
	s.Equal(txlog.StatusOpen, req.Status)
	s.Equal(5, req.Remainder)
	s.Equal(3, s.cellUnits("central", domain.ONeg, domain.ComponentWhole))

	_, allocs, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Require().Len(allocs, 1)
	s.Equal(OutcomeReleased, allocs[0].Outcome)
	s.Contains(s.actions(req.ID), txlog.ActionReservationReleased)
}

func (s *AllocatorSuite) TestExpiredReservationIsReclaimed() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 3)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 5)
	s.Require().NoError(err)
	s.Equal(2, req.Remainder)

	s.clock.Advance(31 * time.Minute)
	after, allocs, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(txlog.StatusOpen, after.Status)
	s.Equal(5, after.Remainder)
	s.Equal(3, s.cellUnits("central", domain.ONeg, domain.ComponentWhole))
	s.Require().Len(allocs, 1)
	s.Equal(OutcomeExpired, allocs[0].Outcome)
	s.Contains(s.actions(req.ID), txlog.ActionReservationExpired)
}

func (s *AllocatorSuite) TestSweepReclaimsAcrossRequests() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 2)
	s.seed("mercy", domain.APos, domain.ComponentWhole, 1)

	r1, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 4)
	s.Require().NoError(err)
	r2, err := s.alloc.Submit(s.ctx, "county", domain.APos, domain.ComponentWhole, domain.UrgencyEmergency, 3)
	s.Require().NoError(err)

	s.clock.Advance(31 * time.Minute)
	s.Require().NoError(s.alloc.SweepExpired(s.ctx))

	for _, id := range []domain.RequestID{r1.ID, r2.ID} {
		req, _, err := s.alloc.Status(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(txlog.StatusOpen, req.Status)
		s.Equal(req.Units, req.Remainder)
	}
	s.Equal(2, s.cellUnits("central", domain.ONeg, domain.ComponentWhole))
}

func (s *AllocatorSuite) TestFulfillConfirmsPartialDelivery() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 2)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 5)
	s.Require().NoError(err)
	s.Equal(txlog.StatusPartiallyReserved, req.Status)
	s.Equal(3, req.Remainder)

	s.Require().NoError(s.alloc.Fulfill(s.ctx, req.ID, "stmarys"))
	after, allocs, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(txlog.StatusFulfilled, after.Status)
	s.Zero(after.Remainder)
	s.Require().Len(allocs, 1)
	s.Equal(OutcomeFulfilled, allocs[0].Outcome)
	s.Zero(s.cellUnits("central", domain.ONeg, domain.ComponentWhole))

	err = s.alloc.Fulfill(s.ctx, req.ID, "stmarys")
	s.Require().Error(err)
	s.Equal(pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func (s *AllocatorSuite) TestFulfillWithoutReservationsConflicts() {
	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 2)
	s.Require().NoError(err)
	s.Equal(txlog.StatusOpen, req.Status)

	err = s.alloc.Fulfill(s.ctx, req.ID, "stmarys")
	s.Require().Error(err)
	s.Equal(pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func (s *AllocatorSuite) TestCancelReleasesReservations() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 3)

	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 5)
	s.Require().NoError(err)

	s.Require().NoError(s.alloc.Cancel(s.ctx, req.ID, "stmarys", "patient transferred"))
	after, allocs, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(txlog.StatusCancelled, after.Status)
	s.Equal(3, s.cellUnits("central", domain.ONeg, domain.ComponentWhole))
	s.Require().Len(allocs, 1)
	s.Equal(OutcomeReleased, allocs[0].Outcome)

	err = s.alloc.Cancel(s.ctx, req.ID, "stmarys", "again")
	s.Require().Error(err)
	s.Equal(pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func (s *AllocatorSuite) TestConcurrentDonorResponsesLoseNoPledges() {
	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 2)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, donor := range []string{"don-oneg-a", "don-apos"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.alloc.RecordDonorResponse(s.ctx, req.ID, donor, true)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		s.Require().NoError(err)
	}

	after, _, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Zero(after.Remainder)
	s.Equal(txlog.StatusFulfilled, after.Status)
	s.Len(after.DonorResponses, 2)
}

func (s *AllocatorSuite) TestConcurrentSameDonorResponsesConflictOnce() {
	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 3)
	s.Require().NoError(err)

	const racers = 2
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.alloc.RecordDonorResponse(s.ctx, req.ID, "don-oneg-a", true)
		}()
	}
	wg.Wait()

	var accepted, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case pkgerrors.CodeOf(err) == pkgerrors.CodeConflict:
			conflicted++
		default:
			s.Require().NoError(err)
		}
	}
	s.Equal(1, accepted)
	s.Equal(1, conflicted)

	after, _, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(2, after.Remainder)

	var responded int
	for _, action := range s.actions(req.ID) {
		if action == txlog.ActionDonorResponded {
			responded++
		}
	}
	s.Equal(1, responded)
}

func (s *AllocatorSuite) TestDonorResponsesAdjustRemainder() {
	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 2)
	s.Require().NoError(err)
	s.Equal(txlog.StatusOpen, req.Status)

	s.Require().NoError(s.alloc.RecordDonorResponse(s.ctx, req.ID, "don-oneg-a", true))
	after, _, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(1, after.Remainder)

	// A declined donor disappears from the eligibility set.
	s.Require().NoError(s.alloc.RecordDonorResponse(s.ctx, req.ID, "don-oneg-b", false))
	donors, err := s.alloc.EligibleDonors(s.ctx, req.ID)
	s.Require().NoError(err)
	s.NotContains(donors, "don-oneg-b")

	// Double responses are rejected.
	err = s.alloc.RecordDonorResponse(s.ctx, req.ID, "don-oneg-a", true)
	s.Require().Error(err)
	s.Equal(pkgerrors.CodeConflict, pkgerrors.CodeOf(err))

	// The last pledge closes the request.
	s.Require().NoError(s.alloc.RecordDonorResponse(s.ctx, req.ID, "don-apos", true))
	after, _, err = s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(txlog.StatusFulfilled, after.Status)
	s.Zero(after.Remainder)
}

func (s *AllocatorSuite) TestAllBanksDecliningClosesRequest() {
	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 2)
	s.Require().NoError(err)

	s.Require().NoError(s.alloc.DeclineBank(s.ctx, req.ID, "central"))
	mid, _, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(txlog.StatusOpen, mid.Status)

	err = s.alloc.DeclineBank(s.ctx, req.ID, "central")
	s.Require().Error(err)
	s.Equal(pkgerrors.CodeConflict, pkgerrors.CodeOf(err))

	s.Require().NoError(s.alloc.DeclineBank(s.ctx, req.ID, "mercy"))
	after, _, err := s.alloc.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(txlog.StatusCancelled, after.Status)
	s.Contains(s.actions(req.ID), txlog.ActionBankDeclined)
	s.Contains(s.actions(req.ID), txlog.ActionRequestCancelled)
}

func (s *AllocatorSuite) TestAnnounceDriveNotifiesVolunteers() {
	date := time.Date(2025, 7, 12, 10, 0, 0, 0, time.UTC)
	req, err := s.alloc.AnnounceDrive(s.ctx, "cityblood", "community hall", date)
	s.Require().NoError(err)
	s.Equal(domain.RequestID("bank-0001"), req.ID)
	s.Equal(KindDrive, req.Kind)

	s.Require().Len(s.publisher.Drives, 1)
	event := s.publisher.Drives[0]
	s.Equal("cityblood", event.Organizer)
	s.Equal([]string{"don-apos", "don-oneg-a", "don-oneg-b"}, event.Volunteers)

	donors, err := s.alloc.EligibleDonors(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(event.Volunteers, donors)
}

func (s *AllocatorSuite) TestSubmitRejectsBadInput() {
	_, err := s.alloc.Submit(s.ctx, "", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 1)
	s.Equal(pkgerrors.CodeInvalidRequest, pkgerrors.CodeOf(err))

	_, err = s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 0)
	s.Equal(pkgerrors.CodeInvalidRequest, pkgerrors.CodeOf(err))

	_, err = s.alloc.Submit(s.ctx, "stmarys", domain.BloodType("Q-"), domain.ComponentWhole, domain.UrgencyEmergency, 1)
	s.Equal(pkgerrors.CodeInvalidBloodType, pkgerrors.CodeOf(err))

	_, err = s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.Component("serum"), domain.UrgencyEmergency, 1)
	s.Equal(pkgerrors.CodeInvalidComponent, pkgerrors.CodeOf(err))

	_, err = s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.Urgency("routine"), 1)
	s.Equal(pkgerrors.CodeInvalidRequest, pkgerrors.CodeOf(err))
}

func (s *AllocatorSuite) TestStatusOfUnknownRequest() {
	_, _, err := s.alloc.Status(s.ctx, domain.RequestID("hops-9999"))
	s.Require().Error(err)
	s.Equal(pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func (s *AllocatorSuite) TestRehydrateRebuildsWorkingSet() {
	s.seed("central", domain.ONeg, domain.ComponentWhole, 3)
	req, err := s.alloc.Submit(s.ctx, "stmarys", domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 5)
	s.Require().NoError(err)
	s.Require().NoError(s.alloc.RecordDonorResponse(s.ctx, req.ID, "don-oneg-b", false))

	fresh := New(NewInMemoryStore(), s.ledger, s.log, compat.New(compat.DefaultPolicy()),
		nil, s.publisher, StaticBanks{"central", "mercy"},
		Config{ReservationTTL: 30 * time.Minute, RetryBound: 5}, WithClock(s.clock.Now))
	s.Require().NoError(fresh.Rehydrate(s.ctx))

	rebuilt, allocs, err := fresh.Status(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(txlog.StatusPartiallyReserved, rebuilt.Status)
	s.Equal(2, rebuilt.Remainder)
	s.Equal(map[string]bool{"don-oneg-b": false}, rebuilt.DonorResponses)
	s.Require().Len(allocs, 1)
	s.Equal(OutcomeReserved, allocs[0].Outcome)
	s.Equal(3, allocs[0].Units)

	// Minting continues past rehydrated IDs.
	n, err := fresh.store.(*InMemoryStore).NextSequence(s.ctx, "hops-")
	s.Require().NoError(err)
	s.Equal(uint64(2), n)
}

func TestAllocatorSuite(t *testing.T) {
	suite.Run(t, new(AllocatorSuite))
}

func TestConcurrentSubmitsNeverOverAllocate(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := ledger.New(ledger.NewInMemoryStore(), ledger.WithClock(clock.Now))
	log := txlog.New(txlog.NewInMemoryStore(), txlog.WithClock(clock.Now))
	resolver := compat.New(compat.DefaultPolicy())
	filter := eligibility.New(eligibility.NewInMemoryStore(), resolver)
	in := intake.New(l, log)
	alloc := New(NewInMemoryStore(), l, log, resolver, filter, notify.NewInMemoryPublisher(),
		StaticBanks{"central"}, Config{ReservationTTL: 30 * time.Minute, RetryBound: 50},
		WithClock(clock.Now))

	_, err := in.RecordDonation(ctx, "central", domain.ONeg, domain.ComponentWhole, 6, "")
	require.NoError(t, err)

	hospitals := []string{"stmarys", "county"}
	results := make([]*Request, len(hospitals))
	errs := make([]error, len(hospitals))
	var wg sync.WaitGroup
	for i, h := range hospitals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = alloc.Submit(ctx, h, domain.ONeg, domain.ComponentWhole, domain.UrgencyEmergency, 4)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	snap, err := l.CurrentSnapshot(ctx, ledger.CellKey{Bank: "central", Type: domain.ONeg, Component: domain.ComponentWhole})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Units, 0)

	reserved := 0
	for _, req := range results {
		reserved += req.Units - req.Remainder
	}
	assert.Equal(t, 6-snap.Units, reserved)
	assert.LessOrEqual(t, reserved, 6)
	assert.NotEqual(t, results[0].ID, results[1].ID)
}
