// Package allocator matches open blood requests against inventory cells and
// manages the resulting reservations. All inventory movement goes through the
// ledger's compare-and-append, so two allocators racing for the same cell can
// never hand out the same unit twice; the loser re-reads and retries.
package allocator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bloodbridge/internal/compat"
	"bloodbridge/internal/eligibility"
	"bloodbridge/internal/ledger"
	"bloodbridge/internal/notify"
	"bloodbridge/internal/platform/metrics"
	"bloodbridge/internal/txlog"
	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
	"bloodbridge/pkg/platform/sentinel"
)

const (
	actorAllocator = "allocator"
	actorSweeper   = "sweeper"

	prefixHospital = "hops-"
	prefixBank     = "bank-"

	mintAttempts = 3
)

// BankDirectory lists the banks whose inventory the allocator may draw from.
// Facility metadata lives outside the engine; this is the only thing it needs.
type BankDirectory interface {
	ListBanks(ctx context.Context) ([]string, error)
}

// StaticBanks is a fixed directory, for deployments configured by hand and
// for tests.
type StaticBanks []string

func (b StaticBanks) ListBanks(_ context.Context) ([]string, error) {
	return []string(b), nil
}

// Config tunes allocation behavior.
type Config struct {
	// ReservationTTL is how long a reservation holds units before the
	// sweeper returns them to the pool.
	ReservationTTL time.Duration

	// RetryBound caps compare-and-append retries per candidate cell.
	RetryBound int

	// FullFulfillmentOnly releases every reservation of an allocation pass
	// that cannot cover the whole request, instead of holding a partial.
	FullFulfillmentOnly bool
}

// DefaultConfig returns the standing tuning: quarter-hour holds, a handful of
// retries, partial fulfillment allowed.
func DefaultConfig() Config {
	return Config{ReservationTTL: 15 * time.Minute, RetryBound: 5}
}

// Allocator is the matching engine. The transaction log is its source of
// truth; the working-set store is a cache it keeps current.
type Allocator struct {
	store     Store
	ledger    *ledger.Ledger
	log       *txlog.Log
	resolver  *compat.Resolver
	filter    *eligibility.Filter
	publisher notify.Publisher
	banks     BankDirectory
	weigher   SiteWeigher
	deadlines DeadlineIndex
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time

	// reqmu serializes state transitions per request. Inventory cells have
	// their own compare-and-append in the ledger; the request working set is
	// a plain overwrite store, so every read-check-write runs under the
	// request's mutex.
	reqmu sync.Map
}

// lockRequest takes the request's mutex and returns the unlock.
func (a *Allocator) lockRequest(id domain.RequestID) func() {
	m, _ := a.reqmu.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Option configures the Allocator.
type Option func(*Allocator)

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

func WithWeigher(w SiteWeigher) Option {
	return func(a *Allocator) { a.weigher = w }
}

// WithDeadlineIndex plugs in a shared reservation-deadline index so the
// sweeper finds due reservations without scanning the working set.
func WithDeadlineIndex(idx DeadlineIndex) Option {
	return func(a *Allocator) { a.deadlines = idx }
}

func New(store Store, l *ledger.Ledger, log *txlog.Log, resolver *compat.Resolver, filter *eligibility.Filter, publisher notify.Publisher, banks BankDirectory, cfg Config, opts ...Option) *Allocator {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultConfig().ReservationTTL
	}
	if cfg.RetryBound <= 0 {
		cfg.RetryBound = DefaultConfig().RetryBound
	}
	a := &Allocator{
		store:     store,
		ledger:    l,
		log:       log,
		resolver:  resolver,
		filter:    filter,
		publisher: publisher,
		banks:     banks,
		weigher:   UniformWeigher{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("bloodbridge/allocator"),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit validates and records a new demand request, then runs one
// allocation pass over it. The request exists once this returns, even when
// the pass could not reserve anything.
//
// Errors: CodeInvalidRequest / CodeInvalidBloodType / CodeInvalidComponent
// for bad input, CodeConflict when ID minting loses repeatedly.
func (a *Allocator) Submit(ctx context.Context, hospital string, bt domain.BloodType, c domain.Component, u domain.Urgency, units int) (*Request, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.Submit")
	defer span.End()

	if hospital == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest, "hospital is required")
	}
	if units <= 0 {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "request requires positive units, got %d", units)
	}
	if !u.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid urgency %q", u)
	}
	if _, err := a.resolver.AcceptableInventoryTypes(bt, c); err != nil {
		return nil, err
	}

	req, err := a.mintAndCreate(ctx, func(n uint64) (*Request, txlog.Entry) {
		id := domain.NewHospitalRequestID(n)
		req := &Request{
			ID:        id,
			Kind:      KindDemand,
			Hospital:  hospital,
			BloodType: bt,
			Component: c,
			Urgency:   u,
			Units:     units,
			Remainder: units,
			Status:    txlog.StatusOpen,
			CreatedAt: a.now(),
		}
		entry := txlog.Entry{
			EntityType: txlog.EntityRequest,
			EntityID:   id.String(),
			Action:     txlog.ActionRequestCreated,
			Payload: txlog.Payload{
				Hospital:  hospital,
				BloodType: bt,
				Component: c,
				Urgency:   u,
				Units:     units,
				Status:    txlog.StatusOpen,
				Remainder: units,
			},
			Actor: hospital,
		}
		return req, entry
	}, prefixHospital)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", req.ID.String()))
	a.metrics.IncRequestsSubmitted()
	a.logger.InfoContext(ctx, "request submitted",
		"request_id", req.ID, "hospital", hospital, "blood_type", bt,
		"component", c, "urgency", u, "units", units)

	defer a.lockRequest(req.ID)()
	if err := a.allocate(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// AnnounceDrive records a bank-origin blood drive and notifies consenting
// volunteers. Drives carry no units and never touch inventory.
func (a *Allocator) AnnounceDrive(ctx context.Context, organizer, location string, date time.Time) (*Request, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.AnnounceDrive")
	defer span.End()

	if organizer == "" || location == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest, "drive requires an organizer and a location")
	}
	if date.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest, "drive requires a date")
	}

	req, err := a.mintAndCreate(ctx, func(n uint64) (*Request, txlog.Entry) {
		id := domain.NewBankRequestID(n)
		req := &Request{
			ID:        id,
			Kind:      KindDrive,
			Hospital:  organizer,
			Urgency:   domain.UrgencyDrive,
			Status:    txlog.StatusOpen,
			CreatedAt: a.now(),
			Location:  location,
			DriveDate: date,
		}
		entry := txlog.Entry{
			EntityType: txlog.EntityRequest,
			EntityID:   id.String(),
			Action:     txlog.ActionDriveAnnounced,
			Payload: txlog.Payload{
				Hospital:  organizer,
				Urgency:   domain.UrgencyDrive,
				Status:    txlog.StatusOpen,
				Location:  location,
				DriveDate: date,
			},
			Actor: organizer,
		}
		return req, entry
	}, prefixBank)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", req.ID.String()))
	a.metrics.IncDrivesAnnounced()

	volunteers, err := a.filter.DriveVolunteers(ctx)
	if err != nil {
		return nil, err
	}
	event := notify.DriveEvent{
		RequestID:  req.ID.String(),
		Organizer:  organizer,
		Location:   location,
		DriveDate:  date,
		Volunteers: volunteers,
		OccurredAt: a.now(),
	}
	if err := a.publisher.PublishDrive(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "drive event publish failed", "request_id", req.ID, "error", err)
	}
	return req, nil
}

// mintAndCreate assigns the next sequence number for the prefix and appends
// the creating log entry. A duplicate creation means another submitter won
// the same number; mint again.
func (a *Allocator) mintAndCreate(ctx context.Context, build func(n uint64) (*Request, txlog.Entry), prefix string) (*Request, error) {
	for attempt := 0; attempt < mintAttempts; attempt++ {
		n, err := a.store.NextSequence(ctx, prefix)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "mint request id")
		}
		req, entry := build(n)
		if _, err := a.log.Append(ctx, entry); err != nil {
			if pkgerrors.Is(err, pkgerrors.CodeConflict) {
				continue
			}
			return nil, err
		}
		if err := a.store.SaveRequest(ctx, req); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "save request")
		}
		return req, nil
	}
	return nil, pkgerrors.Newf(pkgerrors.CodeConflict, "could not mint a %s request id", prefix)
}

// allocate runs one reservation walk over the ranked candidate cells. It
// mutates req's remainder and status as reservations land.
func (a *Allocator) allocate(ctx context.Context, req *Request) error {
	ctx, span := a.tracer.Start(ctx, "allocator.allocate")
	defer span.End()
	start := a.now()
	defer func() {
		a.metrics.ObserveAllocationSeconds(a.now().Sub(start).Seconds())
	}()

	cands, err := a.candidates(ctx, req)
	if err != nil {
		return err
	}
	rank(cands)
	span.SetAttributes(attribute.Int("candidates", len(cands)))

	var reserved []*Allocation
	for _, cand := range cands {
		if req.Remainder == 0 {
			break
		}
		alloc, err := a.reserveFrom(ctx, req, cand)
		if err != nil {
			return err
		}
		if alloc == nil {
			continue
		}
		reserved = append(reserved, alloc)
	}

	if req.Remainder == 0 {
		return a.markFulfilled(ctx, req)
	}
	if a.cfg.FullFulfillmentOnly && len(reserved) > 0 {
		if err := a.releaseReservations(ctx, req, reserved, txlog.ActionReservationReleased, actorAllocator, "full fulfillment required"); err != nil {
			return err
		}
	}
	return a.emitShortfall(ctx, req)
}

// candidates snapshots every cell that could serve the request: strictly
// compatible types across all non-declined banks, plus policy substitutions.
func (a *Allocator) candidates(ctx context.Context, req *Request) ([]Candidate, error) {
	strict, err := a.resolver.AcceptableInventoryTypes(req.BloodType, req.Component)
	if err != nil {
		return nil, err
	}
	subs, err := a.resolver.Substitutions(req.BloodType, req.Component, req.Urgency)
	if err != nil {
		return nil, err
	}
	banks, err := a.banks.ListBanks(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list banks")
	}

	var cands []Candidate
	for _, bank := range banks {
		if req.DeclinedBanks[bank] {
			continue
		}
		for _, group := range []struct {
			types       []domain.BloodType
			substituted bool
		}{{strict, false}, {subs, true}} {
			for _, bt := range group.types {
				key := ledger.CellKey{Bank: bank, Type: bt, Component: req.Component}
				snap, err := a.ledger.CurrentSnapshot(ctx, key)
				if err != nil {
					return nil, err
				}
				if snap.Units <= 0 {
					continue
				}
				cands = append(cands, Candidate{
					Cell:        key,
					Available:   snap.Units,
					Version:     snap.Version,
					Exact:       !group.substituted && bt == req.BloodType,
					Substituted: group.substituted,
					Weight:      a.weigher.Weight(req.Hospital, bank),
				})
			}
		}
	}
	return cands, nil
}

// reserveFrom takes as much of the request's remainder as the cell holds,
// conditioned on the cell version it just read. A conflict means another
// writer moved the cell; re-read and recompute the take. Returns nil with no
// error when the cell emptied or retries ran out.
func (a *Allocator) reserveFrom(ctx context.Context, req *Request, cand Candidate) (*Allocation, error) {
	for attempt := 0; attempt < a.cfg.RetryBound; attempt++ {
		snap, err := a.ledger.CurrentSnapshot(ctx, cand.Cell)
		if err != nil {
			return nil, err
		}
		if snap.Units <= 0 {
			return nil, nil
		}
		take := min(req.Remainder, snap.Units)

		v, err := a.ledger.CompareAppend(ctx, cand.Cell, -take, actorAllocator, snap.Version)
		if pkgerrors.Is(err, pkgerrors.CodeConflict) || pkgerrors.Is(err, pkgerrors.CodeNegativeInventory) {
			a.metrics.IncReservationConflicts()
			continue
		}
		if err != nil {
			return nil, err
		}

		now := a.now()
		alloc := &Allocation{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			Cell:        cand.Cell,
			Units:       take,
			Substituted: cand.Substituted,
			CellVersion: v.Version,
			Outcome:     OutcomeReserved,
			ReservedAt:  now,
			ExpiresAt:   now.Add(a.cfg.ReservationTTL),
		}
		_, err = a.log.Append(ctx, txlog.Entry{
			EntityType: txlog.EntityRequest,
			EntityID:   req.ID.String(),
			Action:     txlog.ActionUnitsReserved,
			Payload: txlog.Payload{
				Units:     take,
				Delta:     -take,
				Status:    txlog.StatusPartiallyReserved,
				Remainder: req.Remainder - take,
				CellVer:   v.Version,
				AllocID:   alloc.ID,
				Subst:     cand.Substituted,
			},
			Refs:  []string{cand.Cell.String()},
			Actor: actorAllocator,
		})
		if err != nil {
			// Log rejected the entry after the units moved; put them back.
			if _, undoErr := a.ledger.Append(ctx, cand.Cell, take, actorAllocator); undoErr != nil {
				a.logger.ErrorContext(ctx, "reservation compensation failed, ledger and log diverge",
					"cell", cand.Cell.String(), "units", take, "error", undoErr)
			}
			return nil, err
		}
		if err := a.store.SaveAllocation(ctx, alloc); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "save allocation")
		}
		req.Remainder -= take
		req.Status = txlog.StatusPartiallyReserved
		if err := a.store.UpdateRequest(ctx, req); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update request")
		}
		a.trackDeadline(ctx, req.ID, alloc)
		a.metrics.AddUnitsReserved(take)
		a.logger.InfoContext(ctx, "units reserved",
			"request_id", req.ID, "cell", cand.Cell.String(), "units", take,
			"substituted", cand.Substituted, "remainder", req.Remainder)
		return alloc, nil
	}
	return nil, nil
}

// markFulfilled flips the request and its reservations to fulfilled. Called
// when the remainder reaches zero.
func (a *Allocator) markFulfilled(ctx context.Context, req *Request) error {
	if err := a.finalizeAllocations(ctx, req); err != nil {
		return err
	}
	_, err := a.log.Append(ctx, txlog.Entry{
		EntityType: txlog.EntityRequest,
		EntityID:   req.ID.String(),
		Action:     txlog.ActionRequestFulfilled,
		Payload:    txlog.Payload{Status: txlog.StatusFulfilled, Remainder: 0},
		Actor:      actorAllocator,
	})
	if err != nil {
		return err
	}
	req.Status = txlog.StatusFulfilled
	req.Remainder = 0
	if err := a.store.UpdateRequest(ctx, req); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update request")
	}
	a.logger.InfoContext(ctx, "request fulfilled", "request_id", req.ID)
	return nil
}

func (a *Allocator) finalizeAllocations(ctx context.Context, req *Request) error {
	allocs, err := a.store.AllocationsByRequest(ctx, req.ID)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list allocations")
	}
	for _, alloc := range allocs {
		if alloc.Outcome != OutcomeReserved {
			continue
		}
		alloc.Outcome = OutcomeFulfilled
		if err := a.store.UpdateAllocation(ctx, alloc); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update allocation")
		}
		a.forgetDeadline(ctx, req.ID, alloc)
	}
	return nil
}

// releaseReservations returns the units of the given reserved allocations to
// their cells and records one compensating entry per allocation. The action
// distinguishes voluntary release from expiry.
func (a *Allocator) releaseReservations(ctx context.Context, req *Request, allocs []*Allocation, action txlog.Action, actor, reason string) error {
	outcome := OutcomeReleased
	if action == txlog.ActionReservationExpired {
		outcome = OutcomeExpired
	}
	remainingReserved, err := a.countReserved(ctx, req.ID)
	if err != nil {
		return err
	}
	for _, alloc := range allocs {
		if alloc.Outcome != OutcomeReserved {
			continue
		}
		if _, err := a.ledger.Append(ctx, alloc.Cell, alloc.Units, actor); err != nil {
			return err
		}
		req.Remainder += alloc.Units
		remainingReserved--
		status := txlog.StatusPartiallyReserved
		if remainingReserved == 0 {
			status = txlog.StatusOpen
		}
		_, err := a.log.Append(ctx, txlog.Entry{
			EntityType: txlog.EntityRequest,
			EntityID:   req.ID.String(),
			Action:     action,
			Payload: txlog.Payload{
				Units:     alloc.Units,
				Delta:     alloc.Units,
				Status:    status,
				Remainder: req.Remainder,
				AllocID:   alloc.ID,
				Reason:    reason,
			},
			Refs:  []string{alloc.Cell.String()},
			Actor: actor,
		})
		if err != nil {
			return err
		}
		alloc.Outcome = outcome
		if err := a.store.UpdateAllocation(ctx, alloc); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update allocation")
		}
		a.forgetDeadline(ctx, req.ID, alloc)
		req.Status = status
		if err := a.store.UpdateRequest(ctx, req); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update request")
		}
	}
	return nil
}

// countReserved counts reserved allocations of the request, including ones
// not in the release set, so per-entry status lands on open only when the
// last hold goes.
func (a *Allocator) countReserved(ctx context.Context, id domain.RequestID) (int, error) {
	all, err := a.store.AllocationsByRequest(ctx, id)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list allocations")
	}
	n := 0
	for _, alloc := range all {
		if alloc.Outcome == OutcomeReserved {
			n++
		}
	}
	return n, nil
}

// emitShortfall records the unmet remainder and hands the eligible-donor set
// to the notification collaborator. Publishing is best-effort; the log entry
// is not.
func (a *Allocator) emitShortfall(ctx context.Context, req *Request) error {
	donors, err := a.eligibleForRequest(ctx, req)
	if err != nil {
		return err
	}
	_, err = a.log.Append(ctx, txlog.Entry{
		EntityType: txlog.EntityRequest,
		EntityID:   req.ID.String(),
		Action:     txlog.ActionShortfallDetected,
		Payload: txlog.Payload{
			Units:     req.Remainder,
			Status:    req.Status,
			Remainder: req.Remainder,
		},
		Actor: actorAllocator,
	})
	if err != nil {
		return err
	}
	a.metrics.IncShortfallsDetected()

	event := notify.ShortfallEvent{
		RequestID:      req.ID.String(),
		Hospital:       req.Hospital,
		BloodType:      req.BloodType,
		Component:      req.Component,
		Urgency:        req.Urgency,
		UnitsShort:     req.Remainder,
		EligibleDonors: donors,
		OccurredAt:     a.now(),
	}
	if err := a.publisher.PublishShortfall(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "shortfall publish failed", "request_id", req.ID, "error", err)
	}
	return nil
}

// Status returns the request and its allocations, reclaiming any reservation
// whose deadline has passed first so callers never see a stale hold.
func (a *Allocator) Status(ctx context.Context, id domain.RequestID) (*Request, []*Allocation, error) {
	defer a.lockRequest(id)()
	req, err := a.getRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := a.reclaimExpired(ctx, req); err != nil {
		return nil, nil, err
	}
	allocs, err := a.store.AllocationsByRequest(ctx, id)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list allocations")
	}
	return req, allocs, nil
}

// Fulfill confirms delivery of the outstanding reservations and closes the
// request. Any unreserved remainder is waived by the confirming hospital.
func (a *Allocator) Fulfill(ctx context.Context, id domain.RequestID, actor string) error {
	defer a.lockRequest(id)()
	req, err := a.getRequest(ctx, id)
	if err != nil {
		return err
	}
	if err := a.reclaimExpired(ctx, req); err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "request %s is already %s", req.ID, req.Status)
	}
	held, err := a.countReserved(ctx, req.ID)
	if err != nil {
		return err
	}
	if held == 0 {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "request %s has no outstanding reservations", req.ID)
	}
	if err := a.finalizeAllocations(ctx, req); err != nil {
		return err
	}
	_, err = a.log.Append(ctx, txlog.Entry{
		EntityType: txlog.EntityRequest,
		EntityID:   req.ID.String(),
		Action:     txlog.ActionRequestFulfilled,
		Payload:    txlog.Payload{Status: txlog.StatusFulfilled, Remainder: 0},
		Actor:      actor,
	})
	if err != nil {
		return err
	}
	req.Status = txlog.StatusFulfilled
	req.Remainder = 0
	if err := a.store.UpdateRequest(ctx, req); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update request")
	}
	a.logger.InfoContext(ctx, "request fulfilled", "request_id", req.ID, "actor", actor)
	return nil
}

// Cancel closes the request and returns any reserved units to their cells.
func (a *Allocator) Cancel(ctx context.Context, id domain.RequestID, actor, reason string) error {
	defer a.lockRequest(id)()
	req, err := a.getRequest(ctx, id)
	if err != nil {
		return err
	}
	return a.cancel(ctx, req, actor, reason)
}

func (a *Allocator) cancel(ctx context.Context, req *Request, actor, reason string) error {
	if req.Status.IsTerminal() {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "request %s is already %s", req.ID, req.Status)
	}
	allocs, err := a.store.AllocationsByRequest(ctx, req.ID)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list allocations")
	}
	if err := a.releaseReservations(ctx, req, allocs, txlog.ActionReservationReleased, actor, reason); err != nil {
		return err
	}
	_, err = a.log.Append(ctx, txlog.Entry{
		EntityType: txlog.EntityRequest,
		EntityID:   req.ID.String(),
		Action:     txlog.ActionRequestCancelled,
		Payload: txlog.Payload{
			Status:    txlog.StatusCancelled,
			Remainder: req.Remainder,
			Reason:    reason,
		},
		Actor: actor,
	})
	if err != nil {
		return err
	}
	req.Status = txlog.StatusCancelled
	if err := a.store.UpdateRequest(ctx, req); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update request")
	}
	a.logger.InfoContext(ctx, "request cancelled", "request_id", req.ID, "actor", actor, "reason", reason)
	return nil
}

// RecordDonorResponse records a donor's answer to a shortfall notification.
// An acceptance pledges one unit and shrinks the remainder; a decline drops
// the donor from this request's eligibility set for good.
func (a *Allocator) RecordDonorResponse(ctx context.Context, id domain.RequestID, donorID string, accepted bool) error {
	if donorID == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidRequest, "donor id is required")
	}
	defer a.lockRequest(id)()
	req, err := a.getRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "request %s is already %s", req.ID, req.Status)
	}
	if _, seen := req.DonorResponses[donorID]; seen {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "donor %s already responded to %s", donorID, req.ID)
	}

	status := req.Status
	remainder := req.Remainder
	if accepted && req.Kind == KindDemand && remainder > 0 {
		remainder--
		if remainder == 0 {
			status = txlog.StatusFulfilled
		}
	}
	_, err = a.log.Append(ctx, txlog.Entry{
		EntityType: txlog.EntityRequest,
		EntityID:   req.ID.String(),
		Action:     txlog.ActionDonorResponded,
		Payload: txlog.Payload{
			DonorID:   donorID,
			Accepted:  accepted,
			Status:    status,
			Remainder: remainder,
		},
		Actor: donorID,
	})
	if err != nil {
		return err
	}
	if req.DonorResponses == nil {
		req.DonorResponses = make(map[string]bool)
	}
	req.DonorResponses[donorID] = accepted
	req.Remainder = remainder
	req.Status = status
	if err := a.store.UpdateRequest(ctx, req); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update request")
	}
	if status == txlog.StatusFulfilled {
		return a.finalizeAllocations(ctx, req)
	}
	return nil
}

// DeclineBank records that a bank refuses to serve the request. When every
// known bank has declined, the request closes.
func (a *Allocator) DeclineBank(ctx context.Context, id domain.RequestID, bank string) error {
	if bank == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidRequest, "bank is required")
	}
	defer a.lockRequest(id)()
	req, err := a.getRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "request %s is already %s", req.ID, req.Status)
	}
	if req.DeclinedBanks[bank] {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "bank %s already declined %s", bank, req.ID)
	}

	_, err = a.log.Append(ctx, txlog.Entry{
		EntityType: txlog.EntityRequest,
		EntityID:   req.ID.String(),
		Action:     txlog.ActionBankDeclined,
		Payload: txlog.Payload{
			Bank:      bank,
			Status:    req.Status,
			Remainder: req.Remainder,
		},
		Actor: bank,
	})
	if err != nil {
		return err
	}
	if req.DeclinedBanks == nil {
		req.DeclinedBanks = make(map[string]bool)
	}
	req.DeclinedBanks[bank] = true
	if err := a.store.UpdateRequest(ctx, req); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "update request")
	}

	banks, err := a.banks.ListBanks(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list banks")
	}
	for _, b := range banks {
		if !req.DeclinedBanks[b] {
			return nil
		}
	}
	return a.cancel(ctx, req, bank, "declined by all banks")
}

// EligibleDonors returns the donors who may be notified for the request right
// now: the compatibility-and-consent set minus anyone who already declined.
func (a *Allocator) EligibleDonors(ctx context.Context, id domain.RequestID) ([]string, error) {
	req, err := a.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.eligibleForRequest(ctx, req)
}

func (a *Allocator) eligibleForRequest(ctx context.Context, req *Request) ([]string, error) {
	var donors []string
	var err error
	if req.Kind == KindDrive {
		donors, err = a.filter.DriveVolunteers(ctx)
	} else {
		donors, err = a.filter.EligibleDonors(ctx, req.BloodType, req.Component, req.Urgency)
	}
	if err != nil {
		return nil, err
	}
	if len(req.DonorResponses) == 0 {
		return donors, nil
	}
	out := donors[:0]
	for _, d := range donors {
		if accepted, seen := req.DonorResponses[d]; seen && !accepted {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// reclaimExpired returns the units of every overdue reservation on the
// request to their cells.
func (a *Allocator) reclaimExpired(ctx context.Context, req *Request) error {
	if req.Status.IsTerminal() {
		return nil
	}
	allocs, err := a.store.AllocationsByRequest(ctx, req.ID)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list allocations")
	}
	now := a.now()
	var due []*Allocation
	for _, alloc := range allocs {
		if alloc.Expired(now) {
			due = append(due, alloc)
		}
	}
	if len(due) == 0 {
		return nil
	}
	if err := a.releaseReservations(ctx, req, due, txlog.ActionReservationExpired, actorSweeper, "reservation deadline passed"); err != nil {
		return err
	}
	for range due {
		a.metrics.IncReservationsExpired()
	}
	a.logger.InfoContext(ctx, "expired reservations reclaimed", "request_id", req.ID, "count", len(due))
	return nil
}

// SweepExpired scans all open reservations and reclaims the overdue ones.
// The sweeper calls this on a ticker; Status calls reclaim lazily for the
// request it reads, so the sweep only bounds staleness.
func (a *Allocator) SweepExpired(ctx context.Context) error {
	open, err := a.store.OpenReservations(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list open reservations")
	}
	now := a.now()
	seen := make(map[domain.RequestID]bool)
	for _, alloc := range open {
		if !alloc.Expired(now) || seen[alloc.RequestID] {
			continue
		}
		seen[alloc.RequestID] = true
		if err := a.ReclaimRequest(ctx, alloc.RequestID); err != nil {
			return err
		}
	}
	return nil
}

// ReclaimRequest reclaims overdue reservations for one request, by ID. The
// deadline-index path of the sweeper uses this.
func (a *Allocator) ReclaimRequest(ctx context.Context, id domain.RequestID) error {
	defer a.lockRequest(id)()
	req, err := a.getRequest(ctx, id)
	if err != nil {
		return err
	}
	return a.reclaimExpired(ctx, req)
}

func (a *Allocator) getRequest(ctx context.Context, id domain.RequestID) (*Request, error) {
	req, err := a.store.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "request %s not found", id)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "load request")
	}
	return req, nil
}

func (a *Allocator) trackDeadline(ctx context.Context, id domain.RequestID, alloc *Allocation) {
	if a.deadlines == nil {
		return
	}
	if err := a.deadlines.Track(ctx, id, alloc.ID, alloc.ExpiresAt); err != nil {
		a.logger.WarnContext(ctx, "deadline index track failed", "allocation_id", alloc.ID, "error", err)
	}
}

func (a *Allocator) forgetDeadline(ctx context.Context, id domain.RequestID, alloc *Allocation) {
	if a.deadlines == nil {
		return
	}
	if err := a.deadlines.Forget(ctx, id, alloc.ID); err != nil {
		a.logger.WarnContext(ctx, "deadline index forget failed", "allocation_id", alloc.ID, "error", err)
	}
}
