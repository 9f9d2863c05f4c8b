// Package txlog is the append-only, validated record of every state-changing
// operation in the engine. It is the single source of truth: ledger cells and
// request working sets are caches that Replay can rebuild at any instant.
package txlog

import (
	"context"
	"errors"
	"time"

	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
	"bloodbridge/pkg/platform/sentinel"
)

// Log validates and appends entries. Validation happens before append, never
// after: an entry that references an unknown entity or an illegal transition
// is rejected with nothing written.
type Log struct {
	store Store
	now   func() time.Time
}

// Option configures the Log.
type Option func(*Log)

// WithClock substitutes the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func New(store Store, opts ...Option) *Log {
	l := &Log{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates the entry and appends it, returning the assigned sequence
// number.
//
// Errors: CodeInvalidRequest for malformed entries, CodeInvalidBloodType /
// CodeInvalidComponent for bad domain values, CodeConflict for a duplicate
// creating entry or an illegal state transition, CodeReferentialViolation
// when a referenced entity does not exist at append time.
func (l *Log) Append(ctx context.Context, e Entry) (uint64, error) {
	if e.EntityID == "" {
		return 0, pkgerrors.New(pkgerrors.CodeInvalidRequest, "entry requires an entity id")
	}
	if e.Actor == "" {
		return 0, pkgerrors.New(pkgerrors.CodeInvalidRequest, "entry requires an actor")
	}
	if err := l.validatePayload(e); err != nil {
		return 0, err
	}

	if creatingActions[e.Action] {
		if e.EntityType == EntityRequest {
			if _, err := l.store.LatestByEntity(ctx, e.EntityID); err == nil {
				return 0, pkgerrors.Newf(pkgerrors.CodeConflict, "request %s already exists", e.EntityID)
			} else if !errors.Is(err, sentinel.ErrNotFound) {
				return 0, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "check entity")
			}
		}
	} else {
		prior, err := l.store.LatestByEntity(ctx, e.EntityID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return 0, pkgerrors.Newf(pkgerrors.CodeReferentialViolation, "entity %s does not exist", e.EntityID)
		}
		if err != nil {
			return 0, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "check entity")
		}
		if e.EntityType == EntityRequest {
			if err := checkTransition(e.Action, prior.Payload.Status); err != nil {
				return 0, err
			}
		}
	}

	for _, ref := range e.Refs {
		if _, err := l.store.LatestByEntity(ctx, ref); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return 0, pkgerrors.Newf(pkgerrors.CodeReferentialViolation, "referenced entity %s does not exist", ref)
			}
			return 0, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "check reference")
		}
	}

	if e.ID == "" {
		e.ID = domain.NewTransactionID(e.Actor)
	}
	if e.At.IsZero() {
		e.At = l.now()
	}

	seq, err := l.store.Append(ctx, e)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "append log entry")
	}
	return seq, nil
}

// Read returns entries in the inclusive sequence range; toSeq zero means
// everything from fromSeq on.
func (l *Log) Read(ctx context.Context, fromSeq, toSeq uint64) ([]Entry, error) {
	entries, err := l.store.Read(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "read log")
	}
	return entries, nil
}

// AuditTrail returns every entry touching the entity within the time range,
// in strictly increasing sequence order.
func (l *Log) AuditTrail(ctx context.Context, entityID string, from, to time.Time) ([]Entry, error) {
	if entityID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest, "entity id is required")
	}
	entries, err := l.store.ByEntity(ctx, entityID, from, to)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "read audit trail")
	}
	return entries, nil
}

func (l *Log) validatePayload(e Entry) error {
	p := e.Payload
	if p.BloodType != "" && !p.BloodType.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInvalidBloodType, "invalid blood type %q", p.BloodType)
	}
	if p.Component != "" && !p.Component.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInvalidComponent, "invalid component %q", p.Component)
	}
	if p.Urgency != "" && !p.Urgency.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid urgency %q", p.Urgency)
	}
	switch e.Action {
	case ActionRequestCreated:
		if p.Units <= 0 {
			return pkgerrors.New(pkgerrors.CodeInvalidRequest, "request requires positive units")
		}
	case ActionDonationRecorded:
		if p.Delta <= 0 {
			return pkgerrors.New(pkgerrors.CodeInvalidRequest, "donation requires a positive delta")
		}
	case ActionUnitsReserved:
		if p.Units <= 0 || p.Delta >= 0 {
			return pkgerrors.New(pkgerrors.CodeInvalidRequest, "reservation requires positive units and a negative delta")
		}
	}
	return nil
}

func checkTransition(action Action, prior RequestStatus) error {
	allowed, ok := allowedPrior[action]
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "unknown action %q", action)
	}
	for _, s := range allowed {
		if s == prior {
			return nil
		}
	}
	return pkgerrors.Newf(pkgerrors.CodeConflict, "action %s not allowed from status %s", action, prior)
}
