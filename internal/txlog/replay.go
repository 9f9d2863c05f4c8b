package txlog

import (
	"context"
	"time"

	pkgerrors "bloodbridge/pkg/errors"
)

// ReplayRequest is a request's reconstructed state.
type ReplayRequest struct {
	Status    RequestStatus
	Units     int
	Remainder int
}

// ReplayState is the engine state reconstructed by folding the log: unit
// counts per inventory cell and the state of every request. Folding the same
// prefix always yields the same state.
type ReplayState struct {
	Cells    map[string]int
	Requests map[string]ReplayRequest
}

// Replay reconstructs state as of upTo by folding entries from sequence 1.
// A zero upTo folds the whole log.
func (l *Log) Replay(ctx context.Context, upTo time.Time) (ReplayState, error) {
	entries, err := l.store.Read(ctx, 1, 0)
	if err != nil {
		return ReplayState{}, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "read log for replay")
	}

	state := ReplayState{
		Cells:    make(map[string]int),
		Requests: make(map[string]ReplayRequest),
	}
	for _, e := range entries {
		if !upTo.IsZero() && e.At.After(upTo) {
			continue
		}
		state.apply(e)
	}
	return state, nil
}

func (state *ReplayState) apply(e Entry) {
	switch e.Action {
	case ActionDonationRecorded:
		state.Cells[e.EntityID] += e.Payload.Delta

	case ActionRequestCreated, ActionDriveAnnounced:
		state.Requests[e.EntityID] = ReplayRequest{
			Status:    StatusOpen,
			Units:     e.Payload.Units,
			Remainder: e.Payload.Units,
		}

	case ActionUnitsReserved, ActionReservationReleased, ActionReservationExpired:
		// The inventory side of the movement: the consumed cell is the
		// first ref, the delta is signed.
		if len(e.Refs) > 0 {
			state.Cells[e.Refs[0]] += e.Payload.Delta
		}
		state.applyRequest(e)

	case ActionRequestFulfilled, ActionRequestCancelled, ActionRequestExpired,
		ActionShortfallDetected, ActionDonorResponded, ActionBankDeclined:
		state.applyRequest(e)
	}
}

// applyRequest trusts the recorded new state: each request entry carries the
// status and remainder the live system committed, so replay reproduces them
// bit for bit instead of re-deriving policy decisions.
func (state *ReplayState) applyRequest(e Entry) {
	r, ok := state.Requests[e.EntityID]
	if !ok {
		return
	}
	if e.Payload.Status != "" {
		r.Status = e.Payload.Status
	}
	r.Remainder = e.Payload.Remainder
	state.Requests[e.EntityID] = r
}
