package allocator

import (
	"context"

	"bloodbridge/internal/ledger"
	"bloodbridge/internal/txlog"
	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

// Rehydrate rebuilds the working set from the transaction log after a
// restart. Reservations resume with a deadline computed from their original
// reservation time, so holds that expired while the engine was down are
// reclaimed by the first sweep.
func (a *Allocator) Rehydrate(ctx context.Context) error {
	entries, err := a.log.Read(ctx, 1, 0)
	if err != nil {
		return err
	}

	requests := make(map[string]*Request)
	allocations := make(map[string]*Allocation)
	var requestOrder []string
	var allocationOrder []string

	for _, e := range entries {
		p := e.Payload
		switch e.Action {
		case txlog.ActionRequestCreated:
			requests[e.EntityID] = &Request{
				ID:        domain.RequestID(e.EntityID),
				Kind:      KindDemand,
				Hospital:  p.Hospital,
				BloodType: p.BloodType,
				Component: p.Component,
				Urgency:   p.Urgency,
				Units:     p.Units,
				Remainder: p.Remainder,
				Status:    p.Status,
				CreatedAt: e.At,
			}
			requestOrder = append(requestOrder, e.EntityID)

		case txlog.ActionDriveAnnounced:
			requests[e.EntityID] = &Request{
				ID:        domain.RequestID(e.EntityID),
				Kind:      KindDrive,
				Hospital:  p.Hospital,
				Urgency:   p.Urgency,
				Status:    p.Status,
				CreatedAt: e.At,
				Location:  p.Location,
				DriveDate: p.DriveDate,
			}
			requestOrder = append(requestOrder, e.EntityID)

		case txlog.ActionUnitsReserved:
			req := requests[e.EntityID]
			if req == nil || len(e.Refs) == 0 {
				continue
			}
			cell, err := ledger.ParseCellKey(e.Refs[0])
			if err != nil {
				return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "rehydrate reservation cell")
			}
			alloc := &Allocation{
				ID:          p.AllocID,
				RequestID:   req.ID,
				Cell:        cell,
				Units:       p.Units,
				Substituted: p.Subst,
				CellVersion: p.CellVer,
				Outcome:     OutcomeReserved,
				ReservedAt:  e.At,
				ExpiresAt:   e.At.Add(a.cfg.ReservationTTL),
			}
			allocations[alloc.ID] = alloc
			allocationOrder = append(allocationOrder, alloc.ID)
			applyEntry(req, p)

		case txlog.ActionReservationReleased:
			if alloc := allocations[p.AllocID]; alloc != nil {
				alloc.Outcome = OutcomeReleased
			}
			applyEntryTo(requests, e)

		case txlog.ActionReservationExpired:
			if alloc := allocations[p.AllocID]; alloc != nil {
				alloc.Outcome = OutcomeExpired
			}
			applyEntryTo(requests, e)

		case txlog.ActionRequestFulfilled:
			req := requests[e.EntityID]
			if req == nil {
				continue
			}
			applyEntry(req, p)
			for _, id := range allocationOrder {
				alloc := allocations[id]
				if alloc.RequestID == req.ID && alloc.Outcome == OutcomeReserved {
					alloc.Outcome = OutcomeFulfilled
				}
			}

		case txlog.ActionDonorResponded:
			req := requests[e.EntityID]
			if req == nil {
				continue
			}
			if req.DonorResponses == nil {
				req.DonorResponses = make(map[string]bool)
			}
			req.DonorResponses[p.DonorID] = p.Accepted
			applyEntry(req, p)

		case txlog.ActionBankDeclined:
			req := requests[e.EntityID]
			if req == nil {
				continue
			}
			if req.DeclinedBanks == nil {
				req.DeclinedBanks = make(map[string]bool)
			}
			req.DeclinedBanks[p.Bank] = true
			applyEntry(req, p)

		case txlog.ActionRequestCancelled, txlog.ActionRequestExpired, txlog.ActionShortfallDetected:
			applyEntryTo(requests, e)
		}
	}

	for _, id := range requestOrder {
		if err := a.store.SaveRequest(ctx, requests[id]); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "rehydrate request")
		}
	}
	for _, id := range allocationOrder {
		if err := a.store.SaveAllocation(ctx, allocations[id]); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "rehydrate allocation")
		}
	}
	a.logger.InfoContext(ctx, "working set rehydrated",
		"entries", len(entries), "requests", len(requestOrder), "allocations", len(allocationOrder))
	return nil
}

// applyEntry folds an entry's recorded status and remainder into the
// request, the same trust-the-record rule the log's replay uses.
func applyEntry(req *Request, p txlog.Payload) {
	if p.Status != "" {
		req.Status = p.Status
	}
	req.Remainder = p.Remainder
}

func applyEntryTo(requests map[string]*Request, e txlog.Entry) {
	if req := requests[e.EntityID]; req != nil {
		applyEntry(req, e.Payload)
	}
}
