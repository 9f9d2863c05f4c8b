package httptransport

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bloodbridge/internal/ledger"
	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	bt, err := domain.ParseBloodType(body.BloodType)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := domain.ParseComponent(body.Component)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := domain.ParseUrgency(body.Urgency)
	if err != nil {
		writeError(w, err)
		return
	}

	submitted, err := h.alloc.Submit(r.Context(), body.Hospital, bt, c, u, body.Units)
	if err != nil {
		writeError(w, err)
		return
	}
	req, allocs, err := h.alloc.Status(r.Context(), submitted.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestView(req, allocs))
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := domain.RequestID(chi.URLParam(r, "id"))
	req, allocs, err := h.alloc.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(req, allocs))
}

func (h *Handler) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := domain.RequestID(chi.URLParam(r, "id"))
	var body cancelRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	if body.Actor == "" {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "actor is required"))
		return
	}
	if err := h.alloc.Cancel(r.Context(), id, body.Actor, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFulfillRequest(w http.ResponseWriter, r *http.Request) {
	id := domain.RequestID(chi.URLParam(r, "id"))
	var body fulfillRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	if body.Actor == "" {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "actor is required"))
		return
	}
	if err := h.alloc.Fulfill(r.Context(), id, body.Actor); err != nil {
		writeError(w, err)
		return
	}
	req, allocs, err := h.alloc.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(req, allocs))
}

func (h *Handler) handleEligibleDonors(w http.ResponseWriter, r *http.Request) {
	id := domain.RequestID(chi.URLParam(r, "id"))
	donors, err := h.alloc.EligibleDonors(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if donors == nil {
		donors = []string{}
	}
	writeJSON(w, http.StatusOK, donorsView{RequestID: id.String(), Donors: donors})
}

func (h *Handler) handleDonorResponse(w http.ResponseWriter, r *http.Request) {
	id := domain.RequestID(chi.URLParam(r, "id"))
	var body donorResponseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	if err := h.alloc.RecordDonorResponse(r.Context(), id, body.DonorID, body.Accepted); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeclineBank(w http.ResponseWriter, r *http.Request) {
	id := domain.RequestID(chi.URLParam(r, "id"))
	var body declineBankBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	if err := h.alloc.DeclineBank(r.Context(), id, body.Bank); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecordDonation(w http.ResponseWriter, r *http.Request) {
	var body recordDonationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	bt, err := domain.ParseBloodType(body.BloodType)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := domain.ParseComponent(body.Component)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := h.intake.RecordDonation(r.Context(), body.Bank, bt, c, body.Units, body.DonorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, donationView{Cell: v.Cell.String(), Units: v.Units, Version: v.Version})
}

func (h *Handler) handleAnnounceDrive(w http.ResponseWriter, r *http.Request) {
	var body announceDriveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	date, err := parseDate(body.Date)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := h.alloc.AnnounceDrive(r.Context(), body.Organizer, body.Location, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestView(req, nil))
}

// handleInventorySnapshot reconstructs cell counts by folding the
// transaction log, optionally as of a past instant, optionally scoped to one
// bank. Serving reads from replay keeps the log honest as the source of
// truth.
func (h *Handler) handleInventorySnapshot(w http.ResponseWriter, r *http.Request) {
	bank := r.URL.Query().Get("bank")
	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid at timestamp %q", raw))
			return
		}
		at = parsed
	}

	state, err := h.log.Replay(r.Context(), at)
	if err != nil {
		writeError(w, err)
		return
	}
	view := inventoryView{Cells: []inventoryCellView{}}
	if !at.IsZero() {
		view.AsOf = &at
	}
	for cell, units := range state.Cells {
		if bank != "" && !strings.HasPrefix(cell, bank+"/") {
			continue
		}
		view.Cells = append(view.Cells, inventoryCellView{Cell: cell, Units: units})
	}
	sort.Slice(view.Cells, func(i, j int) bool { return view.Cells[i].Cell < view.Cells[j].Cell })
	writeJSON(w, http.StatusOK, view)
}

// handleInventoryCell serves the live head of one cell straight from the
// ledger, version included, so callers can condition follow-up writes.
func (h *Handler) handleInventoryCell(w http.ResponseWriter, r *http.Request) {
	bt, err := domain.ParseBloodType(chi.URLParam(r, "bloodType"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := domain.ParseComponent(chi.URLParam(r, "component"))
	if err != nil {
		writeError(w, err)
		return
	}
	key := ledger.CellKey{Bank: chi.URLParam(r, "bank"), Type: bt, Component: c}
	snap, err := h.ledger.CurrentSnapshot(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cellSnapshotView{
		Cell:    key.String(),
		Units:   snap.Units,
		Version: snap.Version,
		AsOf:    snap.AsOf,
	})
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		writeError(w, pkgerrors.New(pkgerrors.CodeInvalidRequest, "entity query parameter is required"))
		return
	}
	from, err := parseOptionalTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseOptionalTime(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.log.AuditTrail(r.Context(), entity, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditEntryView{
			ID:         e.ID.String(),
			Seq:        e.Seq,
			EntityType: string(e.EntityType),
			EntityID:   e.EntityID,
			Action:     string(e.Action),
			Actor:      e.Actor,
			At:         e.At,
			Refs:       e.Refs,
			Payload:    e.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity, "entries": views})
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, pkgerrors.New(pkgerrors.CodeInvalidRequest, "date is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid date %q", raw)
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid timestamp %q", raw)
	}
	return t, nil
}
