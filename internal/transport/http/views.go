package httptransport

import (
	"time"

	"bloodbridge/internal/allocator"
	"bloodbridge/internal/txlog"
)

type submitRequestBody struct {
	Hospital  string `json:"hospital"`
	BloodType string `json:"blood_type"`
	Component string `json:"component"`
	Urgency   string `json:"urgency"`
	Units     int    `json:"units"`
}

type fulfillRequestBody struct {
	Actor string `json:"actor"`
}

type cancelRequestBody struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type donorResponseBody struct {
	DonorID  string `json:"donor_id"`
	Accepted bool   `json:"accepted"`
}

type declineBankBody struct {
	Bank string `json:"bank"`
}

type recordDonationBody struct {
	Bank      string `json:"bank"`
	BloodType string `json:"blood_type"`
	Component string `json:"component"`
	Units     int    `json:"units"`
	DonorID   string `json:"donor_id,omitempty"`
}

type announceDriveBody struct {
	Organizer string `json:"organizer"`
	Location  string `json:"location"`
	Date      string `json:"date"`
}

type allocationView struct {
	ID          string    `json:"id"`
	Cell        string    `json:"cell"`
	Units       int       `json:"units"`
	Substituted bool      `json:"substituted"`
	Outcome     string    `json:"outcome"`
	ReservedAt  time.Time `json:"reserved_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type requestView struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"`
	Hospital    string           `json:"hospital"`
	BloodType   string           `json:"blood_type,omitempty"`
	Component   string           `json:"component,omitempty"`
	Urgency     string           `json:"urgency"`
	Units       int              `json:"units"`
	Remainder   int              `json:"remainder"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	Location    string           `json:"location,omitempty"`
	DriveDate   *time.Time       `json:"drive_date,omitempty"`
	Allocations []allocationView `json:"allocations,omitempty"`
}

func toRequestView(req *allocator.Request, allocs []*allocator.Allocation) requestView {
	v := requestView{
		ID:        req.ID.String(),
		Kind:      string(req.Kind),
		Hospital:  req.Hospital,
		BloodType: string(req.BloodType),
		Component: string(req.Component),
		Urgency:   string(req.Urgency),
		Units:     req.Units,
		Remainder: req.Remainder,
		Status:    string(req.Status),
		CreatedAt: req.CreatedAt,
		Location:  req.Location,
	}
	if !req.DriveDate.IsZero() {
		d := req.DriveDate
		v.DriveDate = &d
	}
	for _, a := range allocs {
		v.Allocations = append(v.Allocations, allocationView{
			ID:          a.ID,
			Cell:        a.Cell.String(),
			Units:       a.Units,
			Substituted: a.Substituted,
			Outcome:     string(a.Outcome),
			ReservedAt:  a.ReservedAt,
			ExpiresAt:   a.ExpiresAt,
		})
	}
	return v
}

type donationView struct {
	Cell    string `json:"cell"`
	Units   int    `json:"units"`
	Version uint64 `json:"version"`
}

type inventoryCellView struct {
	Cell  string `json:"cell"`
	Units int    `json:"units"`
}

type cellSnapshotView struct {
	Cell    string    `json:"cell"`
	Units   int       `json:"units"`
	Version uint64    `json:"version"`
	AsOf    time.Time `json:"as_of"`
}

type inventoryView struct {
	AsOf  *time.Time          `json:"as_of,omitempty"`
	Cells []inventoryCellView `json:"cells"`
}

type auditEntryView struct {
	ID         string        `json:"id"`
	Seq        uint64        `json:"seq"`
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Action     string        `json:"action"`
	Actor      string        `json:"actor"`
	At         time.Time     `json:"at"`
	Refs       []string      `json:"refs,omitempty"`
	Payload    txlog.Payload `json:"payload"`
}

type donorsView struct {
	RequestID string   `json:"request_id"`
	Donors    []string `json:"donors"`
}
