package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestID identifies a blood request. Hospital-origin requests carry the
// "hops-" prefix, bank-origin (blood drive) requests the "bank-" prefix, so
// audit consumers can tell the origin from the identifier alone.
type RequestID string

const (
	requestPrefixHospital = "hops-"
	requestPrefixBank     = "bank-"
)

// NewHospitalRequestID mints a hospital-origin request ID from a sequence
// number assigned by the caller.
func NewHospitalRequestID(n uint64) RequestID {
	return RequestID(fmt.Sprintf("%s%04d", requestPrefixHospital, n))
}

// NewBankRequestID mints a bank-origin request ID from a sequence number
// assigned by the caller.
func NewBankRequestID(n uint64) RequestID {
	return RequestID(fmt.Sprintf("%s%04d", requestPrefixBank, n))
}

func (r RequestID) String() string { return string(r) }

// TransactionID identifies one transaction log entry. The actor prefix keeps
// log lines greppable by the entity that caused them.
type TransactionID string

// NewTransactionID mints a transaction ID of the form "<actor>-<6 hex>".
func NewTransactionID(actor string) TransactionID {
	u := uuid.New()
	return TransactionID(fmt.Sprintf("%s-%x", actor, u[:3]))
}

func (t TransactionID) String() string { return string(t) }
