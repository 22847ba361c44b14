package models

import "time"

// PaymentStatus mirrors the ledger's 0/1 status column.
type PaymentStatus int

const (
	StatusUnpaid PaymentStatus = 0
	StatusPaid   PaymentStatus = 1
)

func (s PaymentStatus) String() string {
	switch s {
	case StatusUnpaid:
		return "unpaid"
	case StatusPaid:
		return "paid"
	default:
		return "unknown"
	}
}

// LedgerEntry is one parking record. (Plate, EntryTime) identifies it.
type LedgerEntry struct {
	Plate       string        `json:"plate"`
	Status      PaymentStatus `json:"status"`
	EntryTime   time.Time     `json:"entry_time"`
	PaymentTime *time.Time    `json:"payment_time,omitempty"`
}

// Paid reports whether the entry has been settled.
func (e LedgerEntry) Paid() bool {
	return e.Status == StatusPaid
}
