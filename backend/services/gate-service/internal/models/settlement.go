package models

import "time"

// Settlement is journaled after a ledger entry was committed as paid.
// EntryTime is nil when the vehicle had no unpaid entry and was let through at zero charge.
type Settlement struct {
	ID          int64      `db:"id" json:"id"`
	SessionID   string     `db:"session_id" json:"session_id"`
	Plate       string     `db:"plate" json:"plate"`
	EntryTime   *time.Time `db:"entry_time" json:"entry_time,omitempty"`
	PaymentTime time.Time  `db:"payment_time" json:"payment_time"`
	Charge      int64      `db:"charge" json:"charge"`
	CashBefore  int64      `db:"cash_before" json:"cash_before"`
	CashAfter   int64      `db:"cash_after" json:"cash_after"`
}
