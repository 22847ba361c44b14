package events

import (
	"context"
	"time"
)

// Type names a session event.
type Type string

const (
	TypeReceivedData        Type = "received-data"
	TypeInsufficientBalance Type = "insufficient-balance"
	TypeNoUnpaidEntry       Type = "no-unpaid-entry"
	TypeChargeSent          Type = "charge-sent"
	TypeChargeExceeds       Type = "charge-exceeds-balance"
	TypePaymentProcessed    Type = "payment-processed"
	TypeGateOpened          Type = "gate-opened"
	TypeRemoteError         Type = "remote-error"
	TypeConfirmTimeout      Type = "confirmation-timeout"
	TypeProtocolError       Type = "protocol-error"
	TypeLedgerError         Type = "ledger-error"
	TypeTransportError      Type = "transport-error"
)

// Event is one observable step of a charge-collection session.
type Event struct {
	Type       Type          `json:"type"`
	SessionID  string        `json:"session_id,omitempty"`
	Plate      string        `json:"plate,omitempty"`
	Cash       int64         `json:"cash"`
	Charge     int64         `json:"charge"`
	Balance    int64         `json:"balance"`
	Parked     time.Duration `json:"parked_ns,omitempty"`
	PaidAt     *time.Time    `json:"paid_at,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Failure reports whether the event ends a session without opening the gate.
func (e Event) Failure() bool {
	switch e.Type {
	case TypeInsufficientBalance, TypeChargeExceeds, TypeRemoteError, TypeConfirmTimeout,
		TypeProtocolError, TypeLedgerError, TypeTransportError:
		return true
	}
	return false
}

// Sink receives session events. Emit must not block the session for long and
// reports delivery problems through its error.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}
