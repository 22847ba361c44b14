package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parkpay/backend/services/gate-service/internal/events"
	"parkpay/backend/services/gate-service/internal/models"
	"parkpay/backend/services/gate-service/internal/protocol"
	"parkpay/backend/services/gate-service/internal/serial"
)

// LineTransport moves protocol lines to and from the gate controller.
type LineTransport interface {
	ReadLine(ctx context.Context, wait time.Duration) (string, error)
	WriteLine(ctx context.Context, line string) error
}

// Ledger is the record store consulted and settled by a session.
type Ledger interface {
	FindLastUnpaid(ctx context.Context, plate string) (*models.LedgerEntry, error)
	MarkPaid(ctx context.Context, plate string, entryTime time.Time) (time.Time, bool, error)
}

// SettlementJournal receives committed settlements.
type SettlementJournal interface {
	Record(ctx context.Context, s *models.Settlement) error
}

// State of the handshake.
type State int

const (
	StateIdle State = iota
	StateAwaitingSettlement
)

func (s State) String() string {
	if s == StateAwaitingSettlement {
		return "awaiting-settlement"
	}
	return "idle"
}

// OutcomeKind tags how a presence event was resolved.
type OutcomeKind string

const (
	OutcomeIgnored             OutcomeKind = "ignored"
	OutcomeSettled             OutcomeKind = "settled"
	OutcomeInsufficientBalance OutcomeKind = "insufficient-balance"
	OutcomeChargeExceeds       OutcomeKind = "charge-exceeds-balance"
	OutcomeProtocolError       OutcomeKind = "protocol-error"
	OutcomeRemoteError         OutcomeKind = "remote-error"
	OutcomeTimeout             OutcomeKind = "confirmation-timeout"
	OutcomeLedgerError         OutcomeKind = "ledger-error"
	OutcomeTransportError      OutcomeKind = "transport-error"
	OutcomeAbandoned           OutcomeKind = "abandoned"
)

// Session is one charge-collection handshake. It lives on the stack of
// HandleLine and is never stored.
type Session struct {
	ID        string
	Plate     string
	Cash      int64
	Matched   *models.LedgerEntry
	Parked    time.Duration
	Charge    int64
	StartedAt time.Time
	PaidAt    *time.Time
}

// Outcome is the result of handling one inbound line in Idle.
type Outcome struct {
	Kind    OutcomeKind
	Session *Session
	Err     error
}

// SessionConfig tunes the controller loop.
type SessionConfig struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// SessionController runs the DATA -> CHARGE -> DONE handshake, one vehicle at a time.
type SessionController struct {
	transport LineTransport
	codec     *protocol.Codec
	ledger    Ledger
	tariff    Tariff
	sink      events.Sink
	journal   SettlementJournal
	cfg       SessionConfig
	logger    *zap.Logger

	state State
	now   func() time.Time
	newID func() string
}

// NewSessionController builds controller. sink and journal may be nil.
func NewSessionController(
	transport LineTransport,
	codec *protocol.Codec,
	ledger Ledger,
	tariff Tariff,
	sink events.Sink,
	journal SettlementJournal,
	cfg SessionConfig,
	logger *zap.Logger,
) *SessionController {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if codec == nil {
		codec = protocol.NewCodec(false)
	}
	return &SessionController{
		transport: transport,
		codec:     codec,
		ledger:    ledger,
		tariff:    tariff.Normalize(),
		sink:      sink,
		journal:   journal,
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// State returns the current handshake state.
func (c *SessionController) State() State {
	return c.state
}

// Run polls the transport until ctx is cancelled. Only a cancelled context
// ends the loop; every other failure is reported and the loop goes on.
func (c *SessionController) Run(ctx context.Context) error {
	c.logger.Info("session controller listening",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Duration("confirm_timeout", c.cfg.ConfirmTimeout),
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := c.transport.ReadLine(ctx, c.cfg.PollInterval)
		switch {
		case err == nil:
			c.HandleLine(ctx, line)
		case errors.Is(err, serial.ErrReadTimeout):
			// nothing pending
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, serial.ErrLineTooLong):
			c.emit(ctx, events.Event{Type: events.TypeProtocolError, Detail: err.Error()})
		case errors.Is(err, serial.ErrClosed):
			return err
		default:
			c.emit(ctx, events.Event{Type: events.TypeTransportError, Detail: err.Error()})
			if !sleepCtx(ctx, c.cfg.PollInterval) {
				return ctx.Err()
			}
		}
	}
}

// HandleLine processes one line received while Idle, running the full
// handshake if it is a valid presence event. The controller is Idle again
// when it returns.
func (c *SessionController) HandleLine(ctx context.Context, line string) Outcome {
	if !c.codec.IsData(line) {
		c.logger.Debug("ignoring line while idle", zap.String("line", line))
		return Outcome{Kind: OutcomeIgnored}
	}

	data, err := c.codec.DecodeData(line)
	if err != nil {
		c.emit(ctx, events.Event{Type: events.TypeProtocolError, Detail: err.Error()})
		return Outcome{Kind: OutcomeProtocolError, Err: err}
	}

	sess := Session{
		ID:        c.newID(),
		Plate:     data.Plate,
		Cash:      data.Cash,
		StartedAt: c.now(),
	}
	c.emit(ctx, c.event(events.TypeReceivedData, &sess))

	if sess.Cash <= c.tariff.MinimumBalance {
		c.emit(ctx, c.event(events.TypeInsufficientBalance, &sess))
		return Outcome{Kind: OutcomeInsufficientBalance, Session: &sess}
	}

	entry, err := c.ledger.FindLastUnpaid(ctx, sess.Plate)
	if err != nil {
		ev := c.event(events.TypeLedgerError, &sess)
		ev.Detail = err.Error()
		c.emit(ctx, ev)
		return Outcome{Kind: OutcomeLedgerError, Session: &sess, Err: err}
	}

	now := c.now()
	if entry == nil {
		c.emit(ctx, c.event(events.TypeNoUnpaidEntry, &sess))
	} else {
		sess.Matched = entry
		sess.Parked = now.Sub(entry.EntryTime)
		if sess.Parked < 0 {
			sess.Parked = 0
		}
		sess.Charge = c.tariff.Charge(entry.EntryTime, now)
	}

	if sess.Charge > sess.Cash {
		c.emit(ctx, c.event(events.TypeChargeExceeds, &sess))
		return Outcome{Kind: OutcomeChargeExceeds, Session: &sess}
	}

	directive, err := c.codec.EncodeCharge(sess.Charge)
	if err == nil {
		err = c.transport.WriteLine(ctx, directive)
	}
	if err != nil {
		ev := c.event(events.TypeTransportError, &sess)
		ev.Detail = err.Error()
		c.emit(ctx, ev)
		return Outcome{Kind: OutcomeTransportError, Session: &sess, Err: err}
	}

	// The confirmation window opens once CHARGE is on the wire.
	deadline := time.Now().Add(c.cfg.ConfirmTimeout)
	c.state = StateAwaitingSettlement
	defer func() { c.state = StateIdle }()
	c.emit(ctx, c.event(events.TypeChargeSent, &sess))

	return c.awaitSettlement(ctx, &sess, deadline)
}

func (c *SessionController) awaitSettlement(ctx context.Context, sess *Session, deadline time.Time) Outcome {
	line, err := c.transport.ReadLine(ctx, time.Until(deadline))
	if err != nil {
		switch {
		case ctx.Err() != nil:
			c.logger.Info("session abandoned on shutdown", zap.String("session_id", sess.ID), zap.String("plate", sess.Plate))
			return Outcome{Kind: OutcomeAbandoned, Session: sess, Err: ctx.Err()}
		case errors.Is(err, serial.ErrReadTimeout):
			ev := c.event(events.TypeConfirmTimeout, sess)
			ev.Detail = c.cfg.ConfirmTimeout.String()
			c.emit(ctx, ev)
			return Outcome{Kind: OutcomeTimeout, Session: sess, Err: err}
		case errors.Is(err, serial.ErrLineTooLong):
			ev := c.event(events.TypeRemoteError, sess)
			ev.Detail = err.Error()
			c.emit(ctx, ev)
			return Outcome{Kind: OutcomeRemoteError, Session: sess, Err: err}
		default:
			ev := c.event(events.TypeTransportError, sess)
			ev.Detail = err.Error()
			c.emit(ctx, ev)
			return Outcome{Kind: OutcomeTransportError, Session: sess, Err: err}
		}
	}

	conf, err := c.codec.DecodeConfirmation(line)
	if err != nil || !conf.Done {
		ev := c.event(events.TypeRemoteError, sess)
		ev.Detail = conf.Text
		c.emit(ctx, ev)
		return Outcome{Kind: OutcomeRemoteError, Session: sess, Err: err}
	}

	return c.settle(ctx, sess)
}

func (c *SessionController) settle(ctx context.Context, sess *Session) Outcome {
	paidAt := c.now()
	if sess.Matched != nil {
		at, updated, err := c.ledger.MarkPaid(ctx, sess.Plate, sess.Matched.EntryTime)
		if err != nil {
			ev := c.event(events.TypeLedgerError, sess)
			ev.Detail = err.Error()
			c.emit(ctx, ev)
			return Outcome{Kind: OutcomeLedgerError, Session: sess, Err: err}
		}
		if updated {
			paidAt = at
		} else {
			c.logger.Warn("ledger entry already settled",
				zap.String("session_id", sess.ID),
				zap.String("plate", sess.Plate),
				zap.Time("entry_time", sess.Matched.EntryTime),
			)
		}
		sess.PaidAt = &paidAt
		c.emit(ctx, c.event(events.TypePaymentProcessed, sess))
	}

	c.record(ctx, sess, paidAt)
	c.emit(ctx, c.event(events.TypeGateOpened, sess))
	return Outcome{Kind: OutcomeSettled, Session: sess}
}

func (c *SessionController) record(ctx context.Context, sess *Session, paidAt time.Time) {
	if c.journal == nil {
		return
	}
	settlement := &models.Settlement{
		SessionID:   sess.ID,
		Plate:       sess.Plate,
		PaymentTime: paidAt,
		Charge:      sess.Charge,
		CashBefore:  sess.Cash,
		CashAfter:   sess.Cash - sess.Charge,
	}
	if sess.Matched != nil {
		entryTime := sess.Matched.EntryTime
		settlement.EntryTime = &entryTime
	}
	if err := c.journal.Record(ctx, settlement); err != nil {
		c.logger.Warn("failed to journal settlement",
			zap.String("session_id", sess.ID),
			zap.String("plate", sess.Plate),
			zap.Error(err),
		)
	}
}

func (c *SessionController) event(t events.Type, sess *Session) events.Event {
	return events.Event{
		Type:       t,
		SessionID:  sess.ID,
		Plate:      sess.Plate,
		Cash:       sess.Cash,
		Charge:     sess.Charge,
		Balance:    sess.Cash - sess.Charge,
		Parked:     sess.Parked,
		PaidAt:     sess.PaidAt,
		OccurredAt: c.now(),
	}
}

func (c *SessionController) emit(ctx context.Context, ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.now()
	}
	if c.sink == nil {
		return
	}
	// Sinks log their own failures.
	_ = c.sink.Emit(ctx, ev)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
