package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"parkpay/backend/services/gate-service/internal/events"
	"parkpay/backend/services/gate-service/internal/models"
	"parkpay/backend/services/gate-service/internal/protocol"
	"parkpay/backend/services/gate-service/internal/repository"
	"parkpay/backend/services/gate-service/internal/serial"
)

type readResult struct {
	line string
	err  error
}

type fakeTransport struct {
	mu       sync.Mutex
	reads    []readResult
	written  []string
	waits    []time.Duration
	writeErr error
	onEmpty  func()
}

func (f *fakeTransport) ReadLine(ctx context.Context, wait time.Duration) (string, error) {
	f.mu.Lock()
	f.waits = append(f.waits, wait)
	if len(f.reads) == 0 {
		hook := f.onEmpty
		f.mu.Unlock()
		if hook != nil {
			hook()
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", serial.ErrReadTimeout
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	f.mu.Unlock()
	return next.line, next.err
}

func (f *fakeTransport) WriteLine(_ context.Context, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, line)
	return nil
}

func (f *fakeTransport) queue(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range lines {
		f.reads = append(f.reads, readResult{line: l})
	}
}

func (f *fakeTransport) queueErr(err error) {
	f.mu.Lock()
	f.reads = append(f.reads, readResult{err: err})
	f.mu.Unlock()
}

func (f *fakeTransport) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

type fakeLedger struct {
	entry       *models.LedgerEntry
	findErr     error
	markErr     error
	findCalls   int
	markCalls   int
	paidAt      time.Time
	markUpdated bool
}

func (f *fakeLedger) FindLastUnpaid(context.Context, string) (*models.LedgerEntry, error) {
	f.findCalls++
	return f.entry, f.findErr
}

func (f *fakeLedger) MarkPaid(context.Context, string, time.Time) (time.Time, bool, error) {
	f.markCalls++
	if f.markErr != nil {
		return time.Time{}, false, f.markErr
	}
	return f.paidAt, f.markUpdated, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeJournal struct {
	settlements []models.Settlement
	err         error
}

func (j *fakeJournal) Record(_ context.Context, s *models.Settlement) error {
	if j.err != nil {
		return j.err
	}
	j.settlements = append(j.settlements, *s)
	return nil
}

var baseTime = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

func newTestController(transport LineTransport, ledger Ledger, sink events.Sink, journal SettlementJournal, now time.Time) *SessionController {
	ctrl := NewSessionController(transport, protocol.NewCodec(false), ledger, DefaultTariff(), sink, journal,
		SessionConfig{PollInterval: time.Millisecond, ConfirmTimeout: 20 * time.Millisecond}, nil)
	ctrl.now = func() time.Time { return now }
	ctrl.newID = func() string { return "session-1" }
	return ctrl
}

func assertTypes(t *testing.T, got []events.Type, want ...events.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestHandleLineSettlesMatchedEntry(t *testing.T) {
	transport := &fakeTransport{}
	transport.queue("DONE")
	now := baseTime.Add(45 * time.Minute)
	ledger := &fakeLedger{
		entry:       &models.LedgerEntry{Plate: "ABC123", Status: models.StatusUnpaid, EntryTime: baseTime},
		paidAt:      now,
		markUpdated: true,
	}
	sink := &recordingSink{}
	journal := &fakeJournal{}
	ctrl := newTestController(transport, ledger, sink, journal, now)

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123,1000")
	if out.Kind != OutcomeSettled {
		t.Fatalf("expected settled, got %s (%v)", out.Kind, out.Err)
	}
	if got := transport.writes(); len(got) != 1 || got[0] != "CHARGE:100" {
		t.Fatalf("unexpected directives %v", got)
	}
	if ledger.markCalls != 1 {
		t.Fatalf("expected one MarkPaid, got %d", ledger.markCalls)
	}
	if out.Session.PaidAt == nil || !out.Session.PaidAt.Equal(now) {
		t.Fatalf("unexpected payment time %v", out.Session.PaidAt)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("controller must be idle after settlement")
	}
	assertTypes(t, sink.types(),
		events.TypeReceivedData, events.TypeChargeSent, events.TypePaymentProcessed, events.TypeGateOpened)

	if len(journal.settlements) != 1 {
		t.Fatalf("expected journaled settlement")
	}
	s := journal.settlements[0]
	if s.Charge != 100 || s.CashAfter != 900 || s.EntryTime == nil || !s.EntryTime.Equal(baseTime) {
		t.Fatalf("unexpected settlement %+v", s)
	}
}

func TestHandleLineZeroChargeWithoutEntry(t *testing.T) {
	transport := &fakeTransport{}
	transport.queue("DONE")
	ledger := &fakeLedger{}
	sink := &recordingSink{}
	journal := &fakeJournal{}
	ctrl := newTestController(transport, ledger, sink, journal, baseTime)

	out := ctrl.HandleLine(context.Background(), "DATA:NEW001,500")
	if out.Kind != OutcomeSettled {
		t.Fatalf("expected settled, got %s", out.Kind)
	}
	if out.Session.Charge != 0 {
		t.Fatalf("expected zero charge, got %d", out.Session.Charge)
	}
	if got := transport.writes(); len(got) != 1 || got[0] != "CHARGE:0" {
		t.Fatalf("unexpected directives %v", got)
	}
	if ledger.markCalls != 0 {
		t.Fatalf("ledger must not be mutated without a matched entry")
	}
	assertTypes(t, sink.types(),
		events.TypeReceivedData, events.TypeNoUnpaidEntry, events.TypeChargeSent, events.TypeGateOpened)
	if len(journal.settlements) != 1 || journal.settlements[0].EntryTime != nil {
		t.Fatalf("expected zero-charge settlement without entry, got %+v", journal.settlements)
	}
}

func TestHandleLineRejectsBalanceAtThreshold(t *testing.T) {
	transport := &fakeTransport{}
	ledger := &fakeLedger{}
	sink := &recordingSink{}
	ctrl := newTestController(transport, ledger, sink, nil, baseTime)

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123,200")
	if out.Kind != OutcomeInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %s", out.Kind)
	}
	if ledger.findCalls != 0 {
		t.Fatalf("ledger must not be consulted below the minimum balance")
	}
	if len(transport.writes()) != 0 {
		t.Fatalf("no directive may be sent")
	}
	assertTypes(t, sink.types(), events.TypeReceivedData, events.TypeInsufficientBalance)
}

func TestHandleLineRejectsChargeAboveCash(t *testing.T) {
	transport := &fakeTransport{}
	ledger := &fakeLedger{entry: &models.LedgerEntry{Plate: "ABC123", EntryTime: baseTime}}
	sink := &recordingSink{}
	ctrl := newTestController(transport, ledger, sink, nil, baseTime.Add(5*time.Hour))

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123,300")
	if out.Kind != OutcomeChargeExceeds {
		t.Fatalf("expected charge exceeds balance, got %s", out.Kind)
	}
	if out.Session.Charge != 900 {
		t.Fatalf("expected charge 900, got %d", out.Session.Charge)
	}
	if len(transport.writes()) != 0 || ledger.markCalls != 0 {
		t.Fatalf("rejected session must not send or settle")
	}
}

func TestHandleLineMalformedData(t *testing.T) {
	transport := &fakeTransport{}
	ledger := &fakeLedger{}
	sink := &recordingSink{}
	ctrl := newTestController(transport, ledger, sink, nil, baseTime)

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123")
	if out.Kind != OutcomeProtocolError || !errors.Is(out.Err, protocol.ErrProtocol) {
		t.Fatalf("expected protocol error, got %s (%v)", out.Kind, out.Err)
	}
	if len(transport.writes()) != 0 || ledger.findCalls != 0 {
		t.Fatalf("malformed data must not reach the ledger or the wire")
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("controller must stay idle")
	}
	assertTypes(t, sink.types(), events.TypeProtocolError)
}

func TestHandleLineIgnoresNonDataLines(t *testing.T) {
	transport := &fakeTransport{}
	sink := &recordingSink{}
	ctrl := newTestController(transport, &fakeLedger{}, sink, nil, baseTime)

	if out := ctrl.HandleLine(context.Background(), "BOOT OK"); out.Kind != OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", out.Kind)
	}
	if len(sink.types()) != 0 {
		t.Fatalf("ignored lines produce no events")
	}
}

func TestHandleLineRemoteErrorLeavesLedger(t *testing.T) {
	transport := &fakeTransport{}
	transport.queue("ERROR:jam")
	ledger := &fakeLedger{entry: &models.LedgerEntry{Plate: "ABC123", EntryTime: baseTime}}
	sink := &recordingSink{}
	journal := &fakeJournal{}
	ctrl := newTestController(transport, ledger, sink, journal, baseTime.Add(45*time.Minute))

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123,1000")
	if out.Kind != OutcomeRemoteError {
		t.Fatalf("expected remote error, got %s", out.Kind)
	}
	if ledger.markCalls != 0 || len(journal.settlements) != 0 {
		t.Fatalf("remote error must not settle")
	}
	assertTypes(t, sink.types(), events.TypeReceivedData, events.TypeChargeSent, events.TypeRemoteError)
	sink.mu.Lock()
	detail := sink.events[len(sink.events)-1].Detail
	sink.mu.Unlock()
	if detail != "ERROR:jam" {
		t.Fatalf("remote text not reported, got %q", detail)
	}
}

func TestHandleLineConfirmationTimeout(t *testing.T) {
	transport := &fakeTransport{}
	ledger := &fakeLedger{entry: &models.LedgerEntry{Plate: "ABC123", EntryTime: baseTime}}
	sink := &recordingSink{}
	ctrl := newTestController(transport, ledger, sink, nil, baseTime.Add(45*time.Minute))

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123,1000")
	if out.Kind != OutcomeTimeout || !errors.Is(out.Err, serial.ErrReadTimeout) {
		t.Fatalf("expected timeout, got %s (%v)", out.Kind, out.Err)
	}
	if ledger.markCalls != 0 {
		t.Fatalf("timed out session must not settle")
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("controller must return to idle after timeout")
	}
}

func TestHandleLineLedgerFailures(t *testing.T) {
	readErr := errors.New("permission denied")
	transport := &fakeTransport{}
	ctrl := newTestController(transport, &fakeLedger{findErr: readErr}, &recordingSink{}, nil, baseTime)

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123,1000")
	if out.Kind != OutcomeLedgerError || !errors.Is(out.Err, readErr) {
		t.Fatalf("expected ledger error on lookup, got %s (%v)", out.Kind, out.Err)
	}
	if len(transport.writes()) != 0 {
		t.Fatalf("no charge may be sent when the ledger cannot be read")
	}

	writeErr := errors.New("disk full")
	transport.queue("DONE")
	sink := &recordingSink{}
	journal := &fakeJournal{}
	ledger := &fakeLedger{entry: &models.LedgerEntry{Plate: "ABC123", EntryTime: baseTime}, markErr: writeErr}
	ctrl = newTestController(transport, ledger, sink, journal, baseTime.Add(45*time.Minute))

	out = ctrl.HandleLine(context.Background(), "DATA:ABC123,1000")
	if out.Kind != OutcomeLedgerError || !errors.Is(out.Err, writeErr) {
		t.Fatalf("expected ledger error on commit, got %s (%v)", out.Kind, out.Err)
	}
	if len(journal.settlements) != 0 {
		t.Fatalf("failed commit must not be journaled")
	}
	for _, typ := range sink.types() {
		if typ == events.TypeGateOpened {
			t.Fatalf("gate must stay closed when the commit fails")
		}
	}
}

func TestHandleLineWriteFailure(t *testing.T) {
	transport := &fakeTransport{writeErr: errors.New("i/o error")}
	ledger := &fakeLedger{}
	ctrl := newTestController(transport, ledger, &recordingSink{}, nil, baseTime)

	out := ctrl.HandleLine(context.Background(), "DATA:ABC123,1000")
	if out.Kind != OutcomeTransportError {
		t.Fatalf("expected transport error, got %s", out.Kind)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("controller must stay idle when the directive cannot be sent")
	}
}

func TestHandleLineAbandonedOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transport := &fakeTransport{onEmpty: cancel}
	ledger := &fakeLedger{entry: &models.LedgerEntry{Plate: "ABC123", EntryTime: baseTime}}
	ctrl := newTestController(transport, ledger, &recordingSink{}, nil, baseTime.Add(45*time.Minute))

	out := ctrl.HandleLine(ctx, "DATA:ABC123,1000")
	if out.Kind != OutcomeAbandoned {
		t.Fatalf("expected abandoned, got %s", out.Kind)
	}
	if ledger.markCalls != 0 {
		t.Fatalf("abandoned session must not settle")
	}
}

func TestRunProcessesEventsInOrderAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &fakeTransport{onEmpty: cancel}
	transport.queue("noise", "DATA:ABC123", "DATA:NEW001,500", "DONE", "DATA:LOW001,100")
	transport.queueErr(errors.New("framing error"))
	sink := &recordingSink{}
	ctrl := newTestController(transport, &fakeLedger{}, sink, nil, baseTime)

	err := ctrl.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	assertTypes(t, sink.types(),
		events.TypeProtocolError,
		events.TypeReceivedData, events.TypeNoUnpaidEntry, events.TypeChargeSent, events.TypeGateOpened,
		events.TypeReceivedData, events.TypeInsufficientBalance,
		events.TypeTransportError,
	)
	if got := transport.writes(); len(got) != 1 || got[0] != "CHARGE:0" {
		t.Fatalf("unexpected directives %v", got)
	}
}

// End to end against the CSV ledger: entry at T, vehicle presents at T+45min.
func TestSessionSettlesCSVLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plates_log.csv")
	content := "Plate Number,Payment Status,Timestamp,Payment Timestamp\n" +
		"ABC123,0,2026-10-15 08:00:00,\n" +
		"XYZ789,0,2026-10-15 08:00:00,\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	ledger := repository.NewLedgerRepository(path, time.UTC, nil)
	ctx := context.Background()
	now := baseTime.Add(45 * time.Minute)

	// Controller error first: the entry must stay unpaid.
	transport := &fakeTransport{}
	transport.queue("ERROR:jam")
	ctrl := newTestController(transport, ledger, nil, nil, now)
	if out := ctrl.HandleLine(ctx, "DATA:ABC123,1000"); out.Kind != OutcomeRemoteError {
		t.Fatalf("expected remote error, got %s", out.Kind)
	}
	entry, err := ledger.FindLastUnpaid(ctx, "ABC123")
	if err != nil || entry == nil {
		t.Fatalf("entry must still be unpaid: %+v err=%v", entry, err)
	}

	transport.queue("DONE")
	out := ctrl.HandleLine(ctx, "DATA:ABC123,1000")
	if out.Kind != OutcomeSettled {
		t.Fatalf("expected settled, got %s (%v)", out.Kind, out.Err)
	}
	if got := transport.writes(); len(got) != 2 || got[1] != "CHARGE:100" {
		t.Fatalf("unexpected directives %v", got)
	}

	entries, err := ledger.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if !entries[0].Paid() || entries[0].PaymentTime == nil {
		t.Fatalf("entry not settled: %+v", entries[0])
	}
	if entries[1].Paid() {
		t.Fatalf("other plates must stay unpaid")
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "ABC123,1,2026-10-15 08:00:00,") {
		t.Fatalf("unexpected ledger content:\n%s", data)
	}
}

func TestConfirmationWindowIncludesSinkDelay(t *testing.T) {
	transport := &fakeTransport{}
	transport.queue("DONE")
	slow := events.SinkFunc(func(_ context.Context, e events.Event) error {
		if e.Type == events.TypeChargeSent {
			time.Sleep(40 * time.Millisecond)
		}
		return nil
	})
	ctrl := newTestController(transport, &fakeLedger{}, slow, nil, baseTime)

	out := ctrl.HandleLine(context.Background(), "DATA:NEW001,500")
	if out.Kind != OutcomeSettled {
		t.Fatalf("buffered DONE must still settle, got %s", out.Kind)
	}
	transport.mu.Lock()
	waits := append([]time.Duration(nil), transport.waits...)
	transport.mu.Unlock()
	if len(waits) != 1 {
		t.Fatalf("expected one confirmation read, got %v", waits)
	}
	if waits[0] > 0 {
		t.Fatalf("confirmation wait must shrink by the sink delay, got %s", waits[0])
	}
}

func TestConfirmationWindowBoundedByTimeout(t *testing.T) {
	transport := &fakeTransport{}
	transport.queue("DONE")
	ctrl := newTestController(transport, &fakeLedger{}, &recordingSink{}, nil, baseTime)

	if out := ctrl.HandleLine(context.Background(), "DATA:NEW001,500"); out.Kind != OutcomeSettled {
		t.Fatalf("expected settled, got %s", out.Kind)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.waits) != 1 || transport.waits[0] <= 0 || transport.waits[0] > 20*time.Millisecond {
		t.Fatalf("unexpected confirmation wait %v", transport.waits)
	}
}
