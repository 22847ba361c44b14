package repository

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2/maybe"
	"go.uber.org/zap"

	"parkpay/backend/services/gate-service/internal/models"
)

// TimestampLayout is the ledger's timestamp format (YYYY-MM-DD HH:MM:SS).
const TimestampLayout = "2006-01-02 15:04:05"

// Ledger column headers, in file order.
const (
	ColumnPlate       = "Plate Number"
	ColumnStatus      = "Payment Status"
	ColumnTimestamp   = "Timestamp"
	ColumnPaymentTime = "Payment Timestamp"
)

var (
	// ErrLedgerRead wraps failures reading the ledger or one of its records.
	ErrLedgerRead = errors.New("ledger read error")
	// ErrLedgerWrite wraps failures committing the ledger. The previous file is left in place.
	ErrLedgerWrite = errors.New("ledger write error")
)

// Header is the header row written to new ledgers.
var Header = []string{ColumnPlate, ColumnStatus, ColumnTimestamp, ColumnPaymentTime}

// LedgerRepository keeps parking entries in a CSV file, one record per line.
// Every mutation rewrites the whole file through a fsynced temp file and a
// rename, so a crash leaves either the old or the new content on disk. On
// Windows the rename step is not atomic and the file is written in place.
type LedgerRepository struct {
	path   string
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewLedgerRepository returns a repository for the CSV ledger at path.
// Timestamps are read and written in loc (time.Local when nil).
func NewLedgerRepository(path string, loc *time.Location, logger *zap.Logger) *LedgerRepository {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRepository{
		path:   path,
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the ledger file location.
func (r *LedgerRepository) Path() string {
	return r.path
}

// FindLastUnpaid returns the last unpaid entry for plate in file order, or nil.
// A missing ledger is created with only the header row. Corrupt records are
// logged and skipped.
func (r *LedgerRepository) FindLastUnpaid(ctx context.Context, plate string) (*models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	var last *models.LedgerEntry
	for i := range table.rows {
		entry, err := table.entry(i, r.loc)
		if err != nil {
			r.logger.Warn("skipping corrupt ledger record", zap.Int("line", table.line(i)), zap.Error(err))
			continue
		}
		if entry.Plate == plate && entry.Status == models.StatusUnpaid {
			e := entry
			last = &e
		}
	}
	return last, nil
}

// Entries returns every well-formed record in file order.
func (r *LedgerRepository) Entries(ctx context.Context) ([]models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]models.LedgerEntry, 0, len(table.rows))
	for i := range table.rows {
		entry, err := table.entry(i, r.loc)
		if err != nil {
			r.logger.Warn("skipping corrupt ledger record", zap.Int("line", table.line(i)), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MarkPaid settles the unpaid record identified by (plate, entryTime). It
// reports updated=false without touching the file when no such unpaid record
// exists, which makes a repeated call a no-op.
func (r *LedgerRepository) MarkPaid(ctx context.Context, plate string, entryTime time.Time) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.load(ctx)
	if err != nil {
		return time.Time{}, false, err
	}

	paidAt := r.now().In(r.loc).Truncate(time.Second)
	entryStamp := entryTime.In(r.loc).Format(TimestampLayout)
	updated := false

	for i := range table.rows {
		entry, err := table.entry(i, r.loc)
		if err != nil {
			continue
		}
		if entry.Plate != plate || entry.Status != models.StatusUnpaid {
			continue
		}
		if entry.EntryTime.Format(TimestampLayout) != entryStamp {
			continue
		}
		table.set(i, ColumnStatus, "1")
		table.set(i, ColumnPaymentTime, paidAt.Format(TimestampLayout))
		updated = true
	}

	if !updated {
		return time.Time{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	if err := r.replace(table); err != nil {
		return time.Time{}, false, err
	}
	return paidAt, true, nil
}

// WriteEntries replaces the ledger with entries. Entry-logging tools and tests
// use it; the gate itself only ever calls MarkPaid.
func (r *LedgerRepository) WriteEntries(ctx context.Context, entries []models.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	table := newTable(Header)
	for _, e := range entries {
		table.rows = append(table.rows, row{fields: encodeEntry(e, r.loc), dirty: true})
	}
	return r.replace(table)
}

func (r *LedgerRepository) load(ctx context.Context) (*table, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerRead, err)
	}

	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Info("creating ledger file", zap.String("path", r.path))
		table := newTable(Header)
		if err := r.replace(table); err != nil {
			return nil, err
		}
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerRead, err)
	}

	return parseTable(data)
}

func (r *LedgerRepository) replace(t *table) error {
	var buf bytes.Buffer
	if err := encodeRecord(&buf, t.header); err != nil {
		return fmt.Errorf("%w: encode header: %v", ErrLedgerWrite, err)
	}
	for _, rec := range t.rows {
		if !rec.dirty {
			buf.WriteString(rec.raw)
			buf.WriteByte('\n')
			continue
		}
		if err := encodeRecord(&buf, rec.fields); err != nil {
			return fmt.Errorf("%w: encode record: %v", ErrLedgerWrite, err)
		}
	}

	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create directory: %v", ErrLedgerWrite, err)
		}
	}
	if err := maybe.WriteFile(r.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	return nil
}

func encodeRecord(buf *bytes.Buffer, fields []string) error {
	w := csv.NewWriter(buf)
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// row is one physical line of the ledger. Lines that are neither decoded
// nor modified are written back exactly as read.
type row struct {
	fields []string
	raw    string
	line   int
	err    error
	dirty  bool
}

// table holds the ledger line by line. A record never spans lines, so a
// stray quote damages only its own line.
type table struct {
	header  []string
	columns map[string]int
	rows    []row
}

func newTable(header []string) *table {
	t := &table{header: append([]string(nil), header...)}
	t.index()
	return t
}

func parseTable(data []byte) (*table, error) {
	lines := strings.Split(string(data), "\n")

	var t *table
	for n, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		fields, err := decodeLine(raw)
		if t == nil {
			if err != nil {
				return nil, fmt.Errorf("%w: header: %v", ErrLedgerRead, err)
			}
			t = newTable(fields)
			if err := t.validateHeader(); err != nil {
				return nil, err
			}
			continue
		}
		t.rows = append(t.rows, row{fields: fields, raw: raw, line: n + 1, err: err})
	}
	if t == nil {
		return newTable(Header), nil
	}
	return t, nil
}

func decodeLine(raw string) ([]string, error) {
	rd := csv.NewReader(strings.NewReader(strings.TrimRight(raw, "\r")))
	rd.FieldsPerRecord = -1
	record, err := rd.Read()
	if err != nil {
		return nil, err
	}
	if _, err := rd.Read(); err != io.EOF {
		return nil, errors.New("unexpected data after record")
	}
	return record, nil
}

func (t *table) validateHeader() error {
	for _, col := range []string{ColumnPlate, ColumnStatus, ColumnTimestamp} {
		if _, ok := t.columns[col]; !ok {
			return fmt.Errorf("%w: header is missing column %q", ErrLedgerRead, col)
		}
	}
	// Entry loggers that never settle may omit the payment column.
	if _, ok := t.columns[ColumnPaymentTime]; !ok {
		t.header = append(t.header, ColumnPaymentTime)
		t.index()
	}
	return nil
}

func (t *table) index() {
	t.columns = make(map[string]int, len(t.header))
	for i, name := range t.header {
		t.columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
}

func (t *table) line(i int) int {
	return t.rows[i].line
}

func (t *table) field(i int, col string) (string, bool) {
	idx, ok := t.columns[col]
	if !ok || idx >= len(t.rows[i].fields) {
		return "", false
	}
	return t.rows[i].fields[idx], true
}

func (t *table) set(i int, col, value string) {
	r := &t.rows[i]
	idx := t.columns[col]
	for len(r.fields) <= idx {
		r.fields = append(r.fields, "")
	}
	r.fields[idx] = value
	r.dirty = true
}

func (t *table) entry(i int, loc *time.Location) (models.LedgerEntry, error) {
	if err := t.rows[i].err; err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%w: %v", ErrLedgerRead, err)
	}
	plate, okPlate := t.field(i, ColumnPlate)
	status, okStatus := t.field(i, ColumnStatus)
	stamp, okStamp := t.field(i, ColumnTimestamp)
	if !okPlate || !okStatus || !okStamp {
		return models.LedgerEntry{}, fmt.Errorf("%w: record has %d columns", ErrLedgerRead, len(t.rows[i].fields))
	}
	if strings.TrimSpace(plate) == "" {
		return models.LedgerEntry{}, fmt.Errorf("%w: empty plate", ErrLedgerRead)
	}

	entry := models.LedgerEntry{Plate: strings.TrimSpace(plate)}
	switch strings.TrimSpace(status) {
	case "0":
		entry.Status = models.StatusUnpaid
	case "1":
		entry.Status = models.StatusPaid
	default:
		return models.LedgerEntry{}, fmt.Errorf("%w: bad payment status %q", ErrLedgerRead, status)
	}

	entryTime, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(stamp), loc)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%w: entry timestamp %q: %v", ErrLedgerRead, stamp, err)
	}
	entry.EntryTime = entryTime

	if paid, ok := t.field(i, ColumnPaymentTime); ok && strings.TrimSpace(paid) != "" {
		paidAt, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(paid), loc)
		if err != nil {
			return models.LedgerEntry{}, fmt.Errorf("%w: payment timestamp %q: %v", ErrLedgerRead, paid, err)
		}
		entry.PaymentTime = &paidAt
	}
	return entry, nil
}

func encodeEntry(e models.LedgerEntry, loc *time.Location) []string {
	status := "0"
	if e.Status == models.StatusPaid {
		status = "1"
	}
	paid := ""
	if e.PaymentTime != nil {
		paid = e.PaymentTime.In(loc).Format(TimestampLayout)
	}
	return []string{e.Plate, status, e.EntryTime.In(loc).Format(TimestampLayout), paid}
}
