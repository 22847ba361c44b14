package repository

import (
	"context"
	"database/sql"
	"fmt"

	"parkpay/backend/services/gate-service/internal/models"
)

// Dialect selects placeholder style and DDL for the settlement journal.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SettlementRepository appends settled sessions to a SQL journal. The CSV
// ledger stays authoritative; the journal is a reporting copy.
type SettlementRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSettlementRepository returns repository.
func NewSettlementRepository(db *sql.DB, dialect Dialect) *SettlementRepository {
	return &SettlementRepository{db: db, dialect: dialect}
}

// EnsureSchema creates the journal table if it does not exist.
func (r *SettlementRepository) EnsureSchema(ctx context.Context) error {
	idColumn := "BIGSERIAL PRIMARY KEY"
	if r.dialect == DialectSQLite {
		idColumn = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS gate_settlements (
	id %s,
	session_id TEXT NOT NULL,
	plate TEXT NOT NULL,
	entry_time TIMESTAMP NULL,
	payment_time TIMESTAMP NOT NULL,
	charge BIGINT NOT NULL,
	cash_before BIGINT NOT NULL,
	cash_after BIGINT NOT NULL
)`, idColumn)
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("settlements: apply schema: %w", err)
	}
	return nil
}

// Record inserts a settlement and fills its ID.
func (r *SettlementRepository) Record(ctx context.Context, s *models.Settlement) error {
	query := `
		INSERT INTO gate_settlements (session_id, plate, entry_time, payment_time, charge, cash_before, cash_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	if r.dialect == DialectSQLite {
		query = `
		INSERT INTO gate_settlements (session_id, plate, entry_time, payment_time, charge, cash_before, cash_after)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	}

	var entryTime sql.NullTime
	if s.EntryTime != nil {
		entryTime = sql.NullTime{Time: s.EntryTime.UTC(), Valid: true}
	}

	return r.db.QueryRowContext(ctx, query,
		s.SessionID,
		s.Plate,
		entryTime,
		s.PaymentTime.UTC(),
		s.Charge,
		s.CashBefore,
		s.CashAfter,
	).Scan(&s.ID)
}

// ListByPlate returns latest settlements for plate.
func (r *SettlementRepository) ListByPlate(ctx context.Context, plate string, limit int) ([]models.Settlement, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, plate, entry_time, payment_time, charge, cash_before, cash_after
		FROM gate_settlements
		WHERE plate = $1
		ORDER BY payment_time DESC, id DESC
		LIMIT $2
	`
	if r.dialect == DialectSQLite {
		query = `
		SELECT id, session_id, plate, entry_time, payment_time, charge, cash_before, cash_after
		FROM gate_settlements
		WHERE plate = ?
		ORDER BY payment_time DESC, id DESC
		LIMIT ?
	`
	}

	rows, err := r.db.QueryContext(ctx, query, plate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var (
			s         models.Settlement
			entryTime sql.NullTime
		)
		if err := rows.Scan(
			&s.ID,
			&s.SessionID,
			&s.Plate,
			&entryTime,
			&s.PaymentTime,
			&s.Charge,
			&s.CashBefore,
			&s.CashAfter,
		); err != nil {
			return nil, err
		}
		if entryTime.Valid {
			t := entryTime.Time
			s.EntryTime = &t
		}
		settlements = append(settlements, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return settlements, nil
}
