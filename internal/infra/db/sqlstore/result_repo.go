package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bryanwahyu/diagnovision/internal/domain/results"
)

// ResultRepository is one category's append-only result table.
type ResultRepository struct {
	db    *DB
	table string
}

// NewResultRepository binds to table, which comes from config and is checked here.
func NewResultRepository(db *DB, table string) (*ResultRepository, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid result table name %q", table)
	}
	return &ResultRepository{db: db, table: table}, nil
}

func (r *ResultRepository) Table() string { return r.table }

// ListByPatient returns rows in insertion order.
func (r *ResultRepository) ListByPatient(ctx context.Context, patientID string) ([]results.DiagnosticResult, error) {
	q := fmt.Sprintf(`
SELECT id, image_id, patient_id, result_msg, confidence, doctor_feedback, date
FROM %s WHERE patient_id=? ORDER BY seq ASC`, r.table)
	rows, err := r.db.query(ctx, q, patientID)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", r.table, err)
	}
	defer rows.Close()

	var out []results.DiagnosticResult
	for rows.Next() {
		var (
			row      results.DiagnosticResult
			conf     sql.NullFloat64
			feedback sql.NullString
			date     sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.ImageID, &row.PatientID, &row.ResultMessage, &conf, &feedback, &date); err != nil {
			return nil, err
		}
		row.Confidence = floatPtr(conf)
		row.DoctorFeedback = feedback.String
		row.Date = date.String
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *ResultRepository) Append(ctx context.Context, row *results.DiagnosticResult) error {
	q := fmt.Sprintf(`
INSERT INTO %s (id, image_id, patient_id, result_msg, confidence, doctor_feedback, date)
VALUES (?,?,?,?,?,?,?)`, r.table)
	_, err := r.db.exec(ctx, q,
		row.ID, row.ImageID, row.PatientID, row.ResultMessage,
		nullFloat(row.Confidence), nullString(row.DoctorFeedback), nullString(row.Date),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.table, err)
	}
	return nil
}
