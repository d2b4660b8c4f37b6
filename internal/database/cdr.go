package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/capgw/capgw/internal/database/models"
)

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a new call detail record.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	id, err := r.db.insertID(ctx,
		`INSERT INTO cdrs (call_id, service_key, calling_number, called_number,
		 as_name, start_time, end_time, outcome, release_cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallID, cdr.ServiceKey, cdr.CallingNumber, cdr.CalledNumber,
		cdr.ASName, cdr.StartTime, cdr.EndTime, cdr.Outcome, cdr.ReleaseCause,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	cdr.ID = id
	return nil
}

// GetByCallID returns a CDR by call ID.
func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	var cdr models.CDR
	err := r.db.QueryRowContext(ctx,
		`SELECT id, call_id, service_key, calling_number, called_number,
		 as_name, start_time, end_time, outcome, release_cause
		 FROM cdrs WHERE call_id = ?`, callID,
	).Scan(&cdr.ID, &cdr.CallID, &cdr.ServiceKey, &cdr.CallingNumber, &cdr.CalledNumber,
		&cdr.ASName, &cdr.StartTime, &cdr.EndTime, &cdr.Outcome, &cdr.ReleaseCause)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &cdr, nil
}

// Update modifies an existing CDR.
func (r *cdrRepo) Update(ctx context.Context, cdr *models.CDR) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE cdrs SET call_id = ?, service_key = ?, calling_number = ?,
		 called_number = ?, as_name = ?, start_time = ?, end_time = ?,
		 outcome = ?, release_cause = ? WHERE id = ?`,
		cdr.CallID, cdr.ServiceKey, cdr.CallingNumber, cdr.CalledNumber,
		cdr.ASName, cdr.StartTime, cdr.EndTime, cdr.Outcome, cdr.ReleaseCause, cdr.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cdr: %w", err)
	}
	return nil
}

// List returns CDRs newest first.
func (r *cdrRepo) List(ctx context.Context, limit, offset int) ([]models.CDR, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, service_key, calling_number, called_number,
		 as_name, start_time, end_time, outcome, release_cause
		 FROM cdrs ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		var cdr models.CDR
		if err := rows.Scan(&cdr.ID, &cdr.CallID, &cdr.ServiceKey, &cdr.CallingNumber,
			&cdr.CalledNumber, &cdr.ASName, &cdr.StartTime, &cdr.EndTime,
			&cdr.Outcome, &cdr.ReleaseCause); err != nil {
			return nil, fmt.Errorf("scanning cdr: %w", err)
		}
		cdrs = append(cdrs, cdr)
	}
	return cdrs, rows.Err()
}
