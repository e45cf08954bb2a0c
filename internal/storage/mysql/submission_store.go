package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/relay"
)

// SQLSubmissionStore persists submissions and their receipts in MySQL.
// Claim uses a conditional UPDATE so concurrent workers never run the same
// submission twice.
type SQLSubmissionStore struct {
	db *sql.DB
}

// NewSQLSubmissionStore creates the store and runs pending migrations.
func NewSQLSubmissionStore(ctx context.Context, cfg Config) (*SQLSubmissionStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLSubmissionStore{db: db}, nil
}

// Create implements relay.Store.
func (s *SQLSubmissionStore) Create(ctx context.Context, sub *relay.Submission) error {
	if sub == nil || sub.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission is empty")
	}
	operations, err := json.Marshal(sub.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}
	now := time.Now().Unix()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	const stmt = `INSERT INTO submissions
        (id, principal, operations, sponsored, status, attempts, max_retries, last_error, error_code, receipts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		sub.ID,
		sub.Principal.Hex(),
		operations,
		boolToInt(sub.Sponsored),
		string(sub.Status),
		sub.Attempts,
		sub.MaxRetries,
		sub.LastError,
		sub.ErrorCode,
		sub.CreatedAt,
		sub.UpdatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return relay.ErrSubmissionConflict
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Get implements relay.Store.
func (s *SQLSubmissionStore) Get(ctx context.Context, id string) (*relay.Submission, error) {
	const query = `SELECT id, principal, operations, sponsored, status, attempts, max_retries,
COALESCE(last_error, ''), error_code, receipts, created_at, updated_at
FROM submissions WHERE id = ?`
	return s.scanSubmission(s.db.QueryRowContext(ctx, query, id))
}

// Claim implements relay.Store.
func (s *SQLSubmissionStore) Claim(ctx context.Context, id string) (*relay.Submission, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case relay.StatusSucceeded:
		return sub, relay.ErrSubmissionCompleted
	case relay.StatusRunning:
		return sub, relay.ErrSubmissionConflict
	}
	if sub.Attempts >= sub.MaxRetries {
		return sub, relay.ErrSubmissionExhausted
	}

	const stmt = `UPDATE submissions
        SET status = ?, attempts = attempts + 1, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ? AND attempts = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		string(relay.StatusRunning), time.Now().Unix(),
		id, string(sub.Status), sub.Attempts,
	)
	if err != nil {
		return nil, fmt.Errorf("claim submission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim submission: %w", err)
	}
	if affected == 0 {
		// Another worker claimed it between the read and the update.
		return sub, relay.ErrSubmissionConflict
	}
	sub.Status = relay.StatusRunning
	sub.Attempts++
	sub.LastError = ""
	sub.ErrorCode = ""
	return sub, nil
}

// MarkSucceeded implements relay.Store.
func (s *SQLSubmissionStore) MarkSucceeded(ctx context.Context, id string, receipts []relay.Receipt) error {
	encoded, err := json.Marshal(receipts)
	if err != nil {
		return fmt.Errorf("encode receipts: %w", err)
	}
	const stmt = `UPDATE submissions
        SET status = ?, receipts = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, string(relay.StatusSucceeded), encoded, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark submission succeeded: %w", err)
	}
	return requireRow(result)
}

// MarkFailed implements relay.Store.
func (s *SQLSubmissionStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := relay.StatusPending
	if terminal {
		status = relay.StatusFailed
	}
	const stmt = `UPDATE submissions
        SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, string(status), lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark submission failed: %w", err)
	}
	return requireRow(result)
}

// List implements relay.Store.
func (s *SQLSubmissionStore) List(ctx context.Context, opts ...relay.ListOption) ([]*relay.Submission, error) {
	options := relay.ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.Limit <= 0 {
		options.Limit = 20
	}
	if options.Limit > 100 {
		options.Limit = 100
	}
	if options.Offset < 0 {
		options.Offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	if len(options.Statuses) > 0 {
		placeholders := make([]string, len(options.Statuses))
		for i, status := range options.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if options.Principal != nil {
		conditions = append(conditions, "principal = ?")
		args = append(args, options.Principal.Hex())
	}
	if options.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, options.UpdatedGTE)
	}
	if options.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, options.UpdatedLTE)
	}

	query := `SELECT id, principal, operations, sponsored, status, attempts, max_retries,
COALESCE(last_error, ''), error_code, receipts, created_at, updated_at
FROM submissions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if options.Order == relay.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC"
	} else {
		query += " ORDER BY updated_at DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var result []*relay.Submission
	for rows.Next() {
		sub, err := s.scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return result, nil
}

// Stats implements relay.Store.
func (s *SQLSubmissionStore) Stats(ctx context.Context) (relay.Stats, error) {
	const query = `SELECT status, COUNT(*), COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0)
FROM submissions GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return relay.Stats{}, fmt.Errorf("aggregate submissions: %w", err)
	}
	defer rows.Close()

	var stats relay.Stats
	for rows.Next() {
		var status string
		var count int
		var oldest, newest int64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return relay.Stats{}, fmt.Errorf("scan aggregate: %w", err)
		}
		stats.Total += count
		switch relay.Status(status) {
		case relay.StatusPending:
			stats.Pending = count
		case relay.StatusRunning:
			stats.Running = count
		case relay.StatusSucceeded:
			stats.Succeeded = count
		case relay.StatusFailed:
			stats.Failed = count
		}
		if oldest > 0 && (stats.OldestUpdatedAt == 0 || oldest < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
	}
	if err := rows.Err(); err != nil {
		return relay.Stats{}, fmt.Errorf("iterate aggregates: %w", err)
	}
	return stats, nil
}

// Close implements relay.Store.
func (s *SQLSubmissionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLSubmissionStore) scanSubmission(row rowScanner) (*relay.Submission, error) {
	var sub relay.Submission
	var principal, status string
	var operations []byte
	var receipts sql.NullString
	var sponsored int
	if err := row.Scan(
		&sub.ID,
		&principal,
		&operations,
		&sponsored,
		&status,
		&sub.Attempts,
		&sub.MaxRetries,
		&sub.LastError,
		&sub.ErrorCode,
		&receipts,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relay.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	sub.Principal = common.HexToAddress(principal)
	sub.Status = relay.Status(status)
	if err := json.Unmarshal(operations, &sub.Operations); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	if receipts.Valid && receipts.String != "" {
		if err := json.Unmarshal([]byte(receipts.String), &sub.Receipts); err != nil {
			return nil, fmt.Errorf("decode receipts: %w", err)
		}
	}
	return &sub, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return relay.ErrSubmissionNotFound
	}
	return nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	// MySQL error 1062, matched on the message to avoid depending on
	// driver internals.
	return strings.Contains(err.Error(), "Error 1062") || strings.Contains(err.Error(), "Duplicate entry")
}

var _ relay.Store = (*SQLSubmissionStore)(nil)
