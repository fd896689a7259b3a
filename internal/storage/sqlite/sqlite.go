package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/skylens/llmgate/internal/storage"
	"github.com/skylens/llmgate/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

type SQLiteStore struct {
	db *sql.DB
}

func New(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `id, project_id, user_id, provider, model, operation, priority, status,
	payload, context, retries, max_retries, output_summary, input_tokens, output_tokens,
	cost_usd, error, retryable, created_at, started_at, completed_at`

func (s *SQLiteStore) Enqueue(ctx context.Context, rec *storage.QueueRecord) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, project_id, user_id, provider, model, operation,
			priority, status, payload, context, retries, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.UserID, rec.Provider, rec.Model, string(rec.Operation),
		int(rec.Priority), string(rec.Status), string(rec.Payload), rec.Context,
		rec.Retries, rec.MaxRetries, rec.CreatedAt.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue record: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, started_at = ? WHERE id = ?`,
		string(types.StatusProcessing), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextRetryable(ctx context.Context) (*storage.QueueRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM queue_items
		WHERE status = ? AND retries <= max_retries
		ORDER BY created_at ASC LIMIT 1`,
		string(storage.StatusRetryPending))

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim retryable record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, error = NULL, completed_at = NULL WHERE id = ?`,
		string(types.StatusPending), rec.ID); err != nil {
		return nil, fmt.Errorf("failed to reclaim record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	rec.Status = types.StatusPending
	rec.Error = ""
	rec.CompletedAt = nil
	return rec, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, outputSummary string, usage types.TokenUsage, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, output_summary = ?, input_tokens = ?, output_tokens = ?,
			cost_usd = ?, completed_at = ?
		WHERE id = ?`,
		string(types.StatusCompleted), outputSummary, usage.InputTokens, usage.OutputTokens,
		costUSD, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark complete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errMsg string, retryable bool) error {
	// Retryable failures below the retry ceiling stay claimable; the
	// sweep picks them up later. Everything else is terminal.
	status := string(types.StatusFailed)
	if retryable {
		status = string(storage.StatusRetryPending)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = CASE WHEN ? = ? AND retries + 1 <= max_retries THEN ? ELSE ? END,
			retries = retries + 1, error = ?, retryable = ?, completed_at = ?
		WHERE id = ?`,
		status, string(storage.StatusRetryPending), string(storage.StatusRetryPending),
		string(types.StatusFailed), errMsg, boolToInt(retryable), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(types.StatusCancelled), time.Now().Unix(), id,
		string(types.StatusPending), string(types.StatusProcessing), string(storage.StatusRetryPending))
	if err != nil {
		return fmt.Errorf("failed to cancel record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, projectID string) (int, error) {
	query := `
		UPDATE queue_items SET status = ?, completed_at = ?
		WHERE status IN (?, ?, ?)`
	args := []interface{}{
		string(types.StatusCancelled), time.Now().Unix(),
		string(types.StatusPending), string(types.StatusProcessing), string(storage.StatusRetryPending),
	}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared records: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*storage.QueueRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM queue_items WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) QueryStatus(ctx context.Context, projectID string) (*types.StoreStatus, error) {
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour).Unix()

	args := []interface{}{
		string(types.StatusPending), string(types.StatusProcessing), string(storage.StatusRetryPending),
		string(types.StatusCompleted), startOfDay,
		string(types.StatusFailed), startOfDay,
		string(types.StatusCompleted), startOfDay,
		string(types.StatusCompleted), startOfDay,
	}

	query := `
		SELECT
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? AND completed_at >= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? AND completed_at >= ? THEN 1 ELSE 0 END),
			AVG(CASE WHEN status = ? AND completed_at >= ? AND started_at IS NOT NULL
				THEN (completed_at - started_at) * 1000.0 END),
			SUM(CASE WHEN status = ? AND completed_at >= ? THEN cost_usd ELSE 0 END)
		FROM queue_items`
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}

	var pending, processing, retryPending, completedToday, failedToday sql.NullInt64
	var avgProcessingMs sql.NullFloat64
	var totalCostToday sql.NullFloat64

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&pending, &processing, &retryPending, &completedToday, &failedToday,
		&avgProcessingMs, &totalCostToday)
	if err != nil {
		return nil, fmt.Errorf("failed to query store status: %w", err)
	}

	return &types.StoreStatus{
		Pending:           int(pending.Int64),
		Processing:        int(processing.Int64),
		RetryPending:      int(retryPending.Int64),
		CompletedToday:    int(completedToday.Int64),
		FailedToday:       int(failedToday.Int64),
		AvgProcessingMs:   avgProcessingMs.Float64,
		TotalCostTodayUSD: totalCostToday.Float64,
	}, nil
}

func (s *SQLiteStore) QueryHistory(ctx context.Context, projectID string, limit int) ([]*storage.QueueRecord, error) {
	return s.queryByStatuses(ctx, projectID, limit, true,
		types.StatusCompleted, types.StatusFailed, types.StatusCancelled, types.StatusRejected)
}

func (s *SQLiteStore) QueryPending(ctx context.Context, projectID string, limit int) ([]*storage.QueueRecord, error) {
	return s.queryByStatuses(ctx, projectID, limit, false,
		types.StatusPending, types.StatusProcessing)
}

func (s *SQLiteStore) QueryRetryable(ctx context.Context, projectID string, limit int) ([]*storage.QueueRecord, error) {
	return s.queryByStatuses(ctx, projectID, limit, false, storage.StatusRetryPending)
}

func (s *SQLiteStore) queryByStatuses(ctx context.Context, projectID string, limit int, newestFirst bool, statuses ...types.RequestStatus) ([]*storage.QueueRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	placeholders := ""
	args := make([]interface{}, 0, len(statuses)+2)
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	query := `SELECT ` + recordColumns + ` FROM queue_items WHERE status IN (` + placeholders + `)`
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	query += ` ORDER BY created_at ` + order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*storage.QueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*storage.QueueRecord, error) {
	var rec storage.QueueRecord
	var operation, status, payload string
	var outputSummary, errMsg sql.NullString
	var retryable int
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.UserID, &rec.Provider, &rec.Model,
		&operation, &rec.Priority, &status, &payload, &rec.Context,
		&rec.Retries, &rec.MaxRetries, &outputSummary, &rec.InputTokens, &rec.OutputTokens,
		&rec.CostUSD, &errMsg, &retryable, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.Operation = types.Operation(operation)
	rec.Status = types.RequestStatus(status)
	rec.Payload = []byte(payload)
	rec.OutputSummary = outputSummary.String
	rec.Error = errMsg.String
	rec.Retryable = retryable != 0
	rec.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		rec.CompletedAt = &t
	}

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
