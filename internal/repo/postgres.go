package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Jobpilot/internal/domain"
)

// Коды ошибок PostgreSQL.
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// PostgresStore — Store поверх PostgreSQL (схема: migrations/001_init.sql).
//
// History хранится в отдельной таблице application_history и только
// дописывается: CAS обновляет строку applications и вставляет новые записи
// history в одной транзакции.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт новый PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectApplication = `
	SELECT id, batch_id, state, sub_state, attempt_count, match_score, recommendations,
	       payload, artifacts, resume_step, retry_at, last_error, cancel_requested,
	       outcome, version, created_at, updated_at
	FROM applications
`

// Create сохраняет новую application вместе с history.
func (s *PostgresStore) Create(ctx context.Context, app *domain.Application) error {
	row, err := encodeApplication(app)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO applications (id, batch_id, state, sub_state, attempt_count, match_score,
		                          recommendations, payload, artifacts, resume_step, retry_at,
		                          last_error, cancel_requested, outcome, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)
	`
	_, err = tx.Exec(ctx, query,
		app.ID,
		app.BatchID,
		app.State,
		string(app.SubState),
		app.AttemptCount,
		app.MatchScore,
		row.recommendations,
		row.payload,
		row.artifacts,
		row.resumeStep,
		app.RetryAt,
		row.lastError,
		app.CancelRequested,
		string(app.Outcome),
		app.CreatedAt,
		app.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert application: %w", err)
	}

	if err := insertHistory(ctx, tx, app.ID, app.History, 0); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	app.Version = 1
	return nil
}

// Load возвращает application с полной history.
func (s *PostgresStore) Load(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	app, err := scanApplication(s.pool.QueryRow(ctx, selectApplication+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	app.History = history

	return app, nil
}

// CompareAndSwap обновляет application, если версия совпадает.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, next *domain.Application) error {
	row, err := encodeApplication(next)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE applications
		SET state = $3, sub_state = $4, attempt_count = $5, match_score = $6,
		    recommendations = $7, artifacts = $8, resume_step = $9, retry_at = $10,
		    last_error = $11, cancel_requested = $12, outcome = $13,
		    version = version + 1, updated_at = $14
		WHERE id = $1 AND version = $2
	`
	result, err := tx.Exec(ctx, query,
		id,
		expectedVersion,
		next.State,
		string(next.SubState),
		next.AttemptCount,
		next.MatchScore,
		row.recommendations,
		row.artifacts,
		row.resumeStep,
		next.RetryAt,
		row.lastError,
		next.CancelRequested,
		string(next.Outcome),
		next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check application: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	// Строка заблокирована UPDATE — count стабилен до commit
	var stored int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM application_history WHERE application_id = $1`, id).Scan(&stored); err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if stored > len(next.History) {
		return fmt.Errorf("history truncated: stored %d, got %d", stored, len(next.History))
	}

	if err := insertHistory(ctx, tx, id, next.History, stored); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	next.Version = expectedVersion + 1
	return nil
}

// EnqueuePending ставит application в очередь или переставляет её в конец.
func (s *PostgresStore) EnqueuePending(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	query := `
		INSERT INTO pending_queue (application_id, not_before, enqueued_at)
		VALUES ($1, $2, clock_timestamp())
		ON CONFLICT (application_id) DO UPDATE
		SET not_before = EXCLUDED.not_before,
		    enqueued_at = EXCLUDED.enqueued_at,
		    seq = DEFAULT
	`
	_, err := s.pool.Exec(ctx, query, id, notBefore)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return ErrNotFound
		}
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

// DequeueReady забирает готовую запись. SKIP LOCKED позволяет нескольким
// воркерам забирать записи параллельно без ожидания друг друга.
func (s *PostgresStore) DequeueReady(ctx context.Context) (uuid.UUID, error) {
	query := `
		DELETE FROM pending_queue
		WHERE application_id = (
			SELECT application_id
			FROM pending_queue
			WHERE not_before <= now()
			ORDER BY enqueued_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING application_id
	`
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, query).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrQueueEmpty
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("dequeue ready: %w", err)
	}
	return id, nil
}

// List возвращает applications по фильтру (без history).
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]domain.Application, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := selectApplication + `
		WHERE ($1::uuid IS NULL OR batch_id = $1)
		  AND ($2::text IS NULL OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := s.pool.Query(ctx, query,
		filter.BatchID,
		nullString(string(filter.State)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// Count возвращает число applications по фильтру.
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	query := `
		SELECT count(*)
		FROM applications
		WHERE ($1::uuid IS NULL OR batch_id = $1)
		  AND ($2::text IS NULL OR state = $2)
	`
	var n int
	if err := s.pool.QueryRow(ctx, query, filter.BatchID, nullString(string(filter.State))).Scan(&n); err != nil {
		return 0, fmt.Errorf("count applications: %w", err)
	}
	return n, nil
}

// ListStalled возвращает зависшие незавершённые applications.
func (s *PostgresStore) ListStalled(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT a.id
		FROM applications a
		LEFT JOIN pending_queue q ON q.application_id = a.id
		WHERE a.state <> 'COMPLETE'
		  AND a.updated_at < $1
		  AND q.application_id IS NULL
		ORDER BY a.updated_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stalled: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Helpers ---

// loadHistory загружает history application в порядке записи.
func (s *PostgresStore) loadHistory(ctx context.Context, id uuid.UUID) ([]domain.HistoryEntry, error) {
	query := `
		SELECT from_step, to_step, event, cause, attempt, created_at
		FROM application_history
		WHERE application_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []domain.HistoryEntry
	for rows.Next() {
		var (
			entry    domain.HistoryEntry
			from, to string
			cause    *string
		)
		if err := rows.Scan(&from, &to, &entry.Event, &cause, &entry.Attempt, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if entry.From, err = domain.ParseStep(from); err != nil {
			return nil, err
		}
		if entry.To, err = domain.ParseStep(to); err != nil {
			return nil, err
		}
		if cause != nil {
			entry.Cause = *cause
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// insertHistory вставляет записи history начиная с индекса from.
func insertHistory(ctx context.Context, tx pgx.Tx, id uuid.UUID, history []domain.HistoryEntry, from int) error {
	query := `
		INSERT INTO application_history (application_id, seq, from_step, to_step, event, cause, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for i := from; i < len(history); i++ {
		entry := history[i]
		_, err := tx.Exec(ctx, query,
			id,
			i,
			entry.From.String(),
			entry.To.String(),
			entry.Event,
			nullString(entry.Cause),
			entry.Attempt,
			entry.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert history %d: %w", i, err)
		}
	}
	return nil
}

// encodedApplication — JSON-колонки application.
type encodedApplication struct {
	recommendations []byte
	payload         []byte
	artifacts       []byte
	lastError       []byte
	resumeStep      *string
}

func encodeApplication(app *domain.Application) (*encodedApplication, error) {
	var (
		row encodedApplication
		err error
	)

	if row.recommendations, err = json.Marshal(app.Recommendations); err != nil {
		return nil, fmt.Errorf("marshal recommendations: %w", err)
	}
	if row.payload, err = json.Marshal(app.Payload); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if row.artifacts, err = json.Marshal(app.Artifacts); err != nil {
		return nil, fmt.Errorf("marshal artifacts: %w", err)
	}
	if app.LastError != nil {
		if row.lastError, err = json.Marshal(app.LastError); err != nil {
			return nil, fmt.Errorf("marshal last error: %w", err)
		}
	}
	if app.ResumeStep != nil {
		step := app.ResumeStep.String()
		row.resumeStep = &step
	}

	return &row, nil
}

// scanApplication сканирует строку applications (pgx.Row и pgx.Rows).
func scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		app             domain.Application
		subState        string
		outcome         string
		recommendations []byte
		payload         []byte
		artifacts       []byte
		lastError       []byte
		resumeStep      *string
	)

	err := row.Scan(
		&app.ID,
		&app.BatchID,
		&app.State,
		&subState,
		&app.AttemptCount,
		&app.MatchScore,
		&recommendations,
		&payload,
		&artifacts,
		&resumeStep,
		&app.RetryAt,
		&lastError,
		&app.CancelRequested,
		&outcome,
		&app.Version,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan application: %w", err)
	}

	app.SubState = domain.SubState(subState)
	app.Outcome = domain.Outcome(outcome)

	if recommendations != nil {
		if err := json.Unmarshal(recommendations, &app.Recommendations); err != nil {
			return nil, fmt.Errorf("unmarshal recommendations: %w", err)
		}
	}
	if err := json.Unmarshal(payload, &app.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(artifacts, &app.Artifacts); err != nil {
		return nil, fmt.Errorf("unmarshal artifacts: %w", err)
	}
	if lastError != nil {
		app.LastError = &domain.LastError{}
		if err := json.Unmarshal(lastError, app.LastError); err != nil {
			return nil, fmt.Errorf("unmarshal last error: %w", err)
		}
	}
	if resumeStep != nil {
		step, err := domain.ParseStep(*resumeStep)
		if err != nil {
			return nil, err
		}
		app.ResumeStep = &step
	}

	return &app, nil
}

// pgCode возвращает SQLSTATE ошибки PostgreSQL или пустую строку.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
