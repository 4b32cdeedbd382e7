package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const pgForeignKeyViolation = "23503"

// PostgresOptions holds the connection pool settings
type PostgresOptions struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConnections  int
	MinConnections  int
	ConnMaxLifetime time.Duration
}

// NewPostgresPool creates and verifies a pgx connection pool
func NewPostgresPool(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	sslMode := opts.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		opts.Host, opts.Port, opts.Database, opts.User, opts.Password, sslMode,
		opts.MaxConnections, opts.MinConnections,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// PostgresAttendanceStore implements AttendanceStore for PostgreSQL
type PostgresAttendanceStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresAttendanceStore creates a store on an existing pool
func NewPostgresAttendanceStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresAttendanceStore {
	return &PostgresAttendanceStore{
		pool:   pool,
		logger: logger,
	}
}

// RecordAttendance applies the batch in one transaction
func (s *PostgresAttendanceStore) RecordAttendance(ctx context.Context, batch *RecordBatch) (*model.AttendanceSession, []model.AttendanceRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback(context.Background())
	}()

	var owned bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM gathering_types WHERE id = $1 AND church_id = $2
		)
	`, batch.GatheringID, batch.TenantID).Scan(&owned)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify gathering: %w", mapPgError(err))
	}
	if !owned {
		return nil, nil, fmt.Errorf("gathering %d: %w", batch.GatheringID, ErrReferentialViolation)
	}

	ids := batch.IndividualIDs()
	var ownedCount int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM individuals WHERE church_id = $1 AND id = ANY($2)
	`, batch.TenantID, ids).Scan(&ownedCount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify individuals: %w", mapPgError(err))
	}
	if ownedCount != len(ids) {
		return nil, nil, fmt.Errorf("%d of %d individuals not found: %w", len(ids)-ownedCount, len(ids), ErrReferentialViolation)
	}

	session := &model.AttendanceSession{
		TenantID:    batch.TenantID,
		GatheringID: batch.GatheringID,
		Date:        batch.Date,
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	err = tx.QueryRow(ctx, `
		INSERT INTO attendance_sessions (gathering_type_id, session_date, church_id, created_by, created_at, updated_at)
		VALUES ($1, $2::date, $3, $4, NOW(), NOW())
		ON CONFLICT (gathering_type_id, session_date, church_id)
		DO UPDATE SET updated_at = NOW()
		RETURNING id, created_by, created_at
	`, batch.GatheringID, batch.Date, batch.TenantID, batch.UserID).Scan(
		&session.ID,
		&session.CreatedBy,
		&session.CreatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert session: %w", mapPgError(err))
	}

	pgBatch := &pgx.Batch{}
	for _, r := range batch.Records {
		pgBatch.Queue(`
			INSERT INTO attendance_records (session_id, individual_id, present, church_id, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (session_id, individual_id)
			DO UPDATE SET present = EXCLUDED.present, updated_at = NOW()
			RETURNING updated_at
		`, session.ID, r.IndividualID, r.Present, batch.TenantID)
	}

	records := make([]model.AttendanceRecord, 0, len(batch.Records))
	results := tx.SendBatch(ctx, pgBatch)
	for _, r := range batch.Records {
		rec := model.AttendanceRecord{
			SessionID:    session.ID,
			IndividualID: r.IndividualID,
			Present:      r.Present,
			TenantID:     batch.TenantID,
		}
		if err := results.QueryRow().Scan(&rec.UpdatedAt); err != nil {
			_ = results.Close()
			return nil, nil, fmt.Errorf("failed to upsert record for individual %d: %w", r.IndividualID, mapPgError(err))
		}
		records = append(records, rec)
	}
	if err := results.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to upsert records: %w", mapPgError(err))
	}

	if present := batch.PresentIDs(); len(present) > 0 {
		query := `
			UPDATE individuals SET last_attendance_date = GREATEST(last_attendance_date, $3::date)
			WHERE church_id = $1 AND id = ANY($2)
		`
		if batch.Policy == LastAttendedOverwrite {
			query = `
				UPDATE individuals SET last_attendance_date = $3::date
				WHERE church_id = $1 AND id = ANY($2)
			`
		}
		if _, err := tx.Exec(ctx, query, batch.TenantID, present, batch.Date); err != nil {
			return nil, nil, fmt.Errorf("failed to update last attendance date: %w", mapPgError(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", mapPgError(err))
	}

	s.logger.Debug("Attendance batch committed",
		zap.Int64("tenant_id", batch.TenantID),
		zap.Int64("session_id", session.ID),
		zap.Int("records", len(records)))

	return session, records, nil
}

// LoadAttendance returns the session and its records
func (s *PostgresAttendanceStore) LoadAttendance(ctx context.Context, tenantID, gatheringID int64, date string) (*model.AttendanceSnapshot, error) {
	snapshot := &model.AttendanceSnapshot{
		GatheringID: gatheringID,
		Date:        date,
		Records:     []model.AttendanceRecord{},
	}

	session := &model.AttendanceSession{
		TenantID:    tenantID,
		GatheringID: gatheringID,
		Date:        date,
	}
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_by, created_at
		FROM attendance_sessions
		WHERE gathering_type_id = $1 AND session_date = $2::date AND church_id = $3
	`, gatheringID, date, tenantID).Scan(&session.ID, &session.CreatedBy, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	snapshot.Session = session

	rows, err := s.pool.Query(ctx, `
		SELECT individual_id, present, updated_at
		FROM attendance_records
		WHERE session_id = $1 AND church_id = $2
		ORDER BY individual_id
	`, session.ID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := model.AttendanceRecord{SessionID: session.ID, TenantID: tenantID}
		if err := rows.Scan(&rec.IndividualID, &rec.Present, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		snapshot.Records = append(snapshot.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return snapshot, nil
}

// Ping checks the database connection
func (s *PostgresAttendanceStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresAttendanceStore) Close() {
	s.pool.Close()
}

// mapPgError turns foreign key violations into ErrReferentialViolation
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrReferentialViolation)
	}
	return err
}
