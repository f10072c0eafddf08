package audit

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
	"github.com/opsdeskhq/opsdesk/internal/ulid"
)

const auditColumns = "id, operation_id, entity_type, entity_id, outcome, error_type, error_message, attempts, critical, started_at, completed_at"

// Repository defines operations for managing audit records in the database
type Repository interface {
	// CreateRecord persists a new audit record
	CreateRecord(ctx context.Context, rec *Record) error

	// ListRecent retrieves the most recent audit records
	ListRecent(ctx context.Context, limit int) ([]*Record, error)

	// ListByOperation retrieves audit records for one operation ID
	ListByOperation(ctx context.Context, operationID string, limit int) ([]*Record, error)

	// ListByEntity retrieves audit records for one entity
	ListByEntity(ctx context.Context, entityType entity.Kind, entityID string, limit int) ([]*Record, error)
}

// SQLRepository implements the Repository interface using a SQL database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// CreateRecord persists a new audit record
func (r *SQLRepository) CreateRecord(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = ulid.AuditID()
	}

	q := r.builder.Insert("audit_logs").
		Columns("id", "operation_id", "entity_type", "entity_id", "outcome", "error_type", "error_message", "attempts", "critical", "started_at", "completed_at").
		Values(rec.ID, rec.OperationID, rec.EntityType, rec.EntityID, rec.Outcome, rec.ErrorType, rec.ErrorMessage, rec.Attempts, rec.Critical, rec.StartedAt, rec.CompletedAt)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create audit record query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing create audit record query: %w", err)
	}

	return nil
}

// ListRecent retrieves the most recent audit records
func (r *SQLRepository) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	q := r.builder.Select(auditColumns).
		From("audit_logs").
		OrderBy("completed_at DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return r.queryRecords(ctx, q)
}

// ListByOperation retrieves audit records for one operation ID
func (r *SQLRepository) ListByOperation(ctx context.Context, operationID string, limit int) ([]*Record, error) {
	q := r.builder.Select(auditColumns).
		From("audit_logs").
		Where(sq.Eq{"operation_id": operationID}).
		OrderBy("completed_at DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return r.queryRecords(ctx, q)
}

// ListByEntity retrieves audit records for one entity
func (r *SQLRepository) ListByEntity(ctx context.Context, entityType entity.Kind, entityID string, limit int) ([]*Record, error) {
	q := r.builder.Select(auditColumns).
		From("audit_logs").
		Where(sq.Eq{"entity_type": entityType}).
		OrderBy("completed_at DESC")

	if entityID != "" {
		q = q.Where(sq.Eq{"entity_id": entityID})
	}

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return r.queryRecords(ctx, q)
}

// queryRecords is a helper to execute audit record queries
func (r *SQLRepository) queryRecords(ctx context.Context, q sq.SelectBuilder) ([]*Record, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit record query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing audit record query: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(
			&rec.ID,
			&rec.OperationID,
			&rec.EntityType,
			&rec.EntityID,
			&rec.Outcome,
			&rec.ErrorType,
			&rec.ErrorMessage,
			&rec.Attempts,
			&rec.Critical,
			&rec.StartedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit record row: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit record rows: %w", err)
	}

	return records, nil
}
