package sagastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/has99an/marketplace-compensation/internal/saga"
)

// PostgresStore persists sagas in Postgres via database/sql. The service
// opens the connection with the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a store backed by an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS compensation_sagas (
			saga_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS compensation_order_legs (
			saga_id TEXT NOT NULL,
			leg_id TEXT NOT NULL,
			book_identifier TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			quantity INT NOT NULL,
			unit_price DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (saga_id, leg_id),
			FOREIGN KEY (saga_id) REFERENCES compensation_sagas(saga_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS compensation_actions (
			saga_id TEXT NOT NULL,
			leg_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			book_identifier TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			quantity INT NOT NULL,
			acked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (saga_id, leg_id, resource),
			FOREIGN KEY (saga_id) REFERENCES compensation_sagas(saga_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateSaga inserts the saga and its legs; an existing saga id is a no-op.
func (s *PostgresStore) CreateSaga(ctx context.Context, sg *saga.Saga) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin create saga: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO compensation_sagas (saga_id, customer_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (saga_id) DO NOTHING`,
		sg.ID, sg.CustomerID, sg.Status, sg.CreatedAt, sg.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert saga %s: %w", sg.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	for _, leg := range sg.Legs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compensation_order_legs
				(saga_id, leg_id, book_identifier, seller_id, quantity, unit_price, status, failure_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sg.ID, leg.ID, leg.BookIdentifier, leg.SellerID, leg.Quantity, leg.UnitPrice, leg.Status, leg.FailureReason,
		); err != nil {
			return false, fmt.Errorf("insert leg %s: %w", leg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create saga %s: %w", sg.ID, err)
	}
	return true, nil
}

// GetSaga loads the saga row and all leg rows.
func (s *PostgresStore) GetSaga(ctx context.Context, sagaID string) (*saga.Saga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, customer_id, status, created_at, updated_at
		FROM compensation_sagas
		WHERE saga_id = $1`,
		sagaID,
	)

	var sg saga.Saga
	var status string
	if err := row.Scan(&sg.ID, &sg.CustomerID, &status, &sg.CreatedAt, &sg.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("saga %s: %w", sagaID, saga.ErrNotFound)
		}
		return nil, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	sg.Status = saga.Status(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT leg_id, book_identifier, seller_id, quantity, unit_price, status, failure_reason
		FROM compensation_order_legs
		WHERE saga_id = $1
		ORDER BY leg_id`,
		sagaID,
	)
	if err != nil {
		return nil, fmt.Errorf("load legs for saga %s: %w", sagaID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var leg saga.OrderLeg
		var legStatus string
		if err := rows.Scan(&leg.ID, &leg.BookIdentifier, &leg.SellerID, &leg.Quantity, &leg.UnitPrice, &legStatus, &leg.FailureReason); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		leg.Status = saga.LegStatus(legStatus)
		sg.Legs = append(sg.Legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legs for saga %s: %w", sagaID, err)
	}
	return &sg, nil
}

// UpdateSagaStatus transitions the saga; the expected current status is the
// concurrency guard at the row level.
func (s *PostgresStore) UpdateSagaStatus(ctx context.Context, sagaID string, from, to saga.Status) error {
	if err := saga.ValidateTransition(from, to); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE compensation_sagas
		SET status = $3, updated_at = $4
		WHERE saga_id = $1 AND status = $2`,
		sagaID, from, to, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update saga %s status: %w", sagaID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.classifySagaMiss(ctx, sagaID, from)
	}
	return nil
}

// UpdateLegStatus transitions a leg with the same row-level guard.
func (s *PostgresStore) UpdateLegStatus(ctx context.Context, sagaID, legID string, from, to saga.LegStatus, reason string) error {
	if err := saga.ValidateLegTransition(from, to); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE compensation_order_legs
		SET status = $4, failure_reason = CASE WHEN $5 = '' THEN failure_reason ELSE $5 END
		WHERE saga_id = $1 AND leg_id = $2 AND status = $3`,
		sagaID, legID, from, to, reason,
	)
	if err != nil {
		return fmt.Errorf("update leg %s status: %w", legID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.classifyLegMiss(ctx, sagaID, legID, from)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE compensation_sagas SET updated_at = $2 WHERE saga_id = $1`,
		sagaID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("touch saga %s: %w", sagaID, err)
	}
	return nil
}

func (s *PostgresStore) classifySagaMiss(ctx context.Context, sagaID string, expected saga.Status) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM compensation_sagas WHERE saga_id = $1`, sagaID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("saga %s: %w", sagaID, saga.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("inspect saga %s: %w", sagaID, err)
	}
	return fmt.Errorf("saga %s is %s, expected %s: %w", sagaID, current, expected, saga.ErrStateConflict)
}

func (s *PostgresStore) classifyLegMiss(ctx context.Context, sagaID, legID string, expected saga.LegStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM compensation_order_legs WHERE saga_id = $1 AND leg_id = $2`, sagaID, legID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("saga %s leg %s: %w", sagaID, legID, saga.ErrLegNotFound)
	}
	if err != nil {
		return fmt.Errorf("inspect leg %s: %w", legID, err)
	}
	return fmt.Errorf("leg %s is %s, expected %s: %w", legID, current, expected, saga.ErrStateConflict)
}

// RecordAction inserts the action; the composite primary key is the
// idempotency key, so a repeated insert is a no-op.
func (s *PostgresStore) RecordAction(ctx context.Context, action saga.CompensationAction) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO compensation_actions
			(saga_id, leg_id, resource, book_identifier, seller_id, quantity, acked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (saga_id, leg_id, resource) DO NOTHING`,
		action.SagaID, action.LegID, action.Resource, action.BookIdentifier,
		action.SellerID, action.Quantity, action.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record action %s: %w", action.IdempotencyKey(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkActionAcked flags the action as acknowledged by the owning service and
// reports whether a recorded action matched.
func (s *PostgresStore) MarkActionAcked(ctx context.Context, sagaID, legID string, resource saga.ResourceType) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE compensation_actions
		SET acked = TRUE
		WHERE saga_id = $1 AND leg_id = $2 AND resource = $3`,
		sagaID, legID, resource,
	)
	if err != nil {
		return false, fmt.Errorf("ack action %s/%s/%s: %w", sagaID, legID, resource, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack action %s/%s/%s: %w", sagaID, legID, resource, err)
	}
	return affected == 1, nil
}

// PendingActions lists the saga's unacked actions.
func (s *PostgresStore) PendingActions(ctx context.Context, sagaID string) ([]saga.CompensationAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, leg_id, resource, book_identifier, seller_id, quantity, acked, created_at
		FROM compensation_actions
		WHERE saga_id = $1 AND acked = FALSE
		ORDER BY leg_id, resource`,
		sagaID,
	)
	if err != nil {
		return nil, fmt.Errorf("pending actions for saga %s: %w", sagaID, err)
	}
	defer rows.Close()

	var pending []saga.CompensationAction
	for rows.Next() {
		var action saga.CompensationAction
		var resource string
		if err := rows.Scan(&action.SagaID, &action.LegID, &resource, &action.BookIdentifier,
			&action.SellerID, &action.Quantity, &action.Acked, &action.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		action.Resource = saga.ResourceType(resource)
		pending = append(pending, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions for saga %s: %w", sagaID, err)
	}
	return pending, nil
}

// ListByStatusOlderThan returns sagas in the given status last updated
// before the cutoff, oldest first.
func (s *PostgresStore) ListByStatusOlderThan(ctx context.Context, status saga.Status, cutoff time.Time) ([]*saga.Saga, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id
		FROM compensation_sagas
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at`,
		status, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list sagas by status %s: %w", status, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas by status %s: %w", status, err)
	}

	out := make([]*saga.Saga, 0, len(ids))
	for _, id := range ids {
		sg, err := s.GetSaga(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, nil
}

// DeleteTerminalOlderThan removes terminal sagas past the retention window.
// Leg and action rows follow via ON DELETE CASCADE.
func (s *PostgresStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM compensation_sagas
		WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		saga.StatusCompleted, saga.StatusCompensated, saga.StatusFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal sagas: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, nil
}

var _ Store = (*PostgresStore)(nil)
