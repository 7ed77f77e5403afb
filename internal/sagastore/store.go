// Package sagastore persists saga, leg, and compensation action records.
// The store is the single source of truth for saga state and is only ever
// mutated by the orchestrator; all guards against illegal transitions are
// enforced here as well as in the domain layer so that concurrent writers
// can never race a saga past its state machine.
package sagastore

import (
	"context"
	"time"

	"github.com/has99an/marketplace-compensation/internal/saga"
)

// Store is the durable record of sagas keyed by saga id.
type Store interface {
	// CreateSaga inserts a new saga with its legs. Inserting an existing
	// saga id is a no-op and reports created=false, so a redelivered paid
	// event cannot duplicate state.
	CreateSaga(ctx context.Context, s *saga.Saga) (created bool, err error)

	// GetSaga loads a saga with all legs, or saga.ErrNotFound.
	GetSaga(ctx context.Context, sagaID string) (*saga.Saga, error)

	// UpdateSagaStatus transitions a saga from an expected current status.
	// A saga in any other status yields saga.ErrStateConflict.
	UpdateSagaStatus(ctx context.Context, sagaID string, from, to saga.Status) error

	// UpdateLegStatus transitions a leg from an expected current status,
	// recording an optional failure reason. Illegal transitions and stale
	// expectations yield saga.ErrStateConflict.
	UpdateLegStatus(ctx context.Context, sagaID, legID string, from, to saga.LegStatus, reason string) error

	// RecordAction inserts a compensation action if its idempotency key is
	// unseen. A repeated key is a no-op and reports recorded=false.
	RecordAction(ctx context.Context, action saga.CompensationAction) (recorded bool, err error)

	// MarkActionAcked marks an action as acknowledged by the owning
	// service, reporting whether a recorded action matched. An ack with no
	// recorded action is matched=false so the caller can refuse it instead
	// of completing a cycle that never dispatched anything.
	MarkActionAcked(ctx context.Context, sagaID, legID string, resource saga.ResourceType) (matched bool, err error)

	// PendingActions lists the saga's recorded actions not yet acked.
	PendingActions(ctx context.Context, sagaID string) ([]saga.CompensationAction, error)

	// ListByStatusOlderThan returns sagas that entered the given status
	// before the cutoff, oldest first. Used for stuck-saga detection.
	ListByStatusOlderThan(ctx context.Context, status saga.Status, cutoff time.Time) ([]*saga.Saga, error)

	// DeleteTerminalOlderThan removes sagas in terminal status last updated
	// before the cutoff, returning the number removed.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
