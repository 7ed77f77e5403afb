package sagastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/has99an/marketplace-compensation/internal/saga"
)

// MemoryStore is an in-memory Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	sagas   map[string]*saga.Saga
	actions map[string]*saga.CompensationAction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:   make(map[string]*saga.Saga),
		actions: make(map[string]*saga.CompensationAction),
	}
}

func cloneSaga(s *saga.Saga) *saga.Saga {
	out := *s
	out.Legs = make([]saga.OrderLeg, len(s.Legs))
	copy(out.Legs, s.Legs)
	return &out
}

// CreateSaga inserts the saga unless its id already exists.
func (m *MemoryStore) CreateSaga(ctx context.Context, s *saga.Saga) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sagas[s.ID]; exists {
		return false, nil
	}
	m.sagas[s.ID] = cloneSaga(s)
	return true, nil
}

// GetSaga returns a copy of the stored saga.
func (m *MemoryStore) GetSaga(ctx context.Context, sagaID string) (*saga.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sagas[sagaID]
	if !exists {
		return nil, fmt.Errorf("saga %s: %w", sagaID, saga.ErrNotFound)
	}
	return cloneSaga(s), nil
}

// UpdateSagaStatus transitions the saga, guarding both the expected current
// status and the legality of the transition.
func (m *MemoryStore) UpdateSagaStatus(ctx context.Context, sagaID string, from, to saga.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sagas[sagaID]
	if !exists {
		return fmt.Errorf("saga %s: %w", sagaID, saga.ErrNotFound)
	}
	if s.Status != from {
		return fmt.Errorf("saga %s is %s, expected %s: %w", sagaID, s.Status, from, saga.ErrStateConflict)
	}
	if err := saga.ValidateTransition(from, to); err != nil {
		return err
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateLegStatus transitions a leg with the same double guard.
func (m *MemoryStore) UpdateLegStatus(ctx context.Context, sagaID, legID string, from, to saga.LegStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sagas[sagaID]
	if !exists {
		return fmt.Errorf("saga %s: %w", sagaID, saga.ErrNotFound)
	}
	leg, err := s.Leg(legID)
	if err != nil {
		return err
	}
	if leg.Status != from {
		return fmt.Errorf("leg %s is %s, expected %s: %w", legID, leg.Status, from, saga.ErrStateConflict)
	}
	if err := saga.ValidateLegTransition(from, to); err != nil {
		return err
	}
	leg.Status = to
	if reason != "" {
		leg.FailureReason = reason
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordAction stores the action unless its idempotency key was seen before.
func (m *MemoryStore) RecordAction(ctx context.Context, action saga.CompensationAction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := action.IdempotencyKey()
	if _, exists := m.actions[key]; exists {
		return false, nil
	}
	stored := action
	m.actions[key] = &stored
	return true, nil
}

// MarkActionAcked flags the action as acknowledged and reports whether a
// recorded action matched.
func (m *MemoryStore) MarkActionAcked(ctx context.Context, sagaID, legID string, resource saga.ResourceType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := saga.CompensationAction{SagaID: sagaID, LegID: legID, Resource: resource}.IdempotencyKey()
	action, exists := m.actions[key]
	if !exists {
		return false, nil
	}
	action.Acked = true
	return true, nil
}

// PendingActions lists unacked actions for the saga.
func (m *MemoryStore) PendingActions(ctx context.Context, sagaID string) ([]saga.CompensationAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []saga.CompensationAction
	for _, action := range m.actions {
		if action.SagaID == sagaID && !action.Acked {
			pending = append(pending, *action)
		}
	}
	return pending, nil
}

// ListByStatusOlderThan returns sagas in the given status last updated
// before the cutoff.
func (m *MemoryStore) ListByStatusOlderThan(ctx context.Context, status saga.Status, cutoff time.Time) ([]*saga.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*saga.Saga
	for _, s := range m.sagas {
		if s.Status == status && s.UpdatedAt.Before(cutoff) {
			out = append(out, cloneSaga(s))
		}
	}
	return out, nil
}

// DeleteTerminalOlderThan removes terminal sagas past the retention window.
func (m *MemoryStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, s := range m.sagas {
		if s.Status.IsTerminal() && s.UpdatedAt.Before(cutoff) {
			delete(m.sagas, id)
			for key, action := range m.actions {
				if action.SagaID == id {
					delete(m.actions, key)
				}
			}
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
