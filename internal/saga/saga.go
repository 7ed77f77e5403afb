// Package saga holds the domain model of the compensation engine: the saga
// record tracking one paid order, its per-seller order legs, and the state
// machines both move through. All decision logic that does not need a store
// or a broker lives here so it can be tested in isolation.
package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/cloudresty/ulid"
)

// Status represents the lifecycle state of a saga.
type Status string

const (
	StatusInProgress           Status = "in_progress"
	StatusCompleted            Status = "completed"
	StatusCompensationRequired Status = "compensation_required"
	StatusCompensated          Status = "compensated"
	StatusFailed               Status = "failed"
)

// IsTerminal reports whether the saga status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// LegStatus represents the lifecycle state of a single order leg.
type LegStatus string

const (
	LegPending     LegStatus = "pending"
	LegProcessing  LegStatus = "processing"
	LegFulfilled   LegStatus = "fulfilled"
	LegFailed      LegStatus = "failed"
	LegCompensated LegStatus = "compensated"
)

// ResourceType identifies the failing (and compensable) resource of a leg.
type ResourceType string

const (
	ResourceInventoryReservation ResourceType = "inventory_reservation"
	ResourceSellerStatsUpdate    ResourceType = "seller_stats_update"
	ResourceNotification         ResourceType = "notification"
)

// Compensable reports whether a failure of this resource type triggers
// compensation. Notification delivery is not correctness-critical: its
// failures are logged and suppressed, never compensated.
func (r ResourceType) Compensable() bool {
	return r == ResourceInventoryReservation || r == ResourceSellerStatsUpdate
}

// ErrStateConflict is returned for any leg or saga transition outside the
// legal set. It is fatal for the triggering message: retrying an illegal
// transition cannot change the outcome.
var ErrStateConflict = errors.New("illegal state transition")

// ErrNotFound is returned when a saga or leg does not exist in the store.
var ErrNotFound = errors.New("saga not found")

// ErrLegNotFound is returned when a leg is missing from an existing saga.
var ErrLegNotFound = errors.New("order leg not found")

// Saga is the durable record of one paid order and its per-seller legs.
type Saga struct {
	ID         string     `json:"sagaId"`
	CustomerID string     `json:"customerId"`
	Status     Status     `json:"status"`
	Legs       []OrderLeg `json:"legs"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// OrderLeg is one seller-scoped unit of work within a saga.
type OrderLeg struct {
	ID             string    `json:"orderItemId"`
	BookIdentifier string    `json:"bookIdentifier"`
	SellerID       string    `json:"sellerId"`
	Quantity       int       `json:"quantity"`
	UnitPrice      float64   `json:"unitPrice"`
	Status         LegStatus `json:"status"`
	FailureReason  string    `json:"failureReason,omitempty"`
}

// CompensationAction is one reversal unit targeting an already-fulfilled leg.
// Its idempotency key is (sagaId, legId, resourceType): applying the same
// action twice must be a no-op.
type CompensationAction struct {
	SagaID         string       `json:"sagaId"`
	LegID          string       `json:"legId"`
	Resource       ResourceType `json:"resourceType"`
	BookIdentifier string       `json:"bookIdentifier"`
	SellerID       string       `json:"sellerId"`
	Quantity       int          `json:"quantity"`
	Acked          bool         `json:"acked"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// IdempotencyKey returns the unique key guarding double application.
func (a CompensationAction) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s", a.SagaID, a.LegID, a.Resource)
}

// legTransitions is the closed set of legal leg transitions. Compensated is
// reachable only from Fulfilled: a leg that never succeeded has nothing to
// undo and is marked Failed instead.
var legTransitions = map[LegStatus][]LegStatus{
	LegPending:    {LegProcessing},
	LegProcessing: {LegFulfilled, LegFailed},
	LegFulfilled:  {LegCompensated},
}

// CanTransitionLeg reports whether a leg may move from one status to another.
func CanTransitionLeg(from, to LegStatus) bool {
	for _, next := range legTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateLegTransition returns ErrStateConflict for any transition outside
// the legal set.
func ValidateLegTransition(from, to LegStatus) error {
	if !CanTransitionLeg(from, to) {
		return fmt.Errorf("leg %s -> %s: %w", from, to, ErrStateConflict)
	}
	return nil
}

var sagaTransitions = map[Status][]Status{
	StatusInProgress:           {StatusCompleted, StatusCompensationRequired},
	StatusCompensationRequired: {StatusCompensated, StatusFailed},
}

// CanTransition reports whether a saga may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range sagaTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrStateConflict for any saga transition outside
// the legal set. The CompensationRequired transition is only reachable from
// InProgress, which makes it naturally idempotent: a second compensable
// failure finds the saga already moved and starts no second cycle.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("saga %s -> %s: %w", from, to, ErrStateConflict)
	}
	return nil
}

// New creates a saga in InProgress with all legs Pending.
func New(sagaID, customerID string, legs []OrderLeg) *Saga {
	now := time.Now().UTC()
	s := &Saga{
		ID:         sagaID,
		CustomerID: customerID,
		Status:     StatusInProgress,
		Legs:       make([]OrderLeg, len(legs)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	copy(s.Legs, legs)
	for i := range s.Legs {
		if s.Legs[i].ID == "" {
			if id, err := ulid.New(); err == nil {
				s.Legs[i].ID = id
			}
		}
		s.Legs[i].Status = LegPending
	}
	return s
}

// Leg returns the leg with the given id, or ErrLegNotFound.
func (s *Saga) Leg(legID string) (*OrderLeg, error) {
	for i := range s.Legs {
		if s.Legs[i].ID == legID {
			return &s.Legs[i], nil
		}
	}
	return nil, fmt.Errorf("saga %s leg %s: %w", s.ID, legID, ErrLegNotFound)
}

// FulfilledLegs returns the legs currently in Fulfilled state. This is the
// compensation set computed when a sibling leg fails.
func (s *Saga) FulfilledLegs() []OrderLeg {
	var out []OrderLeg
	for _, leg := range s.Legs {
		if leg.Status == LegFulfilled {
			out = append(out, leg)
		}
	}
	return out
}

// FailedLegs returns the legs currently in Failed state.
func (s *Saga) FailedLegs() []OrderLeg {
	var out []OrderLeg
	for _, leg := range s.Legs {
		if leg.Status == LegFailed {
			out = append(out, leg)
		}
	}
	return out
}

// AllFulfilled reports whether every leg reached Fulfilled.
func (s *Saga) AllFulfilled() bool {
	for _, leg := range s.Legs {
		if leg.Status != LegFulfilled {
			return false
		}
	}
	return len(s.Legs) > 0
}

// ActionsFor builds one CompensationAction per fulfilled leg, carrying the
// payload the owning service needs to reverse its earlier effect. Inventory
// restoration is always required; seller stat reversal rides on the same leg.
func (s *Saga) ActionsFor(legs []OrderLeg, resources []ResourceType) []CompensationAction {
	now := time.Now().UTC()
	actions := make([]CompensationAction, 0, len(legs)*len(resources))
	for _, leg := range legs {
		for _, res := range resources {
			actions = append(actions, CompensationAction{
				SagaID:         s.ID,
				LegID:          leg.ID,
				Resource:       res,
				BookIdentifier: leg.BookIdentifier,
				SellerID:       leg.SellerID,
				Quantity:       leg.Quantity,
				CreatedAt:      now,
			})
		}
	}
	return actions
}
