// Package event defines the wire contracts the compensation engine consumes
// and produces on the shared marketplace exchange, plus the strict envelope
// codec guarding the decode boundary.
package event

import (
	"time"

	"github.com/has99an/marketplace-compensation/internal/saga"
)

// Routing keys consumed by the engine.
const (
	TypeInventoryReservationFailed = "inventory.reservation.failed"
	TypeSellerStatsUpdateFailed    = "seller.stats.update.failed"
	TypeNotificationFailed         = "notification.failed"

	TypeOrderPaid            = "order.paid"
	TypeReservationStarted   = "inventory.reservation.started"
	TypeReservationConfirmed = "inventory.reservation.confirmed"
	TypeInventoryRestored    = "compensation.inventory.restored"
	TypeSellerStatsReverted  = "compensation.seller-stats.reverted"
)

// Routing keys produced by the engine.
const (
	TypeCompensationRequired   = "compensation.required"
	TypeCompensationCompleted  = "compensation.completed"
	TypeOrderItemStatusChanged = "order.item.status-changed"

	TypeInventoryRestoreCommand  = "compensation.inventory.restore"
	TypeSellerStatsRevertCommand = "compensation.seller-stats.revert"
)

// FailureRoutingKeys are the bindings of the failure queue.
var FailureRoutingKeys = []string{
	TypeInventoryReservationFailed,
	TypeSellerStatsUpdateFailed,
	TypeNotificationFailed,
}

// LifecycleRoutingKeys are the bindings of the lifecycle queue.
var LifecycleRoutingKeys = []string{
	TypeOrderPaid,
	TypeReservationStarted,
	TypeReservationConfirmed,
	TypeInventoryRestored,
	TypeSellerStatsReverted,
}

// InventoryReservationFailed signals a denied stock reservation for one leg.
type InventoryReservationFailed struct {
	SagaID         string `json:"sagaId" validate:"required"`
	LegID          string `json:"legId" validate:"required"`
	BookIdentifier string `json:"bookIdentifier" validate:"required"`
	SellerID       string `json:"sellerId" validate:"required"`
	Quantity       int    `json:"quantity" validate:"gt=0"`
	Reason         string `json:"reason" validate:"required"`
}

// SellerStatsUpdateFailed signals a failed seller statistics update for one leg.
type SellerStatsUpdateFailed struct {
	SagaID   string `json:"sagaId" validate:"required"`
	LegID    string `json:"legId" validate:"required"`
	SellerID string `json:"sellerId" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
}

// NotificationFailed signals an undelivered notification. Informational only:
// it never triggers compensation and never changes saga state.
type NotificationFailed struct {
	SagaID           string `json:"sagaId" validate:"required"`
	SellerID         string `json:"sellerId" validate:"required"`
	NotificationType string `json:"notificationType" validate:"required"`
	Reason           string `json:"reason" validate:"required"`
}

// OrderPaidLeg is one committed (item, seller) pair within a paid order.
type OrderPaidLeg struct {
	OrderItemID    string  `json:"orderItemId" validate:"required"`
	BookIdentifier string  `json:"bookIdentifier" validate:"required"`
	SellerID       string  `json:"sellerId" validate:"required"`
	Quantity       int     `json:"quantity" validate:"gt=0"`
	UnitPrice      float64 `json:"unitPrice" validate:"gte=0"`
}

// OrderPaid announces a checkout commit and opens the saga.
type OrderPaid struct {
	SagaID     string         `json:"sagaId" validate:"required"`
	CustomerID string         `json:"customerId" validate:"required"`
	Legs       []OrderPaidLeg `json:"legs" validate:"required,min=1,dive"`
}

// ReservationStarted marks a leg's reservation attempt as in flight.
type ReservationStarted struct {
	SagaID string `json:"sagaId" validate:"required"`
	LegID  string `json:"legId" validate:"required"`
}

// ReservationConfirmed marks a leg as fulfilled by the warehouse service.
type ReservationConfirmed struct {
	SagaID string `json:"sagaId" validate:"required"`
	LegID  string `json:"legId" validate:"required"`
}

// CompensationAcknowledged is the owning service's confirmation that a
// compensation command has been applied. The resource is implied by the
// routing key and filled in by the consumer, so payloads omit it.
type CompensationAcknowledged struct {
	SagaID   string            `json:"sagaId" validate:"required"`
	LegID    string            `json:"legId" validate:"required"`
	Resource saga.ResourceType `json:"resourceType,omitempty"`
}

// CompensationRequired is published exactly once per saga, the first time a
// compensable leg failure is aggregated.
type CompensationRequired struct {
	SagaID            string   `json:"sagaId"`
	FailedLegIDs      []string `json:"failedLegIds"`
	CompensatedLegIDs []string `json:"compensatedLegIds"`
}

// CompensationCompleted is published once all compensation actions of a saga
// have been acknowledged.
type CompensationCompleted struct {
	SagaID         string    `json:"sagaId"`
	ReversedLegIDs []string  `json:"reversedLegIds"`
	CompletedAt    time.Time `json:"completedAt"`
}

// OrderItemStatusChanged is published for every leg state transition so
// external observers can track order item progress.
type OrderItemStatusChanged struct {
	SagaID    string `json:"sagaId"`
	LegID     string `json:"legId"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

// CompensationCommand is the payload dispatched to the owning service to
// reverse a leg's earlier effect.
type CompensationCommand struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	SagaID         string            `json:"sagaId"`
	LegID          string            `json:"legId"`
	Resource       saga.ResourceType `json:"resourceType"`
	BookIdentifier string            `json:"bookIdentifier"`
	SellerID       string            `json:"sellerId"`
	Quantity       int               `json:"quantity"`
}
