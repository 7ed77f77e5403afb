package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/has99an/marketplace-compensation/internal/dispatch"
	"github.com/has99an/marketplace-compensation/internal/event"
	"github.com/has99an/marketplace-compensation/internal/metrics"
	"github.com/has99an/marketplace-compensation/internal/retry"
	"github.com/has99an/marketplace-compensation/internal/saga"
	"github.com/has99an/marketplace-compensation/internal/sagastore"
)

type capturedPublish struct {
	RoutingKey string
	Envelope   *event.Envelope
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
	failKey   string
	failures  int
}

// failNext makes the next n publishes under routingKey fail.
func (f *fakePublisher) failNext(routingKey string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKey = routingKey
	f.failures = n
}

func (f *fakePublisher) Publish(ctx context.Context, routingKey string, env *event.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 && routingKey == f.failKey {
		f.failures--
		return errors.New("channel closed")
	}
	f.published = append(f.published, capturedPublish{RoutingKey: routingKey, Envelope: env})
	return nil
}

func (f *fakePublisher) byKey(routingKey string) []capturedPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedPublish
	for _, p := range f.published {
		if p.RoutingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

type harness struct {
	store        *sagastore.MemoryStore
	publisher    *fakePublisher
	orchestrator *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	store := sagastore.NewMemoryStore()
	publisher := &fakePublisher{}
	exec := &retry.Executor{
		Policy: retry.DefaultPolicy(),
		Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	}
	collector := metrics.NewCollector("test")
	coordinator := dispatch.NewCoordinator(
		dispatch.NewMemoryLedger(),
		exec,
		collector,
		dispatch.NewInventoryRestoreDispatcher(publisher),
		dispatch.NewSellerStatsRevertDispatcher(publisher),
	)

	o := New(store, publisher, coordinator, collector,
		append([]Option{WithRetryExecutor(exec)}, opts...)...)
	t.Cleanup(o.Close)

	return &harness{store: store, publisher: publisher, orchestrator: o}
}

func paidOrder() event.OrderPaid {
	return event.OrderPaid{
		SagaID:     "saga-1",
		CustomerID: "customer-1",
		Legs: []event.OrderPaidLeg{
			{OrderItemID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 2, UnitPrice: 9.5},
			{OrderItemID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, UnitPrice: 4.0},
			{OrderItemID: "leg-3", BookIdentifier: "isbn-3", SellerID: "seller-3", Quantity: 3, UnitPrice: 2.5},
		},
	}
}

// fulfill drives a leg through Processing to Fulfilled.
func (h *harness) fulfill(t *testing.T, sagaID, legID string) {
	t.Helper()
	ctx := context.Background()
	if err := h.orchestrator.HandleReservationStarted(ctx, event.ReservationStarted{SagaID: sagaID, LegID: legID}); err != nil {
		t.Fatalf("HandleReservationStarted %s: %v", legID, err)
	}
	if err := h.orchestrator.HandleReservationConfirmed(ctx, event.ReservationConfirmed{SagaID: sagaID, LegID: legID}); err != nil {
		t.Fatalf("HandleReservationConfirmed %s: %v", legID, err)
	}
}

func (h *harness) sagaStatus(t *testing.T, sagaID string) saga.Status {
	t.Helper()
	sg, err := h.store.GetSaga(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	return sg.Status
}

func (h *harness) legStatus(t *testing.T, sagaID, legID string) saga.LegStatus {
	t.Helper()
	sg, err := h.store.GetSaga(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	leg, err := sg.Leg(legID)
	if err != nil {
		t.Fatalf("Leg: %v", err)
	}
	return leg.Status
}

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	for _, legID := range []string{"leg-1", "leg-2", "leg-3"} {
		h.fulfill(t, "saga-1", legID)
	}

	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusCompleted {
		t.Fatalf("expected completed saga, got %s", got)
	}
	if got := h.publisher.byKey(event.TypeCompensationRequired); len(got) != 0 {
		t.Fatalf("no compensation expected on the happy path, got %d", len(got))
	}
	// Two transitions per leg.
	if got := h.publisher.byKey(event.TypeOrderItemStatusChanged); len(got) != 6 {
		t.Fatalf("expected 6 status change events, got %d", len(got))
	}
}

func TestOrchestrator_RedeliveredOrderPaidIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid redelivery: %v", err)
	}
	if got := h.legStatus(t, "saga-1", "leg-1"); got != saga.LegFulfilled {
		t.Fatalf("redelivered paid event reset leg to %s", got)
	}
}

func TestOrchestrator_FailureCompensatesFulfilledSiblingsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")
	h.fulfill(t, "saga-1", "leg-2")
	// leg-3 stays pending and fails.

	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-3", BookIdentifier: "isbn-3", SellerID: "seller-3", Quantity: 3, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusCompensationRequired {
		t.Fatalf("expected compensation_required, got %s", got)
	}
	if got := h.legStatus(t, "saga-1", "leg-3"); got != saga.LegFailed {
		t.Fatalf("expected failed leg, got %s", got)
	}

	required := h.publisher.byKey(event.TypeCompensationRequired)
	if len(required) != 1 {
		t.Fatalf("expected exactly 1 compensation.required, got %d", len(required))
	}
	var announced event.CompensationRequired
	if err := event.DecodePayload(required[0].Envelope, &announced); err != nil {
		t.Fatalf("decode compensation.required: %v", err)
	}
	if len(announced.CompensatedLegIDs) != 2 {
		t.Fatalf("expected 2 compensated legs, got %v", announced.CompensatedLegIDs)
	}
	if len(announced.FailedLegIDs) != 1 || announced.FailedLegIDs[0] != "leg-3" {
		t.Fatalf("unexpected failed legs: %v", announced.FailedLegIDs)
	}

	// One inventory restore and one stats revert per fulfilled leg, and
	// nothing for the failed leg.
	restores := h.publisher.byKey(event.TypeInventoryRestoreCommand)
	reverts := h.publisher.byKey(event.TypeSellerStatsRevertCommand)
	if len(restores) != 2 || len(reverts) != 2 {
		t.Fatalf("expected 2 restores and 2 reverts, got %d and %d", len(restores), len(reverts))
	}
	for _, p := range restores {
		var cmd event.CompensationCommand
		if err := event.DecodePayload(p.Envelope, &cmd); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		if cmd.LegID == "leg-3" {
			t.Fatal("failed leg must never be compensated")
		}
	}
}

func TestOrchestrator_DuplicateFailureDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")

	failed := event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, Reason: "out of stock",
	}
	for i := 0; i < 3; i++ {
		if err := h.orchestrator.HandleInventoryReservationFailed(ctx, failed); err != nil {
			t.Fatalf("HandleInventoryReservationFailed %d: %v", i, err)
		}
	}

	if got := h.publisher.byKey(event.TypeCompensationRequired); len(got) != 1 {
		t.Fatalf("expected 1 compensation.required, got %d", len(got))
	}
	if got := h.publisher.byKey(event.TypeInventoryRestoreCommand); len(got) != 1 {
		t.Fatalf("expected 1 restore command, got %d", len(got))
	}
}

func TestOrchestrator_NoCompensationWithoutPriorSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}

	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 2, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusFailed {
		t.Fatalf("expected failed saga, got %s", got)
	}
	if got := h.publisher.byKey(event.TypeInventoryRestoreCommand); len(got) != 0 {
		t.Fatalf("no commands expected with zero fulfilled legs, got %d", len(got))
	}
	if got := h.publisher.byKey(event.TypeSellerStatsRevertCommand); len(got) != 0 {
		t.Fatalf("no commands expected with zero fulfilled legs, got %d", len(got))
	}
}

func TestOrchestrator_StatsFailureOnFulfilledLegJoinsCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")
	h.fulfill(t, "saga-1", "leg-2")

	err := h.orchestrator.HandleSellerStatsUpdateFailed(ctx, event.SellerStatsUpdateFailed{
		SagaID: "saga-1", LegID: "leg-1", SellerID: "seller-1", Reason: "stats service down",
	})
	if err != nil {
		t.Fatalf("HandleSellerStatsUpdateFailed: %v", err)
	}

	// The leg's reservation succeeded, so it stays Fulfilled and its
	// inventory is reversed together with the other fulfilled leg.
	if got := h.legStatus(t, "saga-1", "leg-1"); got != saga.LegFulfilled {
		t.Fatalf("expected fulfilled leg, got %s", got)
	}
	restores := h.publisher.byKey(event.TypeInventoryRestoreCommand)
	if len(restores) != 2 {
		t.Fatalf("expected 2 restore commands, got %d", len(restores))
	}
}

func TestOrchestrator_NotificationFailureChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")

	err := h.orchestrator.HandleNotificationFailed(ctx, event.NotificationFailed{
		SagaID: "saga-1", SellerID: "seller-1", NotificationType: "order_confirmation", Reason: "smtp timeout",
	})
	if err != nil {
		t.Fatalf("HandleNotificationFailed: %v", err)
	}

	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusInProgress {
		t.Fatalf("notification failure must not move the saga, got %s", got)
	}
	if got := h.publisher.byKey(event.TypeCompensationRequired); len(got) != 0 {
		t.Fatalf("notification failure must not trigger compensation, got %d", len(got))
	}
}

func TestOrchestrator_AcksDriveSagaToCompensated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")
	h.fulfill(t, "saga-1", "leg-2")

	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-3", BookIdentifier: "isbn-3", SellerID: "seller-3", Quantity: 3, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	ack := func(legID string, resource saga.ResourceType) {
		t.Helper()
		err := h.orchestrator.HandleCompensationAck(ctx, event.CompensationAcknowledged{
			SagaID: "saga-1", LegID: legID, Resource: resource,
		})
		if err != nil {
			t.Fatalf("HandleCompensationAck %s/%s: %v", legID, resource, err)
		}
	}

	ack("leg-1", saga.ResourceInventoryReservation)
	if got := h.legStatus(t, "saga-1", "leg-1"); got != saga.LegFulfilled {
		t.Fatalf("leg must stay fulfilled until all its actions are acked, got %s", got)
	}

	ack("leg-1", saga.ResourceSellerStatsUpdate)
	if got := h.legStatus(t, "saga-1", "leg-1"); got != saga.LegCompensated {
		t.Fatalf("expected compensated leg, got %s", got)
	}
	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusCompensationRequired {
		t.Fatalf("saga must wait for remaining acks, got %s", got)
	}

	ack("leg-2", saga.ResourceInventoryReservation)
	ack("leg-2", saga.ResourceSellerStatsUpdate)

	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusCompensated {
		t.Fatalf("expected compensated saga, got %s", got)
	}

	completed := h.publisher.byKey(event.TypeCompensationCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected exactly 1 compensation.completed, got %d", len(completed))
	}
	var payload event.CompensationCompleted
	if err := event.DecodePayload(completed[0].Envelope, &payload); err != nil {
		t.Fatalf("decode compensation.completed: %v", err)
	}
	if len(payload.ReversedLegIDs) != 2 {
		t.Fatalf("expected 2 reversed legs, got %v", payload.ReversedLegIDs)
	}

	// Redelivered ack after the cycle closed is a no-op.
	ack("leg-2", saga.ResourceSellerStatsUpdate)
	if got := h.publisher.byKey(event.TypeCompensationCompleted); len(got) != 1 {
		t.Fatalf("redelivered ack republished completion, got %d", len(got))
	}
}

func TestOrchestrator_AckBeforeFlushIsRefused(t *testing.T) {
	h := newHarness(t, WithAggregationWindow(time.Hour))
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")

	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	// The aggregation window is still open, so no action has been recorded
	// and no command dispatched. An ack arriving now matches nothing.
	err = h.orchestrator.HandleCompensationAck(ctx, event.CompensationAcknowledged{
		SagaID: "saga-1", LegID: "leg-1", Resource: saga.ResourceInventoryReservation,
	})
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an ack with no recorded action, got %v", err)
	}

	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusCompensationRequired {
		t.Fatalf("spurious ack must not close the cycle, got %s", got)
	}
	if got := h.legStatus(t, "saga-1", "leg-1"); got != saga.LegFulfilled {
		t.Fatalf("spurious ack must not compensate the leg, got %s", got)
	}
	if got := h.publisher.byKey(event.TypeCompensationCompleted); len(got) != 0 {
		t.Fatalf("expected no compensation.completed, got %d", len(got))
	}
}

func TestOrchestrator_ConfirmationAfterFlushJoinsCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")
	if err := h.orchestrator.HandleReservationStarted(ctx, event.ReservationStarted{SagaID: "saga-1", LegID: "leg-2"}); err != nil {
		t.Fatalf("HandleReservationStarted: %v", err)
	}

	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-3", BookIdentifier: "isbn-3", SellerID: "seller-3", Quantity: 3, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}
	if got := h.publisher.byKey(event.TypeInventoryRestoreCommand); len(got) != 1 {
		t.Fatalf("expected 1 restore command at flush, got %d", len(got))
	}

	// leg-2's confirmation lost the race against the flush. Its work
	// succeeded, so it must join the cycle rather than escape the rollback.
	if err := h.orchestrator.HandleReservationConfirmed(ctx, event.ReservationConfirmed{SagaID: "saga-1", LegID: "leg-2"}); err != nil {
		t.Fatalf("HandleReservationConfirmed: %v", err)
	}
	if got := h.publisher.byKey(event.TypeInventoryRestoreCommand); len(got) != 2 {
		t.Fatalf("expected the late leg's restore command, got %d commands", len(got))
	}
	if got := h.publisher.byKey(event.TypeSellerStatsRevertCommand); len(got) != 2 {
		t.Fatalf("expected the late leg's revert command, got %d commands", len(got))
	}

	for _, legID := range []string{"leg-1", "leg-2"} {
		for _, resource := range []saga.ResourceType{saga.ResourceInventoryReservation, saga.ResourceSellerStatsUpdate} {
			err := h.orchestrator.HandleCompensationAck(ctx, event.CompensationAcknowledged{
				SagaID: "saga-1", LegID: legID, Resource: resource,
			})
			if err != nil {
				t.Fatalf("HandleCompensationAck %s/%s: %v", legID, resource, err)
			}
		}
	}

	if got := h.legStatus(t, "saga-1", "leg-2"); got != saga.LegCompensated {
		t.Fatalf("late fulfilled leg must end compensated, got %s", got)
	}
	if got := h.sagaStatus(t, "saga-1"); got != saga.StatusCompensated {
		t.Fatalf("expected compensated saga, got %s", got)
	}
}

func TestOrchestrator_TerminalPublishRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")

	h.publisher.failNext(event.TypeCompensationRequired, 1)
	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	if got := h.publisher.byKey(event.TypeCompensationRequired); len(got) != 1 {
		t.Fatalf("expected compensation.required to survive one failed publish, got %d", len(got))
	}
}

func TestOrchestrator_AggregationWindowBatchesSiblingFailures(t *testing.T) {
	h := newHarness(t, WithAggregationWindow(30*time.Millisecond))
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")

	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}
	err = h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-3", BookIdentifier: "isbn-3", SellerID: "seller-3", Quantity: 3, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	// Nothing dispatched before the window elapses.
	if got := h.publisher.byKey(event.TypeInventoryRestoreCommand); len(got) != 0 {
		t.Fatalf("commands dispatched before the window elapsed: %d", len(got))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(h.publisher.byKey(event.TypeCompensationRequired)) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("aggregation window never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	required := h.publisher.byKey(event.TypeCompensationRequired)
	if len(required) != 1 {
		t.Fatalf("expected 1 compensation.required, got %d", len(required))
	}
	var announced event.CompensationRequired
	if err := event.DecodePayload(required[0].Envelope, &announced); err != nil {
		t.Fatalf("decode compensation.required: %v", err)
	}
	if len(announced.FailedLegIDs) != 2 {
		t.Fatalf("both failures must join one cycle, got %v", announced.FailedLegIDs)
	}
}

func TestOrchestrator_FailureBeforePaidOpensPlaceholderSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "early", LegID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 1, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	if got := h.legStatus(t, "early", "leg-1"); got != saga.LegFailed {
		t.Fatalf("expected seeded leg failed, got %s", got)
	}
	// The placeholder holds only the failing leg, so there is nothing to
	// reverse and the saga settles as failed.
	if got := h.sagaStatus(t, "early"); got != saga.StatusFailed {
		t.Fatalf("expected saga failed, got %s", got)
	}
	if commands := h.publisher.byKey(event.TypeInventoryRestoreCommand); len(commands) != 0 {
		t.Fatalf("expected no restore commands, got %d", len(commands))
	}

	// The paid event arriving late is absorbed as a redelivery.
	late := event.OrderPaid{
		SagaID:     "early",
		CustomerID: "customer-1",
		Legs: []event.OrderPaidLeg{
			{OrderItemID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 1, UnitPrice: 9.5},
		},
	}
	if err := h.orchestrator.HandleOrderPaid(ctx, late); err != nil {
		t.Fatalf("HandleOrderPaid after failure: %v", err)
	}
	if got := h.sagaStatus(t, "early"); got != saga.StatusFailed {
		t.Fatalf("late paid event must not revive the saga, got %s", got)
	}
}

func TestStuckMonitor_RedispatchesPendingActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	h.fulfill(t, "saga-1", "leg-1")
	err := h.orchestrator.HandleInventoryReservationFailed(ctx, event.InventoryReservationFailed{
		SagaID: "saga-1", LegID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, Reason: "out of stock",
	})
	if err != nil {
		t.Fatalf("HandleInventoryReservationFailed: %v", err)
	}

	before := len(h.publisher.byKey(event.TypeInventoryRestoreCommand))

	monitor := NewStuckMonitor(h.store, h.orchestrator, metrics.NewCollector("monitor"), 0, time.Hour)
	monitor.scan(ctx)

	// The ledger already holds the claims, so a rescan of the stuck saga
	// must not duplicate any command.
	after := len(h.publisher.byKey(event.TypeInventoryRestoreCommand))
	if after != before {
		t.Fatalf("stuck rescan duplicated commands: %d -> %d", before, after)
	}
	if got := h.publisher.byKey(event.TypeCompensationRequired); len(got) != 1 {
		t.Fatalf("stuck rescan republished compensation.required: %d", len(got))
	}
}

func TestRetentionSweeper_RemovesTerminalSagas(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orchestrator.HandleOrderPaid(ctx, paidOrder()); err != nil {
		t.Fatalf("HandleOrderPaid: %v", err)
	}
	for _, legID := range []string{"leg-1", "leg-2", "leg-3"} {
		h.fulfill(t, "saga-1", legID)
	}

	sweeper := NewRetentionSweeper(h.store, metrics.NewCollector("sweeper"), -time.Minute, time.Hour)
	sweeper.sweep(ctx)

	if _, err := h.store.GetSaga(ctx, "saga-1"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected swept saga, got %v", err)
	}
}
