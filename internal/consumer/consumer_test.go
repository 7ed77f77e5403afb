package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudresty/go-rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/has99an/marketplace-compensation/internal/dispatch"
	"github.com/has99an/marketplace-compensation/internal/event"
	"github.com/has99an/marketplace-compensation/internal/metrics"
	"github.com/has99an/marketplace-compensation/internal/orchestrator"
	"github.com/has99an/marketplace-compensation/internal/retry"
	"github.com/has99an/marketplace-compensation/internal/saga"
	"github.com/has99an/marketplace-compensation/internal/sagastore"
)

type nullPublisher struct{}

func (nullPublisher) Publish(ctx context.Context, routingKey string, env *event.Envelope) error {
	return nil
}

// flakyStore wraps a Store and fails a configurable number of CreateSaga
// calls with a connectivity-style error.
type flakyStore struct {
	sagastore.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) CreateSaga(ctx context.Context, s *saga.Saga) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return false, errors.New("connection reset")
	}
	return f.Store.CreateSaga(ctx, s)
}

func newTestHandlers(t *testing.T, store sagastore.Store) *Handlers {
	t.Helper()

	collector := metrics.NewCollector("test")
	exec := &retry.Executor{
		Policy: retry.DefaultPolicy(),
		Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	}
	coordinator := dispatch.NewCoordinator(
		dispatch.NewMemoryLedger(),
		exec,
		collector,
		dispatch.NewInventoryRestoreDispatcher(nullPublisher{}),
		dispatch.NewSellerStatsRevertDispatcher(nullPublisher{}),
	)
	o := orchestrator.New(store, nullPublisher{}, coordinator, collector,
		orchestrator.WithRetryExecutor(exec))
	t.Cleanup(o.Close)

	return NewHandlers(o, exec, collector)
}

func delivery(t *testing.T, eventType string, payload any) *rabbitmq.Delivery {
	t.Helper()

	env, err := event.NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	body, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return &rabbitmq.Delivery{Delivery: amqp.Delivery{Body: body, RoutingKey: eventType}}
}

func rejectedWithoutRequeue(t *testing.T, err error) {
	t.Helper()

	var rejectErr *rabbitmq.RejectError
	if !errors.As(err, &rejectErr) {
		t.Fatalf("expected RejectError, got %v", err)
	}
	if rejectErr.Requeue {
		t.Fatal("poison messages must never be requeued")
	}
}

func TestHandler(t *testing.T) {
	ctx := context.Background()

	paid := event.OrderPaid{
		SagaID:     "saga-1",
		CustomerID: "customer-1",
		Legs: []event.OrderPaidLeg{
			{OrderItemID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 1, UnitPrice: 5},
		},
	}

	t.Run("valid event is handled and acked", func(t *testing.T) {
		store := sagastore.NewMemoryStore()
		handlers := newTestHandlers(t, store)
		handler := handlers.Handler("compensation.lifecycle")

		if err := handler(ctx, delivery(t, event.TypeOrderPaid, paid)); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if _, err := store.GetSaga(ctx, "saga-1"); err != nil {
			t.Fatalf("saga not opened: %v", err)
		}
	})

	t.Run("malformed body is dead-lettered", func(t *testing.T) {
		handlers := newTestHandlers(t, sagastore.NewMemoryStore())
		handler := handlers.Handler("compensation.failures")

		err := handler(ctx, &rabbitmq.Delivery{Delivery: amqp.Delivery{Body: []byte("not json")}})
		rejectedWithoutRequeue(t, err)
	})

	t.Run("invalid payload is dead-lettered", func(t *testing.T) {
		handlers := newTestHandlers(t, sagastore.NewMemoryStore())
		handler := handlers.Handler("compensation.failures")

		// Quantity zero fails payload validation.
		err := handler(ctx, delivery(t, event.TypeInventoryReservationFailed, event.InventoryReservationFailed{
			SagaID: "saga-1", LegID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 0, Reason: "x",
		}))
		rejectedWithoutRequeue(t, err)
	})

	t.Run("unknown event type is dead-lettered", func(t *testing.T) {
		handlers := newTestHandlers(t, sagastore.NewMemoryStore())
		handler := handlers.Handler("compensation.lifecycle")

		err := handler(ctx, delivery(t, "order.shipped", map[string]string{"sagaId": "saga-1"}))
		rejectedWithoutRequeue(t, err)
	})

	t.Run("ack for unknown saga is dead-lettered", func(t *testing.T) {
		handlers := newTestHandlers(t, sagastore.NewMemoryStore())
		handler := handlers.Handler("compensation.lifecycle")

		err := handler(ctx, delivery(t, event.TypeInventoryRestored, event.CompensationAcknowledged{
			SagaID: "missing", LegID: "leg-1",
		}))
		rejectedWithoutRequeue(t, err)
	})

	t.Run("failure for unknown saga opens a placeholder saga", func(t *testing.T) {
		store := sagastore.NewMemoryStore()
		handlers := newTestHandlers(t, store)
		handler := handlers.Handler("compensation.failures")

		if err := handler(ctx, delivery(t, event.TypeInventoryReservationFailed, event.InventoryReservationFailed{
			SagaID: "missing", LegID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 1, Reason: "out of stock",
		})); err != nil {
			t.Fatalf("handler: %v", err)
		}
		sg, err := store.GetSaga(ctx, "missing")
		if err != nil {
			t.Fatalf("GetSaga: %v", err)
		}
		if sg.Status != saga.StatusFailed {
			t.Fatalf("expected placeholder saga failed, got %s", sg.Status)
		}
	})

	t.Run("transient store failure is retried in process", func(t *testing.T) {
		store := &flakyStore{Store: sagastore.NewMemoryStore(), failures: 2}
		handlers := newTestHandlers(t, store)
		handler := handlers.Handler("compensation.lifecycle")

		if err := handler(ctx, delivery(t, event.TypeOrderPaid, paid)); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if store.calls != 3 {
			t.Fatalf("expected 3 attempts, got %d", store.calls)
		}
	})

	t.Run("exhausted retries dead-letter instead of requeueing", func(t *testing.T) {
		store := &flakyStore{Store: sagastore.NewMemoryStore(), failures: 100}
		handlers := newTestHandlers(t, store)
		handler := handlers.Handler("compensation.lifecycle")

		err := handler(ctx, delivery(t, event.TypeOrderPaid, paid))
		rejectedWithoutRequeue(t, err)
		if want := retry.DefaultMaxAttempts + 1; store.calls != want {
			t.Fatalf("expected %d attempts, got %d", want, store.calls)
		}
	})

	t.Run("compensation ack routes by resource", func(t *testing.T) {
		store := sagastore.NewMemoryStore()
		handlers := newTestHandlers(t, store)
		lifecycle := handlers.Handler("compensation.lifecycle")
		failures := handlers.Handler("compensation.failures")

		twoLegs := event.OrderPaid{
			SagaID:     "saga-2",
			CustomerID: "customer-1",
			Legs: []event.OrderPaidLeg{
				{OrderItemID: "leg-1", BookIdentifier: "isbn-1", SellerID: "seller-1", Quantity: 1, UnitPrice: 5},
				{OrderItemID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, UnitPrice: 5},
			},
		}
		if err := lifecycle(ctx, delivery(t, event.TypeOrderPaid, twoLegs)); err != nil {
			t.Fatalf("order.paid: %v", err)
		}
		if err := lifecycle(ctx, delivery(t, event.TypeReservationStarted, event.ReservationStarted{SagaID: "saga-2", LegID: "leg-1"})); err != nil {
			t.Fatalf("reservation.started: %v", err)
		}
		if err := lifecycle(ctx, delivery(t, event.TypeReservationConfirmed, event.ReservationConfirmed{SagaID: "saga-2", LegID: "leg-1"})); err != nil {
			t.Fatalf("reservation.confirmed: %v", err)
		}
		if err := failures(ctx, delivery(t, event.TypeInventoryReservationFailed, event.InventoryReservationFailed{
			SagaID: "saga-2", LegID: "leg-2", BookIdentifier: "isbn-2", SellerID: "seller-2", Quantity: 1, Reason: "out of stock",
		})); err != nil {
			t.Fatalf("reservation.failed: %v", err)
		}

		ack := event.CompensationAcknowledged{SagaID: "saga-2", LegID: "leg-1", Resource: saga.ResourceInventoryReservation}
		if err := lifecycle(ctx, delivery(t, event.TypeInventoryRestored, ack)); err != nil {
			t.Fatalf("inventory.restored: %v", err)
		}
		ack.Resource = saga.ResourceSellerStatsUpdate
		if err := lifecycle(ctx, delivery(t, event.TypeSellerStatsReverted, ack)); err != nil {
			t.Fatalf("seller-stats.reverted: %v", err)
		}

		sg, err := store.GetSaga(ctx, "saga-2")
		if err != nil {
			t.Fatalf("GetSaga: %v", err)
		}
		if sg.Status != saga.StatusCompensated {
			t.Fatalf("expected compensated saga, got %s", sg.Status)
		}
	})
}
