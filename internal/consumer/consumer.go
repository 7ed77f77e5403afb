// Package consumer bridges the broker to the orchestrator: it declares the
// engine's topology, decodes deliveries at the edge, and maps handler errors
// to ack, in-process retry, or dead-lettering. The broker never redelivers on
// failure; retries happen here and a message that cannot be processed is
// rejected without requeue exactly once.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudresty/emit"
	"github.com/cloudresty/go-rabbitmq"

	"github.com/has99an/marketplace-compensation/internal/config"
	"github.com/has99an/marketplace-compensation/internal/dispatch"
	"github.com/has99an/marketplace-compensation/internal/event"
	"github.com/has99an/marketplace-compensation/internal/metrics"
	"github.com/has99an/marketplace-compensation/internal/orchestrator"
	"github.com/has99an/marketplace-compensation/internal/retry"
	"github.com/has99an/marketplace-compensation/internal/saga"
)

// Handlers adapts consumed deliveries to orchestrator calls.
type Handlers struct {
	orchestrator *orchestrator.Orchestrator
	exec         *retry.Executor
	collector    *metrics.Collector
}

// NewHandlers creates the delivery handlers.
func NewHandlers(o *orchestrator.Orchestrator, exec *retry.Executor, collector *metrics.Collector) *Handlers {
	return &Handlers{orchestrator: o, exec: exec, collector: collector}
}

// Handler returns the message handler for one queue. The queue name only
// labels metrics; routing is by event type.
func (h *Handlers) Handler(queue string) rabbitmq.MessageHandler {
	return func(ctx context.Context, delivery *rabbitmq.Delivery) error {
		env, err := event.DecodeEnvelope(delivery.Body)
		if err != nil {
			return h.reject(queue, "decode", err)
		}

		start := time.Now()
		err = h.exec.Do(ctx, func() error {
			return h.dispatchEvent(ctx, env)
		})
		h.collector.HandleLatency.WithLabelValues(env.EventType).Observe(time.Since(start).Seconds())

		if err != nil {
			return h.reject(queue, reasonOf(err), err)
		}
		h.collector.EventsConsumed.WithLabelValues(queue, "ok").Inc()
		return nil
	}
}

// dispatchEvent decodes the payload for the envelope's type and invokes the
// matching orchestrator operation, classifying the outcome for the retry
// executor.
func (h *Handlers) dispatchEvent(ctx context.Context, env *event.Envelope) error {
	switch env.EventType {
	case event.TypeOrderPaid:
		var ev event.OrderPaid
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		return classify(h.orchestrator.HandleOrderPaid(ctx, ev))

	case event.TypeReservationStarted:
		var ev event.ReservationStarted
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		return classify(h.orchestrator.HandleReservationStarted(ctx, ev))

	case event.TypeReservationConfirmed:
		var ev event.ReservationConfirmed
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		return classify(h.orchestrator.HandleReservationConfirmed(ctx, ev))

	case event.TypeInventoryReservationFailed:
		var ev event.InventoryReservationFailed
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		return classify(h.orchestrator.HandleInventoryReservationFailed(ctx, ev))

	case event.TypeSellerStatsUpdateFailed:
		var ev event.SellerStatsUpdateFailed
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		return classify(h.orchestrator.HandleSellerStatsUpdateFailed(ctx, ev))

	case event.TypeNotificationFailed:
		var ev event.NotificationFailed
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		return classify(h.orchestrator.HandleNotificationFailed(ctx, ev))

	case event.TypeInventoryRestored:
		var ev event.CompensationAcknowledged
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		ev.Resource = saga.ResourceInventoryReservation
		return classify(h.orchestrator.HandleCompensationAck(ctx, ev))

	case event.TypeSellerStatsReverted:
		var ev event.CompensationAcknowledged
		if err := event.DecodePayload(env, &ev); err != nil {
			return retry.Permanent(err)
		}
		ev.Resource = saga.ResourceSellerStatsUpdate
		return classify(h.orchestrator.HandleCompensationAck(ctx, ev))

	default:
		return retry.Permanent(fmt.Errorf("unhandled event type %s", env.EventType))
	}
}

// classify tags orchestrator errors for the retry executor. State conflicts,
// unknown sagas, and decode failures cannot be fixed by retrying; everything
// else (store, broker) is assumed transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if retry.IsTransient(err) {
		return err
	}
	if errors.Is(err, saga.ErrStateConflict) ||
		errors.Is(err, saga.ErrNotFound) ||
		errors.Is(err, saga.ErrLegNotFound) ||
		errors.Is(err, event.ErrDecode) ||
		errors.Is(err, dispatch.ErrNoDispatcher) {
		return retry.Permanent(err)
	}
	return retry.Transient(err)
}

// reject dead-letters the delivery: rejected without requeue, the broker
// routes it to the DLX and never redelivers it here.
func (h *Handlers) reject(queue, reason string, err error) error {
	h.collector.EventsConsumed.WithLabelValues(queue, "deadlettered").Inc()
	h.collector.Deadlettered.WithLabelValues(queue, reason).Inc()
	emit.Error.StructuredFields("Dead-lettering message",
		emit.ZString("queue", queue),
		emit.ZString("reason", reason),
		emit.ZString("error", err.Error()))
	return &rabbitmq.RejectError{Requeue: false, Cause: err}
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, event.ErrDecode):
		return "decode"
	case errors.Is(err, saga.ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, saga.ErrNotFound), errors.Is(err, saga.ErrLegNotFound):
		return "not_found"
	default:
		return "handler"
	}
}

// Run consumes both work queues until the context ends. Each queue gets its
// own consumer channel so a slow failure burst cannot starve lifecycle
// progress.
func Run(ctx context.Context, client *rabbitmq.Client, cfg *config.Config, handlers *Handlers) error {
	queues := []string{cfg.FailureQueue, cfg.LifecycleQueue}
	errCh := make(chan error, len(queues))

	for _, queue := range queues {
		consumer, err := client.NewConsumer(
			rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
			rabbitmq.WithConcurrency(cfg.Concurrency),
			rabbitmq.WithConsumerTag(cfg.ServiceName+"."+queue),
		)
		if err != nil {
			return fmt.Errorf("create consumer for %s: %w", queue, err)
		}

		go func(queue string, consumer *rabbitmq.Consumer) {
			emit.Info.StructuredFields("Consuming queue",
				emit.ZString("queue", queue),
				emit.ZInt("prefetch", cfg.PrefetchCount),
				emit.ZInt("concurrency", cfg.Concurrency))
			errCh <- consumer.Consume(ctx, queue, handlers.Handler(queue))
		}(queue, consumer)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
