// Package dispatch turns recorded compensation actions into commands on the
// marketplace exchange, with an idempotency ledger guaranteeing each action
// is dispatched at most once.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudresty/emit"

	"github.com/has99an/marketplace-compensation/internal/event"
	"github.com/has99an/marketplace-compensation/internal/metrics"
	"github.com/has99an/marketplace-compensation/internal/retry"
	"github.com/has99an/marketplace-compensation/internal/saga"
)

// ErrNoDispatcher is returned for a resource type no dispatcher handles.
var ErrNoDispatcher = errors.New("no dispatcher for resource")

// Dispatcher sends the compensation command for one resource type.
type Dispatcher interface {
	Resource() saga.ResourceType
	Dispatch(ctx context.Context, action saga.CompensationAction) error
}

func command(action saga.CompensationAction) event.CompensationCommand {
	return event.CompensationCommand{
		IdempotencyKey: action.IdempotencyKey(),
		SagaID:         action.SagaID,
		LegID:          action.LegID,
		Resource:       action.Resource,
		BookIdentifier: action.BookIdentifier,
		SellerID:       action.SellerID,
		Quantity:       action.Quantity,
	}
}

// InventoryRestoreDispatcher commands the warehouse service to return
// reserved stock to the sellable pool.
type InventoryRestoreDispatcher struct {
	publisher event.Publisher
}

func NewInventoryRestoreDispatcher(publisher event.Publisher) *InventoryRestoreDispatcher {
	return &InventoryRestoreDispatcher{publisher: publisher}
}

func (d *InventoryRestoreDispatcher) Resource() saga.ResourceType {
	return saga.ResourceInventoryReservation
}

func (d *InventoryRestoreDispatcher) Dispatch(ctx context.Context, action saga.CompensationAction) error {
	env, err := event.NewEnvelope(event.TypeInventoryRestoreCommand, command(action))
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, event.TypeInventoryRestoreCommand, env); err != nil {
		return retry.Transient(err)
	}
	return nil
}

// SellerStatsRevertDispatcher commands the seller service to roll back the
// sales statistics recorded for a fulfilled leg.
type SellerStatsRevertDispatcher struct {
	publisher event.Publisher
}

func NewSellerStatsRevertDispatcher(publisher event.Publisher) *SellerStatsRevertDispatcher {
	return &SellerStatsRevertDispatcher{publisher: publisher}
}

func (d *SellerStatsRevertDispatcher) Resource() saga.ResourceType {
	return saga.ResourceSellerStatsUpdate
}

func (d *SellerStatsRevertDispatcher) Dispatch(ctx context.Context, action saga.CompensationAction) error {
	env, err := event.NewEnvelope(event.TypeSellerStatsRevertCommand, command(action))
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, event.TypeSellerStatsRevertCommand, env); err != nil {
		return retry.Transient(err)
	}
	return nil
}

// Coordinator routes actions to their resource dispatcher, guarded by the
// ledger and retried under the engine's backoff policy.
type Coordinator struct {
	ledger      Ledger
	exec        *retry.Executor
	collector   *metrics.Collector
	dispatchers map[saga.ResourceType]Dispatcher
}

// NewCoordinator wires a coordinator over the given dispatchers.
func NewCoordinator(ledger Ledger, exec *retry.Executor, collector *metrics.Collector, dispatchers ...Dispatcher) *Coordinator {
	byResource := make(map[saga.ResourceType]Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		byResource[d.Resource()] = d
	}
	return &Coordinator{
		ledger:      ledger,
		exec:        exec,
		collector:   collector,
		dispatchers: byResource,
	}
}

// Dispatch sends the action's compensation command at most once. A key
// already claimed in the ledger is skipped silently; a publish failure after
// retries releases the claim so a later attempt can try again.
func (c *Coordinator) Dispatch(ctx context.Context, action saga.CompensationAction) error {
	dispatcher, ok := c.dispatchers[action.Resource]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDispatcher, action.Resource)
	}

	key := action.IdempotencyKey()
	claimed, err := c.ledger.Reserve(ctx, key)
	if err != nil {
		return retry.Transient(fmt.Errorf("ledger reserve: %w", err))
	}
	if !claimed {
		c.collector.Actions.WithLabelValues(string(action.Resource), "duplicate").Inc()
		emit.Debug.StructuredFields("Compensation action already dispatched",
			emit.ZString("idempotency_key", key))
		return nil
	}

	if err := c.exec.Do(ctx, func() error { return dispatcher.Dispatch(ctx, action) }); err != nil {
		if releaseErr := c.ledger.Release(ctx, key); releaseErr != nil {
			emit.Error.StructuredFields("Failed to release dispatch claim",
				emit.ZString("idempotency_key", key),
				emit.ZString("error", releaseErr.Error()))
		}
		c.collector.Actions.WithLabelValues(string(action.Resource), "error").Inc()
		return fmt.Errorf("dispatch %s: %w", key, err)
	}

	c.collector.Actions.WithLabelValues(string(action.Resource), "dispatched").Inc()
	emit.Info.StructuredFields("Compensation command dispatched",
		emit.ZString("saga_id", action.SagaID),
		emit.ZString("leg_id", action.LegID),
		emit.ZString("resource", string(action.Resource)))
	return nil
}
