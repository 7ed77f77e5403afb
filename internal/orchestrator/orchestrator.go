// Package orchestrator drives the saga state machine: it opens sagas from
// paid orders, tracks leg progress, aggregates compensable failures, and
// runs the compensation cycle over the fulfilled siblings of a failed leg.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudresty/emit"

	"github.com/has99an/marketplace-compensation/internal/dispatch"
	"github.com/has99an/marketplace-compensation/internal/event"
	"github.com/has99an/marketplace-compensation/internal/metrics"
	"github.com/has99an/marketplace-compensation/internal/retry"
	"github.com/has99an/marketplace-compensation/internal/saga"
	"github.com/has99an/marketplace-compensation/internal/sagastore"
)

// Orchestrator is the single writer of saga state. All handlers serialize on
// the saga id, so two events for the same saga never interleave while events
// for different sagas process in parallel.
type Orchestrator struct {
	store     sagastore.Store
	publisher event.Publisher
	dispatch  *dispatch.Coordinator
	collector *metrics.Collector
	exec      *retry.Executor

	window time.Duration
	locks  *keyedMutex

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithAggregationWindow sets how long the orchestrator waits after the first
// compensable failure before computing the compensation set, so sibling
// failures arriving close together join the same cycle. Zero flushes
// synchronously.
func WithAggregationWindow(window time.Duration) Option {
	return func(o *Orchestrator) {
		o.window = window
	}
}

// WithRetryExecutor sets the executor used to retry transient failures when
// publishing the once-per-saga compensation events.
func WithRetryExecutor(exec *retry.Executor) Option {
	return func(o *Orchestrator) {
		o.exec = exec
	}
}

// New creates an orchestrator over the given store, publisher, and dispatch
// coordinator.
func New(store sagastore.Store, publisher event.Publisher, coordinator *dispatch.Coordinator, collector *metrics.Collector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		publisher: publisher,
		dispatch:  coordinator,
		collector: collector,
		exec:      retry.NewExecutor(retry.DefaultPolicy()),
		locks:     newKeyedMutex(),
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close cancels pending aggregation timers. Sagas mid-window are picked up
// by the stuck monitor after restart.
func (o *Orchestrator) Close() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()

	o.closed = true
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
}

// HandleOrderPaid opens a saga for a paid order with one pending leg per
// (item, seller) pair. A redelivered event finds the saga and is a no-op.
func (o *Orchestrator) HandleOrderPaid(ctx context.Context, ev event.OrderPaid) error {
	unlock := o.locks.lock(ev.SagaID)
	defer unlock()

	legs := make([]saga.OrderLeg, 0, len(ev.Legs))
	for _, leg := range ev.Legs {
		legs = append(legs, saga.OrderLeg{
			ID:             leg.OrderItemID,
			BookIdentifier: leg.BookIdentifier,
			SellerID:       leg.SellerID,
			Quantity:       leg.Quantity,
			UnitPrice:      leg.UnitPrice,
		})
	}

	created, err := o.store.CreateSaga(ctx, saga.New(ev.SagaID, ev.CustomerID, legs))
	if err != nil {
		return err
	}
	if !created {
		emit.Debug.StructuredFields("Saga already open, ignoring redelivered paid event",
			emit.ZString("saga_id", ev.SagaID))
		return nil
	}

	emit.Info.StructuredFields("Saga opened",
		emit.ZString("saga_id", ev.SagaID),
		emit.ZString("customer_id", ev.CustomerID),
		emit.ZInt("legs", len(legs)))
	return nil
}

// HandleReservationStarted moves a leg from Pending to Processing.
func (o *Orchestrator) HandleReservationStarted(ctx context.Context, ev event.ReservationStarted) error {
	unlock := o.locks.lock(ev.SagaID)
	defer unlock()

	return o.progressLeg(ctx, ev.SagaID, ev.LegID, saga.LegProcessing, "")
}

// HandleReservationConfirmed moves a leg to Fulfilled and completes the saga
// once every leg has been fulfilled. A confirmation that lost the race
// against a sibling's failure fulfills its leg under a saga already in
// compensation; that leg joins the cycle immediately so no successful work
// escapes the rollback.
func (o *Orchestrator) HandleReservationConfirmed(ctx context.Context, ev event.ReservationConfirmed) error {
	unlock := o.locks.lock(ev.SagaID)
	defer unlock()

	if err := o.progressLeg(ctx, ev.SagaID, ev.LegID, saga.LegFulfilled, ""); err != nil {
		return err
	}

	sg, err := o.store.GetSaga(ctx, ev.SagaID)
	if err != nil {
		return err
	}
	switch {
	case sg.Status == saga.StatusInProgress && sg.AllFulfilled():
		if err := o.store.UpdateSagaStatus(ctx, sg.ID, saga.StatusInProgress, saga.StatusCompleted); err != nil {
			return err
		}
		emit.Info.StructuredFields("Saga completed",
			emit.ZString("saga_id", sg.ID),
			emit.ZInt("legs", len(sg.Legs)))

	case sg.Status == saga.StatusCompensationRequired:
		leg, err := sg.Leg(ev.LegID)
		if err != nil {
			return err
		}
		if leg.Status != saga.LegFulfilled {
			return nil
		}
		if _, err := o.recordActions(ctx, sg, []saga.OrderLeg{*leg}); err != nil {
			return err
		}
		emit.Warn.StructuredFields("Late fulfillment joined compensation cycle",
			emit.ZString("saga_id", ev.SagaID),
			emit.ZString("leg_id", ev.LegID))
		return o.dispatchPending(ctx, ev.SagaID)
	}
	return nil
}

// progressLeg advances a leg toward target through any intermediate states,
// publishing a status change per transition. A leg already at or past the
// target is a redelivery and a no-op.
func (o *Orchestrator) progressLeg(ctx context.Context, sagaID, legID string, target saga.LegStatus, reason string) error {
	sg, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	leg, err := sg.Leg(legID)
	if err != nil {
		return err
	}

	current := leg.Status
	for current != target {
		next := target
		if !saga.CanTransitionLeg(current, next) {
			// Pending legs step through Processing on their way to a
			// terminal outcome.
			if current == saga.LegPending && saga.CanTransitionLeg(saga.LegProcessing, target) {
				next = saga.LegProcessing
			} else if legAtOrPast(current, target) {
				return nil
			} else {
				return fmt.Errorf("leg %s is %s, cannot reach %s: %w", legID, current, target, saga.ErrStateConflict)
			}
		}
		if err := o.store.UpdateLegStatus(ctx, sagaID, legID, current, next, reason); err != nil {
			return err
		}
		o.publishLegStatus(ctx, sagaID, legID, current, next)
		current = next
	}
	return nil
}

// legAtOrPast reports whether a leg already moved through the target state,
// which marks the triggering event as a redelivery.
func legAtOrPast(current, target saga.LegStatus) bool {
	switch target {
	case saga.LegProcessing:
		return current == saga.LegFulfilled || current == saga.LegFailed || current == saga.LegCompensated
	case saga.LegFulfilled:
		return current == saga.LegCompensated
	case saga.LegFailed:
		return false
	}
	return false
}

// HandleInventoryReservationFailed marks the leg failed and starts (or joins)
// the saga's compensation cycle.
func (o *Orchestrator) HandleInventoryReservationFailed(ctx context.Context, ev event.InventoryReservationFailed) error {
	seed := saga.OrderLeg{
		ID:             ev.LegID,
		BookIdentifier: ev.BookIdentifier,
		SellerID:       ev.SellerID,
		Quantity:       ev.Quantity,
	}
	return o.handleCompensableFailure(ctx, ev.SagaID, ev.LegID, ev.Reason, seed)
}

// HandleSellerStatsUpdateFailed marks the leg's stats update as failed and
// starts (or joins) the saga's compensation cycle.
func (o *Orchestrator) HandleSellerStatsUpdateFailed(ctx context.Context, ev event.SellerStatsUpdateFailed) error {
	seed := saga.OrderLeg{ID: ev.LegID, SellerID: ev.SellerID}
	return o.handleCompensableFailure(ctx, ev.SagaID, ev.LegID, ev.Reason, seed)
}

// HandleNotificationFailed records the failure in the log and nothing else.
// Notification delivery is not correctness-critical, so its failures never
// change saga state and never trigger compensation.
func (o *Orchestrator) HandleNotificationFailed(ctx context.Context, ev event.NotificationFailed) error {
	emit.Warn.StructuredFields("Notification delivery failed",
		emit.ZString("saga_id", ev.SagaID),
		emit.ZString("seller_id", ev.SellerID),
		emit.ZString("notification_type", ev.NotificationType),
		emit.ZString("reason", ev.Reason))
	return nil
}

func (o *Orchestrator) handleCompensableFailure(ctx context.Context, sagaID, legID, reason string, seed saga.OrderLeg) error {
	unlock := o.locks.lock(sagaID)

	flush, err := func() (bool, error) {
		defer unlock()

		sg, err := o.store.GetSaga(ctx, sagaID)
		if errors.Is(err, saga.ErrNotFound) {
			// The failure outran the paid event. Open a placeholder saga
			// around the failing leg so the failure is not lost; a later
			// paid event for the same id is a no-op.
			if _, err := o.store.CreateSaga(ctx, saga.New(sagaID, "", []saga.OrderLeg{seed})); err != nil {
				return false, err
			}
			emit.Warn.StructuredFields("Failure event arrived before paid event, opened placeholder saga",
				emit.ZString("saga_id", sagaID),
				emit.ZString("leg_id", legID))
			sg, err = o.store.GetSaga(ctx, sagaID)
			if err != nil {
				return false, err
			}
		} else if err != nil {
			return false, err
		}
		if sg.Status.IsTerminal() {
			emit.Debug.StructuredFields("Ignoring failure for terminal saga",
				emit.ZString("saga_id", sagaID),
				emit.ZString("status", string(sg.Status)))
			return false, nil
		}

		leg, err := sg.Leg(legID)
		if err != nil {
			return false, err
		}

		switch leg.Status {
		case saga.LegFailed, saga.LegCompensated:
			// Redelivered failure, already accounted for.
		case saga.LegFulfilled:
			// The leg's primary work succeeded and a follow-up effect
			// failed. The leg stays Fulfilled and joins the compensation
			// set so the earlier effect is reversed.
		default:
			if err := o.progressLeg(ctx, sagaID, legID, saga.LegFailed, reason); err != nil {
				return false, err
			}
		}

		if sg.Status != saga.StatusInProgress {
			// Compensation already required; this failure joins the open
			// aggregation window.
			return false, nil
		}
		if err := o.store.UpdateSagaStatus(ctx, sagaID, saga.StatusInProgress, saga.StatusCompensationRequired); err != nil {
			return false, err
		}
		emit.Warn.StructuredFields("Compensation required",
			emit.ZString("saga_id", sagaID),
			emit.ZString("leg_id", legID),
			emit.ZString("reason", reason))
		return true, nil
	}()
	if err != nil || !flush {
		return err
	}

	if o.window <= 0 {
		return o.Flush(ctx, sagaID)
	}
	o.scheduleFlush(sagaID)
	return nil
}

func (o *Orchestrator) scheduleFlush(sagaID string) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()

	if o.closed {
		return
	}
	if _, pending := o.timers[sagaID]; pending {
		return
	}
	o.timers[sagaID] = time.AfterFunc(o.window, func() {
		o.timerMu.Lock()
		delete(o.timers, sagaID)
		o.timerMu.Unlock()

		if err := o.Flush(context.Background(), sagaID); err != nil {
			emit.Error.StructuredFields("Aggregation flush failed",
				emit.ZString("saga_id", sagaID),
				emit.ZString("error", err.Error()))
		}
	})
}

// Flush computes the compensation set of a saga in CompensationRequired:
// it records one action per fulfilled leg and resource, announces the cycle,
// and dispatches the commands. Flushing a saga in any other status is a
// no-op, and re-flushing records and announces nothing new.
func (o *Orchestrator) Flush(ctx context.Context, sagaID string) error {
	unlock := o.locks.lock(sagaID)
	defer unlock()

	sg, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if sg.Status != saga.StatusCompensationRequired {
		return nil
	}

	fulfilled := sg.FulfilledLegs()
	if len(fulfilled) == 0 {
		// Nothing succeeded before the failure, so there is nothing to
		// reverse and the saga is failed outright.
		if err := o.store.UpdateSagaStatus(ctx, sagaID, saga.StatusCompensationRequired, saga.StatusFailed); err != nil {
			return err
		}
		o.publishTerminal(ctx, event.TypeCompensationRequired, event.CompensationRequired{
			SagaID:       sagaID,
			FailedLegIDs: legIDs(sg.FailedLegs()),
		})
		emit.Info.StructuredFields("Saga failed with no legs to compensate",
			emit.ZString("saga_id", sagaID))
		return nil
	}

	recordedAny, err := o.recordActions(ctx, sg, fulfilled)
	if err != nil {
		return err
	}
	if recordedAny {
		o.collector.Flushes.Inc()
		o.publishTerminal(ctx, event.TypeCompensationRequired, event.CompensationRequired{
			SagaID:            sagaID,
			FailedLegIDs:      legIDs(sg.FailedLegs()),
			CompensatedLegIDs: legIDs(fulfilled),
		})
	}

	return o.dispatchPending(ctx, sagaID)
}

// recordActions records one compensation action per leg and resource,
// reporting whether any of them was newly recorded. Re-recording a key is a
// store-level no-op.
func (o *Orchestrator) recordActions(ctx context.Context, sg *saga.Saga, legs []saga.OrderLeg) (bool, error) {
	resources := []saga.ResourceType{saga.ResourceInventoryReservation, saga.ResourceSellerStatsUpdate}

	var recordedAny bool
	for _, action := range sg.ActionsFor(legs, resources) {
		recorded, err := o.store.RecordAction(ctx, action)
		if err != nil {
			return recordedAny, err
		}
		recordedAny = recordedAny || recorded
	}
	return recordedAny, nil
}

// dispatchPending dispatches every recorded action of the saga not yet
// acked. The dispatch ledger keeps redispatch at-most-once per action.
func (o *Orchestrator) dispatchPending(ctx context.Context, sagaID string) error {
	pending, err := o.store.PendingActions(ctx, sagaID)
	if err != nil {
		return err
	}
	for _, action := range pending {
		if err := o.dispatch.Dispatch(ctx, action); err != nil {
			return err
		}
	}
	return nil
}

// HandleCompensationAck records an owning service's confirmation. The leg
// becomes Compensated once all its actions are acked, and the saga becomes
// Compensated once no action remains pending.
func (o *Orchestrator) HandleCompensationAck(ctx context.Context, ev event.CompensationAcknowledged) error {
	unlock := o.locks.lock(ev.SagaID)
	defer unlock()

	sg, err := o.store.GetSaga(ctx, ev.SagaID)
	if err != nil {
		return err
	}
	if sg.Status != saga.StatusCompensationRequired {
		emit.Debug.StructuredFields("Ignoring ack outside a compensation cycle",
			emit.ZString("saga_id", ev.SagaID),
			emit.ZString("status", string(sg.Status)))
		return nil
	}

	matched, err := o.store.MarkActionAcked(ctx, ev.SagaID, ev.LegID, ev.Resource)
	if err != nil {
		return err
	}
	if !matched {
		// The ack matches no recorded action: either it outran the flush or
		// it was never requested. Accepting it would complete a cycle that
		// dispatched nothing.
		return fmt.Errorf("no compensation action recorded for saga %s leg %s resource %s: %w",
			ev.SagaID, ev.LegID, ev.Resource, saga.ErrNotFound)
	}

	pending, err := o.store.PendingActions(ctx, ev.SagaID)
	if err != nil {
		return err
	}

	legDone := true
	for _, action := range pending {
		if action.LegID == ev.LegID {
			legDone = false
			break
		}
	}
	if legDone {
		leg, err := sg.Leg(ev.LegID)
		if err != nil {
			return err
		}
		if leg.Status == saga.LegFulfilled {
			if err := o.store.UpdateLegStatus(ctx, ev.SagaID, ev.LegID, saga.LegFulfilled, saga.LegCompensated, ""); err != nil {
				return err
			}
			o.publishLegStatus(ctx, ev.SagaID, ev.LegID, saga.LegFulfilled, saga.LegCompensated)
		}
	}

	if len(pending) > 0 {
		return nil
	}

	if err := o.store.UpdateSagaStatus(ctx, ev.SagaID, saga.StatusCompensationRequired, saga.StatusCompensated); err != nil {
		return err
	}

	final, err := o.store.GetSaga(ctx, ev.SagaID)
	if err != nil {
		return err
	}
	reversed := make([]string, 0, len(final.Legs))
	for _, leg := range final.Legs {
		if leg.Status == saga.LegCompensated {
			reversed = append(reversed, leg.ID)
		}
	}
	o.publishTerminal(ctx, event.TypeCompensationCompleted, event.CompensationCompleted{
		SagaID:         ev.SagaID,
		ReversedLegIDs: reversed,
		CompletedAt:    time.Now().UTC(),
	})
	emit.Info.StructuredFields("Compensation completed",
		emit.ZString("saga_id", ev.SagaID),
		emit.ZInt("reversed_legs", len(reversed)))
	return nil
}

// publishLegStatus announces a leg transition. Status events are for
// external observers, so a publish failure is logged and never fails the
// state change that already committed.
func (o *Orchestrator) publishLegStatus(ctx context.Context, sagaID, legID string, from, to saga.LegStatus) {
	o.publishEvent(ctx, event.TypeOrderItemStatusChanged, event.OrderItemStatusChanged{
		SagaID:    sagaID,
		LegID:     legID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

func (o *Orchestrator) publishEvent(ctx context.Context, eventType string, payload any) {
	env, err := event.NewEnvelope(eventType, payload)
	if err != nil {
		emit.Error.StructuredFields("Failed to build event envelope",
			emit.ZString("event_type", eventType),
			emit.ZString("error", err.Error()))
		return
	}
	if err := o.publisher.Publish(ctx, eventType, env); err != nil {
		emit.Error.StructuredFields("Failed to publish event",
			emit.ZString("event_type", eventType),
			emit.ZString("error", err.Error()))
	}
}

// publishTerminal announces a once-per-saga compensation milestone. The
// recordedAny and status guards mean a re-run never re-publishes it, so
// transient broker failures are retried in process before giving up.
func (o *Orchestrator) publishTerminal(ctx context.Context, eventType string, payload any) {
	env, err := event.NewEnvelope(eventType, payload)
	if err != nil {
		emit.Error.StructuredFields("Failed to build event envelope",
			emit.ZString("event_type", eventType),
			emit.ZString("error", err.Error()))
		return
	}
	err = o.exec.Do(ctx, func() error {
		if err := o.publisher.Publish(ctx, eventType, env); err != nil {
			return retry.Transient(err)
		}
		return nil
	})
	if err != nil {
		emit.Error.StructuredFields("Failed to publish event",
			emit.ZString("event_type", eventType),
			emit.ZString("error", err.Error()))
	}
}

func legIDs(legs []saga.OrderLeg) []string {
	ids := make([]string, 0, len(legs))
	for _, leg := range legs {
		ids = append(ids, leg.ID)
	}
	return ids
}
