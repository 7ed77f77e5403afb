package consumer

import (
	"context"
	"fmt"

	"github.com/cloudresty/go-rabbitmq"

	"github.com/has99an/marketplace-compensation/internal/config"
	"github.com/has99an/marketplace-compensation/internal/event"
)

// DeclareTopology declares the exchanges, queues, and bindings the engine
// consumes from. Declaration is idempotent, so every replica runs it at
// startup. Both work queues dead-letter into the shared DLX; the dead letter
// queue is bound with a wildcard so rejected messages keep their original
// routing key for inspection.
func DeclareTopology(ctx context.Context, client *rabbitmq.Client, cfg *config.Config) error {
	admin := client.Admin()

	if err := admin.DeclareExchange(ctx, cfg.Exchange, rabbitmq.ExchangeTypeTopic, rabbitmq.WithExchangeDurable()); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := admin.DeclareExchange(ctx, cfg.DeadLetterExchange, rabbitmq.ExchangeTypeTopic, rabbitmq.WithExchangeDurable()); err != nil {
		return fmt.Errorf("declare dead letter exchange %s: %w", cfg.DeadLetterExchange, err)
	}

	if _, err := admin.DeclareQueue(ctx, cfg.DeadLetterQueue, rabbitmq.WithDurable()); err != nil {
		return fmt.Errorf("declare dead letter queue %s: %w", cfg.DeadLetterQueue, err)
	}
	if err := admin.BindQueue(ctx, cfg.DeadLetterQueue, cfg.DeadLetterExchange, "#"); err != nil {
		return fmt.Errorf("bind dead letter queue %s: %w", cfg.DeadLetterQueue, err)
	}

	workQueues := []struct {
		name string
		keys []string
	}{
		{cfg.FailureQueue, event.FailureRoutingKeys},
		{cfg.LifecycleQueue, event.LifecycleRoutingKeys},
	}
	for _, q := range workQueues {
		if _, err := admin.DeclareQueue(ctx, q.name,
			rabbitmq.WithDurable(),
			rabbitmq.WithDeadLetter(cfg.DeadLetterExchange, ""),
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		for _, key := range q.keys {
			if err := admin.BindQueue(ctx, q.name, cfg.Exchange, key); err != nil {
				return fmt.Errorf("bind %s to %s with %s: %w", q.name, cfg.Exchange, key, err)
			}
		}
	}
	return nil
}
