package brocker

import (
	"context"
	"sync"
)

// topologyLoader is the C7 component: it walks a Broker's declarative
// Config and asserts every exchange, queue and binding it names. It is
// re-run on every successful connect (the Open Question from spec.md §9 is
// resolved in favor of re-asserting), which makes topology setup idempotent
// across failover rather than a one-shot bootstrap step.
type topologyLoader struct {
	broker *Broker
}

func newTopologyLoader(b *Broker) *topologyLoader {
	return &topologyLoader{broker: b}
}

// run asserts every exchange in Config.Exchanges (in parallel, since
// distinct exchanges don't depend on each other), then wires the bindings
// each exchange's Fanout/Topics/Direct shorthand implies, then asserts any
// queue named only in Config.Queues that no exchange bound (spec.md §4.7's
// dependency order: exchanges, then their queues and bindings, then
// standalone queues).
func (l *topologyLoader) run(ctx context.Context) error {
	bound := make(map[string]bool)

	if err := l.assertExchanges(ctx); err != nil {
		return err
	}
	if err := l.bindExchanges(ctx, bound); err != nil {
		return err
	}
	return l.assertRemainingQueues(ctx, bound)
}

func (l *topologyLoader) assertExchanges(ctx context.Context) error {
	keys := make([]string, 0, len(l.broker.config.Exchanges))
	for k := range l.broker.config.Exchanges {
		keys = append(keys, k)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			errs[i] = l.broker.Exchange(key).Assert(ctx)
		}(i, key)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *topologyLoader) bindExchanges(ctx context.Context, bound map[string]bool) error {
	for key, spec := range l.broker.config.Exchanges {
		exch := l.broker.Exchange(key)

		for _, queueKey := range spec.Fanout {
			if err := l.bindOne(ctx, exch, queueKey, "", bound); err != nil {
				return err
			}
		}
		for routingKey, queueKeys := range spec.Topics {
			for _, queueKey := range queueKeys {
				if err := l.bindOne(ctx, exch, queueKey, routingKey, bound); err != nil {
					return err
				}
			}
		}
		for routingKey, queueKeys := range spec.Direct {
			for _, queueKey := range queueKeys {
				if err := l.bindOne(ctx, exch, queueKey, routingKey, bound); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *topologyLoader) bindOne(ctx context.Context, exch *Exchange, queueKey, routingKey string, bound map[string]bool) error {
	q := l.broker.Queue(queueKey)
	if err := q.Assert(ctx); err != nil {
		return err
	}
	bound[queueKey] = true
	return exch.Bind(ctx, q.queueName(), routingKey)
}

func (l *topologyLoader) assertRemainingQueues(ctx context.Context, bound map[string]bool) error {
	keys := make([]string, 0, len(l.broker.config.Queues))
	for k := range l.broker.config.Queues {
		if !bound[k] {
			keys = append(keys, k)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			errs[i] = l.broker.Queue(key).Assert(ctx)
		}(i, key)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
