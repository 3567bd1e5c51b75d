package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/port"
)

const publishTimeout = 5 * time.Second

// EventDispatcher drains the order event queue into a publisher with a fixed
// pool of workers.
type EventDispatcher struct {
	publisher port.EventPublisher
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewEventDispatcher(publisher port.EventPublisher, logger *zap.Logger) *EventDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventDispatcher{publisher: publisher, logger: logger}
}

// Start launches workers that run until queue is closed.
func (d *EventDispatcher) Start(queue <-chan domain.OrderEvent, workers int) {
	for i := 0; i < max(workers, 1); i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id, queue)
		}(i)
	}
	d.logger.Info("event workers started", zap.Int("workers", max(workers, 1)))
}

func (d *EventDispatcher) workerLoop(id int, queue <-chan domain.OrderEvent) {
	for event := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Error("failed to publish order event",
				zap.Int("worker", id),
				zap.String("type", event.Type),
				zap.String("order_id", event.OrderID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Wait blocks until every worker has drained the closed queue.
func (d *EventDispatcher) Wait() {
	d.wg.Wait()
}
