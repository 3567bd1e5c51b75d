package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/ministore/internal/core/domain"
)

// LogPublisher records events in the service log when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	p.logger.Info("order event",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("order_id", event.OrderID),
		zap.String("order_number", event.OrderNumber),
		zap.String("status", string(event.Status)),
		zap.String("previous_status", string(event.PreviousStatus)),
		zap.Int64("total_amount", event.TotalAmount),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
