package relay

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// dispatch forwards broker deliveries to the pool
func (r *Relay) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	r.logger.Info("Message dispatcher started")

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Message dispatcher stopped")
			return

		case <-ctx.Done():
			r.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				r.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			select {
			case r.deliveries <- delivery:
				r.logger.Debug("Delivery dispatched to pool",
					slog.String("message_id", delivery.MessageId),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				// Requeue so another relay picks it up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					r.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}
