package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// spawnPool starts the delivery goroutines
func (r *Relay) spawnPool(ctx context.Context) {
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}

	r.logger.Info("Relay pool spawned",
		slog.Int("worker_count", r.concurrency),
	)
}

func (r *Relay) workerLoop(ctx context.Context, workerNum int) {
	defer r.wg.Done()

	workerName := fmt.Sprintf("%s-%d", r.consumerTag, workerNum)

	for {
		select {
		case <-r.stopChan:
			return

		case <-ctx.Done():
			return

		case delivery := <-r.deliveries:
			r.settle(workerName, delivery, r.process(ctx, delivery))
		}
	}
}

// settle acks handled deliveries and nacks the rest
func (r *Relay) settle(workerName string, delivery amqp.Delivery, err error) {
	logger := r.logger.With(
		slog.String("worker_name", workerName),
		slog.String("message_id", delivery.MessageId),
	)

	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeue(err)
	logger.Error("Message handling failed",
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)

	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		logger.Error("Failed to NACK message",
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeue determines if a delivery should be requeued based on the error type
func shouldRequeue(err error) bool {
	if errors.Is(err, ErrInvalidMessage) {
		return false
	}

	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
