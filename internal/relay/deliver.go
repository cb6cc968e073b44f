package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/certgen/internal/queue"
	"github.com/cuongbtq/certgen/internal/signing"
)

const maxResponseDrain = 64 << 10

// process handles one delivery. A nil result means the delivery is done
// with: delivered, rescheduled, or dead-lettered. Nothing here waits on a
// saturated flow or a backoff; both are handed back to the broker.
func (r *Relay) process(ctx context.Context, delivery amqp.Delivery) error {
	msg, err := queue.FromDelivery(delivery)
	if err != nil {
		r.logger.Error("Invalid message",
			slog.String("message_id", delivery.MessageId),
			slog.String("error", err.Error()),
		)
		return r.deadLetterRaw(ctx, delivery, err)
	}

	logger := r.logger.With(
		slog.String("message_id", msg.ID),
		slog.String("flow_key", msg.FlowKey),
		slog.Int("attempt", msg.Attempt),
		slog.Int("max_attempts", msg.MaxAttempts()),
	)

	delivered, err := r.deduper.Delivered(ctx, msg.ID)
	if err != nil {
		// Destinations are idempotent, so delivering again is safe
		logger.Warn("Dedup lookup failed", slog.String("error", err.Error()))
	} else if delivered {
		logger.Info("Message already delivered, skipping")
		return nil
	}

	if msg.Exhausted {
		return r.exhaust(ctx, logger, msg)
	}

	release, ok := r.flows.TryAcquire(msg.FlowKey, msg.Parallelism)
	if !ok {
		logger.Debug("Flow saturated, parking message",
			slog.Duration("park_for", r.flowWait),
		)
		return r.schedule(ctx, msg, r.flowWait)
	}

	err = r.post(ctx, msg.Destination, msg, nil)
	release()

	if err == nil {
		logger.Info("Message delivered")
		r.markDelivered(ctx, logger, msg.ID)
		return nil
	}
	if ctx.Err() != nil {
		return NewRetryableError(ctx.Err())
	}

	if isRetryable(err) && !msg.IsFinalAttempt() {
		return r.retry(ctx, logger, msg, err)
	}

	logger.Error("Delivery retries exhausted",
		slog.String("error", err.Error()),
	)
	msg.LastError = err.Error()
	return r.exhaust(ctx, logger, msg)
}

// post sends the signed body to url
func (r *Relay) post(ctx context.Context, url string, msg *queue.Message, extra http.Header) error {
	token, err := r.signer.Sign(url, msg.Body)
	if err != nil {
		return &DeliveryError{Err: err, Permanent: true}
	}

	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Body))
	if err != nil {
		return &DeliveryError{Err: err, Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.Header, token)
	req.Header.Set(queue.HTTPHeaderMessageID, msg.ID)
	req.Header.Set(queue.HTTPHeaderAttempt, strconv.Itoa(msg.Attempt))
	req.Header.Set(queue.HTTPHeaderMaxAttempts, strconv.Itoa(msg.MaxAttempts()))
	req.Header.Set(queue.HTTPHeaderFlowKey, msg.FlowKey)
	for k, v := range extra {
		req.Header[k] = v
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{StatusCode: resp.StatusCode}
}

// retry schedules the next attempt after the backoff for this one
func (r *Relay) retry(ctx context.Context, logger *slog.Logger, msg *queue.Message, cause error) error {
	delay := r.backoff.Delay(msg.Attempt)
	logger.Warn("Delivery failed, scheduling retry",
		slog.String("error", cause.Error()),
		slog.Duration("retry_after", delay),
	)

	return r.schedule(ctx, msg.Retry(cause.Error()), delay)
}

// exhaust notifies the failure callback and parks the message on the
// dead-letter queue. The message is only settled once the callback has
// accepted or permanently rejected it; otherwise the callback is retried
// with backoff, so the row always ends up with an outcome.
func (r *Relay) exhaust(ctx context.Context, logger *slog.Logger, msg *queue.Message) error {
	if msg.FailureCallback != "" {
		extra := http.Header{}
		extra.Set(queue.HTTPHeaderLastError, msg.LastError)

		if err := r.post(ctx, msg.FailureCallback, msg, extra); err != nil {
			if ctx.Err() != nil {
				return NewRetryableError(ctx.Err())
			}

			if isRetryable(err) {
				next := msg.Retry(msg.LastError)
				next.Exhausted = true
				delay := r.backoff.Delay(msg.Attempt)

				logger.Warn("Failure callback failed, scheduling retry",
					slog.String("callback", msg.FailureCallback),
					slog.String("error", err.Error()),
					slog.Duration("retry_after", delay),
				)
				return r.schedule(ctx, next, delay)
			}

			logger.Error("Failure callback rejected",
				slog.String("callback", msg.FailureCallback),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := r.broker.PublishWithRetry(ctx, r.broker.DeadLetterKey(), msg.Publishing()); err != nil {
		return NewRetryableError(fmt.Errorf("failed to dead-letter: %w", err))
	}

	r.markDelivered(ctx, logger, msg.ID)
	return nil
}

// schedule hands msg back to the broker to be consumed again after delay
func (r *Relay) schedule(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	if err := r.broker.PublishDelayed(ctx, msg.Publishing(), delay); err != nil {
		return NewRetryableError(fmt.Errorf("failed to schedule message: %w", err))
	}
	return nil
}

func isRetryable(err error) bool {
	var deliveryErr *DeliveryError
	return !errors.As(err, &deliveryErr) || deliveryErr.Retryable()
}

// deadLetterRaw parks an undecodable delivery as-is
func (r *Relay) deadLetterRaw(ctx context.Context, delivery amqp.Delivery, cause error) error {
	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[queue.HeaderLastError] = cause.Error()

	pub := amqp.Publishing{
		MessageId:    delivery.MessageId,
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         delivery.Body,
	}
	if err := r.broker.PublishWithRetry(ctx, r.broker.DeadLetterKey(), pub); err != nil {
		return fmt.Errorf("%w: %v (dead-letter failed: %v)", ErrInvalidMessage, cause, err)
	}
	return nil
}

func (r *Relay) markDelivered(ctx context.Context, logger *slog.Logger, messageID string) {
	if err := r.deduper.MarkDelivered(context.WithoutCancel(ctx), messageID); err != nil {
		logger.Warn("Failed to record delivery", slog.String("error", err.Error()))
	}
}
