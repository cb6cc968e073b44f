package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BatchClient is the part of the RabbitMQ client used for publishing
type BatchClient interface {
	PublishBatch(ctx context.Context, routingKey string, msgs []amqp.Publishing) error
	RoutingKey() string
}

// Publisher enqueues render tasks on the work queue
type Publisher struct {
	client BatchClient
}

// NewPublisher creates a Publisher
func NewPublisher(client BatchClient) *Publisher {
	return &Publisher{client: client}
}

// PublishBatch enqueues every message in one broker transaction
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*Message) error {
	pubs := make([]amqp.Publishing, len(msgs))
	for i, m := range msgs {
		pubs[i] = m.Publishing()
	}
	return p.client.PublishBatch(ctx, p.client.RoutingKey(), pubs)
}
