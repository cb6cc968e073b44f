package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	DeadLetterQueue    string
	DeadLetterKey      string
	PrefetchCount      int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	publishMu   sync.Mutex
	isConnected bool

	delayMu     sync.Mutex
	delayQueues map[string]struct{}
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		delayQueues: make(map[string]struct{}),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queues: %w", err)
	}

	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
	)

	return nil
}

// setup declares the exchange, the work queue and the dead-letter queue
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.declareBoundQueue(c.config.QueueName, c.config.RoutingKey, nil); err != nil {
		return err
	}

	if c.config.DeadLetterQueue != "" {
		if err := c.declareBoundQueue(c.config.DeadLetterQueue, c.config.DeadLetterKey, nil); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) declareBoundQueue(name, routingKey string, args amqp.Table) error {
	_, err := c.channel.QueueDeclare(
		name,                     // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		args,                     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	err = c.channel.QueueBind(
		name,                  // queue name
		routingKey,            // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}

	return nil
}

// RoutingKey returns the work queue routing key
func (c *Client) RoutingKey() string {
	return c.config.RoutingKey
}

// DeadLetterKey returns the dead-letter queue routing key
func (c *Client) DeadLetterKey() string {
	return c.config.DeadLetterKey
}

// PublishBatch publishes every message inside one AMQP transaction on a
// dedicated channel. Either the broker accepts all of them or none.
func (c *Client) PublishBatch(ctx context.Context, routingKey string, msgs []amqp.Publishing) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open batch channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Tx(); err != nil {
		return fmt.Errorf("failed to enter transaction mode: %w", err)
	}

	for i, msg := range msgs {
		if msg.DeliveryMode == 0 {
			msg.DeliveryMode = amqp.Persistent
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}

		err := ch.PublishWithContext(ctx, c.config.ExchangeName, routingKey, false, false, msg)
		if err != nil {
			if rbErr := ch.TxRollback(); rbErr != nil {
				c.logger.Error("Failed to roll back batch",
					slog.Any("error", rbErr),
				)
			}
			return fmt.Errorf("failed to publish batch message %d: %w", i, err)
		}
	}

	if err := ch.TxCommit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	c.logger.Debug("Batch published to RabbitMQ",
		slog.Int("messages", len(msgs)),
		slog.String("routing_key", routingKey),
	)

	return nil
}

// PublishWithRetry publishes a single message with exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	msg.Timestamp = time.Now()

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		c.publishMu.Lock()
		err := c.channel.PublishWithContext(ctx, c.config.ExchangeName, routingKey, false, false, msg)
		c.publishMu.Unlock()

		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("publish canceled: %w", ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// PublishDelayed publishes msg so that it reaches the work queue after
// delay. Each distinct delay gets its own holding queue with a fixed
// x-message-ttl that dead-letters back into the work queue, so expiry
// order matches publish order within a queue.
func (c *Client) PublishDelayed(ctx context.Context, msg amqp.Publishing, delay time.Duration) error {
	if delay <= 0 {
		return c.PublishWithRetry(ctx, c.config.RoutingKey, msg)
	}

	key, err := c.delayQueue(delay)
	if err != nil {
		return err
	}

	return c.PublishWithRetry(ctx, key, msg)
}

// delayQueue declares the holding queue for delay once per client
func (c *Client) delayQueue(delay time.Duration) (string, error) {
	if !c.IsConnected() {
		return "", fmt.Errorf("not connected to RabbitMQ")
	}

	ttl := delay.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	name := fmt.Sprintf("%s.delay.%d", c.config.QueueName, ttl)

	c.delayMu.Lock()
	defer c.delayMu.Unlock()

	if _, ok := c.delayQueues[name]; ok {
		return name, nil
	}

	c.publishMu.Lock()
	err := c.declareBoundQueue(name, name, amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    c.config.ExchangeName,
		"x-dead-letter-routing-key": c.config.RoutingKey,
	})
	c.publishMu.Unlock()
	if err != nil {
		return "", err
	}

	c.delayQueues[name] = struct{}{}

	c.logger.Info("Delay queue declared",
		slog.String("queue", name),
		slog.Int64("ttl_ms", ttl),
	)

	return name, nil
}

// Consume starts consuming the work queue with manual acknowledgements
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	if c.config.PrefetchCount > 0 {
		if err := c.channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	messages, err := c.channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", c.config.PrefetchCount),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
	}

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
