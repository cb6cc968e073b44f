package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/certgen/internal/signing"
)

const (
	defaultConcurrency = 10
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultFlowWait    = time.Second
)

// Broker is the queue side of the relay
type Broker interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	PublishWithRetry(ctx context.Context, routingKey string, msg amqp.Publishing) error
	PublishDelayed(ctx context.Context, msg amqp.Publishing, delay time.Duration) error
	DeadLetterKey() string
}

// Deduper remembers messages that were already handled
type Deduper interface {
	Delivered(ctx context.Context, messageID string) (bool, error)
	MarkDelivered(ctx context.Context, messageID string) error
}

// Config holds relay dependencies and tuning
type Config struct {
	Logger      *slog.Logger
	Broker      Broker
	Deduper     Deduper
	Signer      *signing.Signer
	HTTPClient  *http.Client
	ConsumerTag string
	Concurrency int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// FlowWait is how long a task of a saturated flow is parked before it
	// is offered again
	FlowWait time.Duration
}

// Relay consumes queued tasks and delivers them to their HTTP destination
// under per-flow parallelism limits
type Relay struct {
	logger      *slog.Logger
	broker      Broker
	deduper     Deduper
	signer      *signing.Signer
	client      *http.Client
	consumerTag string
	concurrency int
	backoff     exponential
	flowWait    time.Duration

	flows      *flowLimiter
	deliveries chan amqp.Delivery

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRelay creates a new relay instance
func NewRelay(cfg *Config) *Relay {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	backoff := exponential{initial: cfg.BackoffBase, max: cfg.BackoffMax}
	if backoff.initial <= 0 {
		backoff.initial = defaultBackoffBase
	}
	if backoff.max <= 0 {
		backoff.max = defaultBackoffMax
	}

	flowWait := cfg.FlowWait
	if flowWait <= 0 {
		flowWait = defaultFlowWait
	}

	tag := cfg.ConsumerTag
	if tag == "" {
		tag = "certgen-relay"
	}

	return &Relay{
		logger:      cfg.Logger,
		broker:      cfg.Broker,
		deduper:     cfg.Deduper,
		signer:      cfg.Signer,
		client:      client,
		consumerTag: tag,
		concurrency: concurrency,
		backoff:     backoff,
		flowWait:    flowWait,
		flows:       newFlowLimiter(),
		deliveries:  make(chan amqp.Delivery),
		stopChan:    make(chan struct{}),
	}
}

// Start begins consuming and returns once the pool is running
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("Starting relay",
		slog.String("consumer_tag", r.consumerTag),
		slog.Int("concurrency", r.concurrency),
	)

	deliveries, err := r.broker.Consume(r.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.spawnPool(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatch(ctx, deliveries)
	}()

	return nil
}

// Stop signals every goroutine to exit and waits up to timeout. Deliveries
// still in flight are requeued.
func (r *Relay) Stop(timeout time.Duration) error {
	r.logger.Info("Stopping relay")

	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.cancel != nil {
			r.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Relay stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("relay did not stop within %s", timeout)
	}
}

// exponential doubles the delay per attempt up to max
type exponential struct {
	initial time.Duration
	max     time.Duration
}

// Delay returns the wait before retrying after the given failed attempt (1-indexed)
func (e exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := e.initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.max {
			return e.max
		}
	}
	return min(d, e.max)
}
