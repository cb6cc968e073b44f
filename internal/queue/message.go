package queue

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP headers carried by every render task
const (
	HeaderFlowKey         = "x-flow-key"
	HeaderParallelism     = "x-flow-parallelism"
	HeaderRetries         = "x-retries"
	HeaderTimeoutMs       = "x-timeout-ms"
	HeaderAttempt         = "x-attempt"
	HeaderDestination     = "x-destination"
	HeaderFailureCallback = "x-failure-callback"
	HeaderLastError       = "x-last-error"
	HeaderExhausted       = "x-exhausted"
)

// HTTP headers set on webhook deliveries
const (
	HTTPHeaderMessageID   = "X-Certgen-Message-Id"
	HTTPHeaderAttempt     = "X-Certgen-Attempt"
	HTTPHeaderMaxAttempts = "X-Certgen-Max-Attempts"
	HTTPHeaderFlowKey     = "X-Certgen-Flow-Key"
	HTTPHeaderLastError   = "X-Certgen-Last-Error"
)

const contentTypeJSON = "application/json"

// Message is one unit of work on the queue together with its delivery
// contract. Attempt starts at 1; a message is delivered at most Retries+1
// times.
type Message struct {
	ID              string
	Body            []byte
	FlowKey         string
	Parallelism     int
	Retries         int
	Timeout         time.Duration
	Attempt         int
	Destination     string
	FailureCallback string
	LastError       string
	// Exhausted is set once the delivery budget is spent and only the
	// failure callback is still owed
	Exhausted bool
}

// FlowKey groups the tasks of one job for flow control
func FlowKey(jobID string) string {
	return "job-" + jobID
}

// MaxAttempts is the total delivery budget
func (m *Message) MaxAttempts() int {
	return m.Retries + 1
}

// IsFinalAttempt reports whether no retry follows a failure of this attempt
func (m *Message) IsFinalAttempt() bool {
	return m.Attempt >= m.MaxAttempts()
}

// Retry returns a copy scheduled as the next attempt
func (m *Message) Retry(lastErr string) *Message {
	next := *m
	next.Attempt++
	next.LastError = lastErr
	return &next
}

// Publishing encodes the message for AMQP
func (m *Message) Publishing() amqp.Publishing {
	headers := amqp.Table{
		HeaderFlowKey:     m.FlowKey,
		HeaderParallelism: int32(m.Parallelism),
		HeaderRetries:     int32(m.Retries),
		HeaderTimeoutMs:   m.Timeout.Milliseconds(),
		HeaderAttempt:     int32(max(m.Attempt, 1)),
		HeaderDestination: m.Destination,
	}
	if m.FailureCallback != "" {
		headers[HeaderFailureCallback] = m.FailureCallback
	}
	if m.LastError != "" {
		headers[HeaderLastError] = m.LastError
	}
	if m.Exhausted {
		headers[HeaderExhausted] = true
	}

	return amqp.Publishing{
		MessageId:    m.ID,
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         m.Body,
	}
}

// FromDelivery decodes a consumed AMQP delivery
func FromDelivery(d amqp.Delivery) (*Message, error) {
	if d.MessageId == "" {
		return nil, fmt.Errorf("message id is missing")
	}

	m := &Message{
		ID:              d.MessageId,
		Body:            d.Body,
		FlowKey:         headerString(d.Headers, HeaderFlowKey),
		Destination:     headerString(d.Headers, HeaderDestination),
		FailureCallback: headerString(d.Headers, HeaderFailureCallback),
		LastError:       headerString(d.Headers, HeaderLastError),
		Exhausted:       headerBool(d.Headers, HeaderExhausted),
	}
	if m.Destination == "" {
		return nil, fmt.Errorf("message %s has no destination", m.ID)
	}

	var err error
	if m.Parallelism, err = headerInt(d.Headers, HeaderParallelism); err != nil {
		return nil, err
	}
	if m.Retries, err = headerInt(d.Headers, HeaderRetries); err != nil {
		return nil, err
	}
	if m.Attempt, err = headerInt(d.Headers, HeaderAttempt); err != nil {
		return nil, err
	}
	timeoutMs, err := headerInt(d.Headers, HeaderTimeoutMs)
	if err != nil {
		return nil, err
	}
	m.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if m.Attempt < 1 {
		m.Attempt = 1
	}
	if m.FlowKey == "" {
		m.FlowKey = m.ID
	}

	return m, nil
}

func headerString(h amqp.Table, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func headerBool(h amqp.Table, key string) bool {
	switch v := h[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// headerInt accepts every integer width the AMQP table codec produces
func headerInt(h amqp.Table, key string) (int, error) {
	switch v := h[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("header %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("header %s has unsupported type %T", key, v)
	}
}
