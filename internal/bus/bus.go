// Package bus provides the durable message plane between the orchestrator
// and agent workers: at-least-once delivery, named consumer groups with
// load-balanced consumption, explicit post-handler acknowledgement, and
// dead-letter routing after repeated failures. A non-durable mirror channel
// fans selected publishes out to low-latency observers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common bus errors.
var (
	ErrClosed        = errors.New("bus is closed")
	ErrPublishBuffer = errors.New("publish buffer full")
	ErrNotConnected  = errors.New("bus is not connected")
	ErrInvalidTopic  = errors.New("invalid topic name")
	ErrInvalidGroup  = errors.New("invalid consumer group")
	ErrAlreadyClosed = errors.New("subscription already closed")
)

// Delivery carries one message into a handler.
type Delivery struct {
	// Topic the message was published on.
	Topic string
	// Data is the raw envelope payload.
	Data []byte
	// Attempt is the 1-based delivery count for this message.
	Attempt int
	// Timestamp is when the message was appended to the stream.
	Timestamp time.Time
}

// Handler processes one delivery. Returning nil acknowledges the message.
// Returning an error leaves it pending for redelivery after the visibility
// timeout. Returning an error wrapped with Permanent terminates the message:
// the adapter routes it to the topic's dead-letter queue immediately instead
// of redelivering.
//
// The handler runs synchronously from the subscription's point of view; a
// message is never acknowledged before its handler returns.
type Handler func(ctx context.Context, d *Delivery) error

// MirrorHandler observes mirrored publishes. Delivery is best-effort;
// messages may be lost and are never redelivered.
type MirrorHandler func(topic string, data []byte)

// Subscription is a handle on an active consumer slot.
type Subscription interface {
	// Unsubscribe stops delivery and releases the consumer slot.
	Unsubscribe() error
	// Topic returns the subscribed topic.
	Topic() string
}

// Bus is the message-plane port. Adapters must provide at-least-once
// delivery with durable group offsets; new groups start at the stream tail
// so historical backlog is not replayed on first boot.
type Bus interface {
	// Publish appends data to the topic's durable stream. With WithMirror,
	// the payload is also fanned out on the non-durable mirror channel.
	Publish(ctx context.Context, topic string, data []byte, opts ...PublishOption) error

	// Subscribe joins the named consumer group on a topic. Each message is
	// delivered to exactly one member of the group at a time.
	Subscribe(ctx context.Context, topic, group, consumerID string, h Handler) (Subscription, error)

	// SubscribeMirror taps the non-durable mirror channel for a topic.
	SubscribeMirror(ctx context.Context, topic string, h MirrorHandler) (Subscription, error)

	// Health reports round-trip latency to the backend.
	Health(ctx context.Context) (time.Duration, error)

	// DLQDepth reports the number of messages parked on a topic's
	// dead-letter queue.
	DLQDepth(ctx context.Context, topic string) (int64, error)

	// Close drains subscriptions and releases connections.
	Close() error
}

// PublishOption customizes a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	mirror bool
	ttl    time.Duration
}

// WithMirror also fans the payload out via the non-durable mirror channel
// for low-latency observers (e.g. the WebSocket gateway).
func WithMirror() PublishOption {
	return func(o *publishOptions) { o.mirror = true }
}

// WithTTL bounds how long the message may wait unconsumed on the stream.
func WithTTL(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = d }
}

func applyPublishOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// permanentError marks a delivery failure as non-retryable. The adapter
// terminates the message and routes it to the DLQ instead of redelivering.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the adapter terminates the delivery (poison-message
// policy) rather than scheduling a redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DLQMessage wraps an envelope that exhausted its deliveries, preserving the
// original payload alongside failure metadata for human inspection.
type DLQMessage struct {
	Topic      string          `json:"topic"`
	Reason     string          `json:"reason"`
	Deliveries int             `json:"deliveries"`
	FailedAt   time.Time       `json:"failed_at"`
	Payload    json.RawMessage `json:"payload"`
}

// EncodeDLQ builds the dead-letter wrapper for a failed delivery.
func EncodeDLQ(d *Delivery, reason string) ([]byte, error) {
	return json.Marshal(DLQMessage{
		Topic:      d.Topic,
		Reason:     reason,
		Deliveries: d.Attempt,
		FailedAt:   time.Now().UTC(),
		Payload:    json.RawMessage(d.Data),
	})
}
