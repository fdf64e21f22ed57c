// Package queue abstracts the message channels the workers consume from and
// publish to. Delivery is at-least-once: a message stays on its queue until
// it is acknowledged.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
)

// Message is a single delivery
type Message struct {
	ID      string
	Body    []byte
	Attempt int

	// Receipt is the substrate specific handle used to settle the message.
	Receipt any
}

// Consumer long-polls a queue and settles deliveries
type Consumer interface {
	// Poll blocks for up to wait and returns at most max messages.
	Poll(ctx context.Context, max int, wait time.Duration) ([]*Message, error)

	// Ack removes the message from the queue.
	Ack(ctx context.Context, msg *Message) error

	// Release leaves the message for redelivery after the visibility timeout.
	Release(ctx context.Context, msg *Message) error

	// Delay hides the message for d before it is delivered again.
	Delay(ctx context.Context, msg *Message, d time.Duration) error
}

// ErrConsumerClosed is returned by Poll once the consumer can no longer
// receive. The process has to be restarted to consume again.
var ErrConsumerClosed = errors.New("consumer closed")

// Publisher sends messages to a named destination
type Publisher interface {
	Publish(ctx context.Context, destination string, body []byte) error
}

// PublishJSON encodes v and publishes it
func PublishJSON(ctx context.Context, p Publisher, destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", destination, err)
	}
	return p.Publish(ctx, destination, body)
}

// DeferError asks the consumer loop to hide the message until Until instead
// of processing it now.
type DeferError struct {
	Until time.Time
}

func (e *DeferError) Error() string {
	return "message deferred until " + e.Until.UTC().Format(time.RFC3339)
}

// Defer returns a DeferError for until
func Defer(until time.Time) error {
	return &DeferError{Until: until}
}

// snsEnvelope is the wrapper SNS puts around messages it fans out to queues
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Decode unmarshals body into v, unwrapping an SNS notification envelope
// when present. Failures wrap domain.ErrInvalidMessage.
func Decode(body []byte, v any) error {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if env.Type == "Notification" && env.Message != "" {
		body = []byte(env.Message)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	return nil
}
