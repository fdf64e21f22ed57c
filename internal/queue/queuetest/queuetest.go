// Package queuetest provides in-memory queue fakes for tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// Consumer is an in-memory queue.Consumer. Messages added with Push are
// returned by Poll once; settle calls are recorded.
type Consumer struct {
	mu       sync.Mutex
	pending  []*queue.Message
	nextID   int
	Acked    []*queue.Message
	Released []*queue.Message
	Delayed  map[string]time.Duration

	// PollErr is returned by the next Poll and then cleared.
	PollErr error
}

// NewConsumer returns an empty Consumer
func NewConsumer() *Consumer {
	return &Consumer{Delayed: map[string]time.Duration{}}
}

// Push enqueues body and returns the message that Poll will deliver
func (c *Consumer) Push(body []byte) *queue.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	msg := &queue.Message{
		ID:      fmt.Sprintf("msg-%d", c.nextID),
		Body:    body,
		Attempt: 1,
	}
	c.pending = append(c.pending, msg)
	return msg
}

// Poll returns up to max pending messages. With nothing pending it waits
// for wait, like an empty long-poll.
func (c *Consumer) Poll(ctx context.Context, max int, wait time.Duration) ([]*queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.PollErr; err != nil {
		c.PollErr = nil
		c.mu.Unlock()
		return nil, err
	}

	n := max
	if n > len(c.pending) {
		n = len(c.pending)
	}
	out := c.pending[:n]
	c.pending = c.pending[n:]
	c.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return out, nil
}

// Ack records msg as acked
func (c *Consumer) Ack(_ context.Context, msg *queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Acked = append(c.Acked, msg)
	return nil
}

// Release records msg as released
func (c *Consumer) Release(_ context.Context, msg *queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Released = append(c.Released, msg)
	return nil
}

// Delay records the delay requested for msg
func (c *Consumer) Delay(_ context.Context, msg *queue.Message, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Delayed[msg.ID] = d
	return nil
}

// Settled returns the number of messages acked, released or delayed
func (c *Consumer) Settled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Acked) + len(c.Released) + len(c.Delayed)
}

// Publisher records published messages per destination
type Publisher struct {
	mu        sync.Mutex
	published map[string][][]byte

	// Err, when set, fails every publish.
	Err error
}

// NewPublisher returns an empty Publisher
func NewPublisher() *Publisher {
	return &Publisher{published: map[string][][]byte{}}
}

// Publish records body under destination
func (p *Publisher) Publish(_ context.Context, destination string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.published[destination] = append(p.published[destination], body)
	return nil
}

// Messages returns the bodies published to destination
func (p *Publisher) Messages(destination string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.published[destination]...)
}
