package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// WaitSuffix names the companion queue that holds released and delayed
// messages until they dead-letter back to their work queue.
const WaitSuffix = ".wait"

// DelaySuffix names the queue holding deferred messages. It has no queue
// TTL, so each message waits out its own expiration.
const DelaySuffix = ".delay"

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
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// QueueSpec describes a work queue bound to the exchange
type QueueSpec struct {
	Name              string
	RoutingKey        string
	Durable           bool
	VisibilityTimeout time.Duration
}

// WaitQueue names the companion wait queue
func (q QueueSpec) WaitQueue() string {
	return q.Name + WaitSuffix
}

// WaitRoutingKey routes messages into the wait queue
func (q QueueSpec) WaitRoutingKey() string {
	return q.RoutingKey + WaitSuffix
}

// DelayQueue names the companion delay queue
func (q QueueSpec) DelayQueue() string {
	return q.Name + DelaySuffix
}

// DelayRoutingKey routes messages into the delay queue
func (q QueueSpec) DelayRoutingKey() string {
	return q.RoutingKey + DelaySuffix
}

// PublishOptions tunes a single publish
type PublishOptions struct {
	// Expiration drops the message from its queue after this long; used
	// with wait queues to return it to the work queue.
	Expiration time.Duration
	MessageID  string
	Headers    amqp.Table
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	mu          sync.RWMutex
	isConnected bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error),
		isConnected: false,
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
			c.logger.Info("Successfully connected to RabbitMQ")
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

	err = c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	go c.watchClose()

	c.setConnected(true)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
	)

	return nil
}

// watchClose flags the client as disconnected once the broker closes the channel
func (c *Client) watchClose() {
	amqpErr, ok := <-c.closeChan
	if ok && amqpErr != nil {
		c.logger.Error("RabbitMQ channel closed",
			slog.String("reason", amqpErr.Reason),
			slog.Int("code", amqpErr.Code),
		)
	}
	c.setConnected(false)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.isConnected = v
	c.mu.Unlock()
}

// DeclareQueue declares a work queue with its wait and delay queues.
//
// Rejected work messages dead-letter into the wait queue and return to the
// work queue after the visibility timeout. Deferred messages are published
// to the delay queue with a per-message expiration and return when it ends.
func (c *Client) DeclareQueue(spec QueueSpec) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	_, err := c.channel.QueueDeclare(
		spec.Name,    // name
		spec.Durable, // durable
		false,        // auto-delete
		false,        // exclusive
		false,        // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    c.config.ExchangeName,
			"x-dead-letter-routing-key": spec.WaitRoutingKey(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.Name, err)
	}

	if err := c.channel.QueueBind(spec.Name, spec.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", spec.Name, err)
	}

	_, err = c.channel.QueueDeclare(
		spec.WaitQueue(),
		spec.Durable,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             spec.VisibilityTimeout.Milliseconds(),
			"x-dead-letter-exchange":    c.config.ExchangeName,
			"x-dead-letter-routing-key": spec.RoutingKey,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.WaitQueue(), err)
	}

	if err := c.channel.QueueBind(spec.WaitQueue(), spec.WaitRoutingKey(), c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", spec.WaitQueue(), err)
	}

	_, err = c.channel.QueueDeclare(
		spec.DelayQueue(),
		spec.Durable,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    c.config.ExchangeName,
			"x-dead-letter-routing-key": spec.RoutingKey,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.DelayQueue(), err)
	}

	if err := c.channel.QueueBind(spec.DelayQueue(), spec.DelayRoutingKey(), c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", spec.DelayQueue(), err)
	}

	c.logger.Info("RabbitMQ queue declared",
		slog.String("queue", spec.Name),
		slog.String("routing_key", spec.RoutingKey),
		slog.Duration("visibility_timeout", spec.VisibilityTimeout),
	)

	return nil
}

// Publish publishes a message with retry logic and exponential backoff
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, opts PublishOptions) error {
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

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    opts.MessageID,
		Headers:      opts.Headers,
	}
	if opts.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.channel.PublishWithContext(
			ctx,
			c.config.ExchangeName, // exchange
			routingKey,            // routing key
			false,                 // mandatory
			false,                 // immediate
			msg,
		)

		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("routing_key", routingKey),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.Int("body_size", len(body)),
					slog.String("routing_key", routingKey),
				)
			}
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
			case <-ctx.Done():
				return fmt.Errorf("publish canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.String("routing_key", routingKey),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Consume starts consuming messages from the queue with manual acks
func (c *Client) Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetch),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.setConnected(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
