package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by every operation on a closed client
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	URL                string
	ExchangeName       string
	ExchangeType       string
	DeadLetterExchange string
	QueueName          string
	RoutingKey         string
	DeadRoutingKey     string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	// DelayQueueExpiry removes idle per-delay queues after this long
	DelayQueueExpiry time.Duration
}

// Channel is the subset of *amqp.Channel the client uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Client owns one connection and one channel with the queue topology declared
type Client struct {
	config  *Config
	conn    *amqp.Connection
	channel Channel
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
	delayed   map[string]struct{}

	// consumeMu pairs each Qos call with the consumer it applies to
	consumeMu sync.Mutex
}

// NewClient dials RabbitMQ with retries, opens a channel and declares the topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	applyDefaults(config)

	conn, err := dial(config, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	client, err := NewWithChannel(config, ch, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	client.conn = conn

	return client, nil
}

// NewWithChannel declares the topology on an existing channel
func NewWithChannel(config *Config, ch Channel, logger *slog.Logger) (*Client, error) {
	applyDefaults(config)

	client := &Client{
		config:  config,
		channel: ch,
		logger:  logger,
		delayed: make(map[string]struct{}),
	}

	if err := client.setup(); err != nil {
		return nil, fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	go client.watch(closeChan)

	client.connected = true

	logger.Info("RabbitMQ client initialized",
		slog.String("exchange", config.ExchangeName),
		slog.String("dead_letter_exchange", config.DeadLetterExchange),
		slog.String("queue", config.QueueName),
	)

	return client, nil
}

func applyDefaults(config *Config) {
	if config.ExchangeType == "" {
		config.ExchangeType = amqp.ExchangeTopic
	}
	if config.ExchangeName == "" {
		config.ExchangeName = config.QueueName + ".exchange"
	}
	if config.DeadLetterExchange == "" {
		config.DeadLetterExchange = config.ExchangeName + ".dlx"
	}
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.DeadRoutingKey == "" {
		config.DeadRoutingKey = config.RoutingKey + ".dead"
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if config.DelayQueueExpiry <= 0 {
		config.DelayQueueExpiry = time.Hour
	}
}

// dial establishes the connection with retry logic
func dial(config *Config, logger *slog.Logger) (*amqp.Connection, error) {
	amqpConfig := amqp.Config{
		Heartbeat: config.Heartbeat,
		Locale:    "en_US",
	}

	var err error
	for attempt := 1; attempt <= config.RetryAttempts; attempt++ {
		logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", config.RetryAttempts),
		)

		var conn *amqp.Connection
		conn, err = amqp.DialConfig(config.URL, amqpConfig)
		if err == nil {
			logger.Info("Successfully connected to RabbitMQ")
			return conn, nil
		}

		logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < config.RetryAttempts {
			time.Sleep(config.RetryInterval)
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", config.RetryAttempts, err)
}

// setup declares the live exchange, the dead letter exchange, the work queue and its dead letter queue
func (c *Client) setup() error {
	for _, name := range []string{c.config.ExchangeName, c.config.DeadLetterExchange} {
		err := c.channel.ExchangeDeclare(
			name,                  // name
			c.config.ExchangeType, // type
			true,                  // durable
			false,                 // auto-deleted
			false,                 // internal
			false,                 // no-wait
			nil,                   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}

	_, err := c.channel.QueueDeclare(
		c.config.QueueName, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    c.config.DeadLetterExchange,
			"x-dead-letter-routing-key": c.config.DeadRoutingKey,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	if _, err := c.channel.QueueDeclare(c.DeadQueueName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}

	if err := c.channel.QueueBind(c.DeadQueueName(), c.config.DeadRoutingKey, c.config.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}

	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	return nil
}

func (c *Client) watch(closeChan <-chan *amqp.Error) {
	amqpErr, ok := <-closeChan
	if !ok {
		return
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.logger.Error("RabbitMQ channel closed",
		slog.String("reason", amqpErr.Reason),
		slog.Int("code", amqpErr.Code),
	)
}

// QueueName returns the work queue name
func (c *Client) QueueName() string {
	return c.config.QueueName
}

// DeadQueueName returns the dead letter queue name
func (c *Client) DeadQueueName() string {
	return c.config.QueueName + ".dead"
}

// DelayQueueName returns the TTL queue used for a given delay
func (c *Client) DelayQueueName(delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", c.config.QueueName, delay.Milliseconds())
}

// Publish sends msg to the live exchange
func (c *Client) Publish(ctx context.Context, msg amqp.Publishing) error {
	return c.publish(ctx, c.config.ExchangeName, c.config.RoutingKey, msg)
}

// PublishDelayed parks msg in a per-delay TTL queue that expires into the live exchange
func (c *Client) PublishDelayed(ctx context.Context, delay time.Duration, msg amqp.Publishing) error {
	if delay <= 0 {
		return c.Publish(ctx, msg)
	}

	name, err := c.declareDelayQueue(delay)
	if err != nil {
		return err
	}

	// default exchange routes by queue name
	return c.publish(ctx, "", name, msg)
}

// PublishDead routes msg straight to the dead letter queue
func (c *Client) PublishDead(ctx context.Context, msg amqp.Publishing) error {
	return c.publish(ctx, c.config.DeadLetterExchange, c.config.DeadRoutingKey, msg)
}

func (c *Client) declareDelayQueue(delay time.Duration) (string, error) {
	name := c.DelayQueueName(delay)

	c.mu.RLock()
	_, known := c.delayed[name]
	c.mu.RUnlock()
	if known {
		return name, nil
	}

	ch, err := c.current()
	if err != nil {
		return "", err
	}

	ttl := delay.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	expires := max(c.config.DelayQueueExpiry.Milliseconds(), ttl*2)

	_, err = ch.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             ttl,
			"x-dead-letter-exchange":    c.config.ExchangeName,
			"x-dead-letter-routing-key": c.config.RoutingKey,
			"x-expires":                 expires,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}

	c.mu.Lock()
	c.delayed[name] = struct{}{}
	c.mu.Unlock()

	return name, nil
}

// publish retries with exponential backoff
func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, err := c.current()
	if err != nil {
		return err
	}

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	retries := max(c.config.PublishRetries, 0)
	delay := c.config.PublishRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		err := ch.PublishWithContext(ctx, exchange, key, false, false, msg)
		if err == nil {
			c.logger.Debug("Message published to RabbitMQ",
				slog.String("exchange", exchange),
				slog.String("routing_key", key),
				slog.String("message_id", msg.MessageId),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}
		lastErr = err

		if attempt < retries {
			wait := delay << attempt
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying",
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", wait),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", key),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", retries+1, lastErr)
}

// Consume starts a manual-ack consumer on queue with the given prefetch
func (c *Client) Consume(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := c.current()
	if err != nil {
		return nil, err
	}

	if prefetch <= 0 {
		prefetch = 1
	}

	c.consumeMu.Lock()
	defer c.consumeMu.Unlock()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(
		ctx,
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
		slog.Int("prefetch", prefetch),
	)

	return deliveries, nil
}

// Cancel stops a consumer so the broker stops sending it deliveries
func (c *Client) Cancel(consumerTag string) error {
	ch, err := c.current()
	if err != nil {
		return err
	}
	if err := ch.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer: %w", err)
	}
	return nil
}

// QueueDepth returns the number of ready messages in the work queue
func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	ch, err := c.current()
	if err != nil {
		return 0, err
	}

	q, err := ch.QueueDeclarePassive(
		c.config.QueueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    c.config.DeadLetterExchange,
			"x-dead-letter-routing-key": c.config.DeadRoutingKey,
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return q.Messages, nil
}

// Close closes the channel and the connection. Calling it twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected && c.channel == nil {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	ch, conn := c.channel, c.conn
	c.channel, c.conn = nil, nil
	c.mu.Unlock()

	c.logger.Info("Closing RabbitMQ connection")

	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

func (c *Client) current() (Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.channel == nil {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.channel == nil {
		return false
	}
	return c.conn == nil || !c.conn.IsClosed()
}
