// Package rabbitmqtest provides an in-memory rabbitmq.Channel that routes
// messages between declared queues the way a broker would, including
// dead-lettering and TTL queues (which expire immediately unless held).
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const queueBuffer = 1024

// Published records a single publish call
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type queueState struct {
	name     string
	args     amqp.Table
	messages chan amqp.Delivery
}

type binding struct {
	exchange string
	key      string
	queue    string
}

type unacked struct {
	queue    string
	delivery amqp.Delivery
}

// Channel is a fake broker channel
type Channel struct {
	// HoldDelayed keeps messages in TTL queues instead of expiring them at once
	HoldDelayed bool
	// PublishErr, when set, is returned by every publish
	PublishErr error

	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queueState
	bindings  []binding
	consumers map[string]chan struct{}
	pending   map[uint64]unacked
	published []Published
	acked     []uint64
	nacked    []uint64
	prefetch  int
	limits    map[string]int
	nextTag   uint64
	closed    bool
	notify    []chan *amqp.Error
}

// NewChannel returns an empty fake channel
func NewChannel() *Channel {
	return &Channel{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queueState),
		consumers: make(map[string]chan struct{}),
		pending:   make(map[uint64]unacked),
		limits:    make(map[string]int),
	}
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.exchanges[name] = kind
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := c.queues[name]
	if !ok {
		q = &queueState{name: name, args: args, messages: make(chan amqp.Delivery, queueBuffer)}
		c.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.messages)}, nil
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue " + name}
	}
	return amqp.Queue{Name: name, Messages: len(q.messages)}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.queues[name]; !ok {
		return fmt.Errorf("queue %s not declared", name)
	}
	c.bindings = append(c.bindings, binding{exchange: exchange, key: key, queue: name})
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}

	c.published = append(c.published, Published{Exchange: exchange, Key: key, Msg: msg})
	c.route(exchange, key, deliveryFrom(exchange, key, msg))
	return nil
}

// route must be called with mu held
func (c *Channel) route(exchange, key string, d amqp.Delivery) {
	var targets []*queueState
	if exchange == "" {
		if q, ok := c.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		for _, b := range c.bindings {
			if b.exchange == exchange && b.key == key {
				targets = append(targets, c.queues[b.queue])
			}
		}
	}

	for _, q := range targets {
		if _, ttl := q.args["x-message-ttl"]; ttl && !c.HoldDelayed {
			c.deadLetter(q, d, "expired")
			continue
		}
		q.messages <- d
	}
}

// deadLetter must be called with mu held
func (c *Channel) deadLetter(q *queueState, d amqp.Delivery, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key, ok := q.args["x-dead-letter-routing-key"].(string)
	if !ok {
		key = d.RoutingKey
	}

	if d.Headers == nil {
		d.Headers = amqp.Table{}
	} else {
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		d.Headers = headers
	}
	d.Headers["x-first-death-reason"] = reason
	d.Headers["x-first-death-queue"] = q.name
	d.Exchange = dlx
	d.RoutingKey = key
	c.route(dlx, key, d)
}

func deliveryFrom(exchange, key string, msg amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:      msg.Headers,
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		Priority:     msg.Priority,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Type:         msg.Type,
		Exchange:     exchange,
		RoutingKey:   key,
		Body:         msg.Body,
	}
}

func (c *Channel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := c.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue " + queue}
	}
	if _, taken := c.consumers[consumer]; taken {
		return nil, fmt.Errorf("consumer tag %s already in use", consumer)
	}

	cancel := make(chan struct{})
	c.consumers[consumer] = cancel
	c.limits[consumer] = c.prefetch
	out := make(chan amqp.Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case <-cancel:
				return
			case <-ctx.Done():
				_ = c.Cancel(consumer, false)
				return
			case d := <-q.messages:
				c.mu.Lock()
				c.nextTag++
				d.DeliveryTag = c.nextTag
				d.ConsumerTag = consumer
				d.Acknowledger = c
				c.pending[d.DeliveryTag] = unacked{queue: q.name, delivery: d}
				c.mu.Unlock()

				select {
				case out <- d:
				case <-cancel:
					c.requeue(d.DeliveryTag)
					return
				case <-ctx.Done():
					c.requeue(d.DeliveryTag)
					_ = c.Cancel(consumer, false)
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *Channel) requeue(tag uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u, ok := c.pending[tag]; ok {
		delete(c.pending, tag)
		c.queues[u.queue].messages <- u.delivery
	}
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.consumers[consumer]; ok {
		close(cancel)
		delete(c.consumers, consumer)
	}
	return nil
}

func (c *Channel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notify = append(c.notify, ch)
	return ch
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for tag, cancel := range c.consumers {
		close(cancel)
		delete(c.consumers, tag)
	}
	for _, ch := range c.notify {
		close(ch)
	}
	c.notify = nil
	return nil
}

// Fail simulates the broker closing the channel with an error
func (c *Channel) Fail(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.notify {
		ch <- &amqp.Error{Code: amqp.ChannelError, Reason: reason}
		close(ch)
	}
	c.notify = nil
}

// Ack implements amqp.Acknowledger
func (c *Channel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[tag]; !ok {
		return errors.New("unknown delivery tag")
	}
	delete(c.pending, tag)
	c.acked = append(c.acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.pending[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(c.pending, tag)
	c.nacked = append(c.nacked, tag)

	q := c.queues[u.queue]
	if requeue {
		d := u.delivery
		d.Redelivered = true
		q.messages <- d
		return nil
	}
	c.deadLetter(q, u.delivery, "rejected")
	return nil
}

// Reject implements amqp.Acknowledger
func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

// Inject places a raw message on queue as if it had been routed there
func (c *Channel) Inject(queue string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[queue]
	if !ok {
		return fmt.Errorf("queue %s not declared", queue)
	}
	q.messages <- deliveryFrom("", queue, msg)
	return nil
}

// Depth returns the number of ready messages in queue
func (c *Channel) Depth(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[queue]
	if !ok {
		return 0
	}
	return len(q.messages)
}

// QueueArgs returns the arguments a queue was declared with
func (c *Channel) QueueArgs(queue string) (amqp.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[queue]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Exchanges returns declared exchanges by name with their kind
func (c *Channel) Exchanges() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.exchanges))
	for k, v := range c.exchanges {
		out[k] = v
	}
	return out
}

// Published returns every publish call so far
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Published(nil), c.published...)
}

// Prefetch returns the last QoS prefetch count
func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.prefetch
}

// ConsumerPrefetch returns the QoS prefetch in effect when consumer started
func (c *Channel) ConsumerPrefetch(consumer string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.limits[consumer]
	return n, ok
}

// Unacked returns the number of deliveries not yet settled
func (c *Channel) Unacked() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Settled returns the number of acked and nacked deliveries
func (c *Channel) Settled() (acked, nacked int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.acked), len(c.nacked)
}
