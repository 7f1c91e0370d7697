// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq.Dialer interface. It models the parts of RabbitMQ the RPC layer
// relies on: default-exchange routing, server-named exclusive queues,
// prefetch, ack/nack/reject with requeue, dead-lettering and forced
// connection closure.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
)

// deliveryBuffer bounds each consumer's delivery stream. Messages beyond it
// stay queued until the next publish or ack.
const deliveryBuffer = 1024

var errUnknownDeliveryTag = errors.New("rabbitmqtest: unknown delivery tag")

// Broker is an in-memory message broker
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	conns     map[*Conn]struct{}
	dialErr   error
	dials     int
	nextQueue int
	nextTag   int
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	owner      *Conn
	args       amqp.Table
	messages   []*message
	consumers  []*consumer
	next       int
}

type exchange struct {
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type consumer struct {
	ch      *Chan
	q       *queue
	tag     string
	autoAck bool
	out     chan amqp.Delivery
}

type inflight struct {
	msg *message
	q   *queue
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDialError makes subsequent dials fail with err; nil restores them
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// Dials returns the number of dial attempts so far
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Flap force-closes every open connection the way a broker restart does
func (b *Broker) Flap() {
	b.mu.Lock()
	defer b.mu.Unlock()

	reason := &amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - broker forced connection closure",
		Server: true,
	}
	for c := range b.conns {
		c.closeLocked(reason)
	}
}

// Publish injects a message into the broker through the default exchange
func (b *Broker) Publish(routingKey string, pub amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeLocked("", routingKey, &message{pub: pub, routingKey: routingKey})
}

// Get removes and returns the message at the head of a queue
func (b *Broker) Get(name string) (amqp.Publishing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok || len(q.messages) == 0 {
		return amqp.Publishing{}, false
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg.pub, true
}

// QueueExists reports whether a queue is declared
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Unacked returns the number of deliveries from a queue awaiting settlement
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for c := range b.conns {
		for _, ch := range c.channels {
			for _, f := range ch.unacked {
				if f.q.name == name {
					n++
				}
			}
		}
	}
	return n
}

// Consumers returns the number of active consumers on a queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *Broker) routeLocked(exchangeName, key string, msg *message) {
	msg.exchange = exchangeName
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			q.messages = append(q.messages, msg)
			b.dispatchLocked(q)
		}
		return
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return
	}
	for _, bnd := range ex.bindings {
		if ex.kind != amqp.ExchangeFanout && bnd.key != key {
			continue
		}
		if q, ok := b.queues[bnd.queue]; ok {
			cp := *msg
			q.messages = append(q.messages, &cp)
			b.dispatchLocked(q)
		}
	}
}

func (b *Broker) deadLetterLocked(q *queue, msg *message) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	key := msg.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}

	pub := msg.pub
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	pub.Headers = headers

	b.routeLocked(dlx, key, &message{pub: pub, routingKey: key})
}

// dispatchLocked hands ready messages to consumers with spare prefetch
// capacity, round-robin
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		c := q.pickConsumer()
		if c == nil {
			return
		}

		msg := q.messages[0]
		q.messages = q.messages[1:]

		c.ch.nextTag++
		tag := c.ch.nextTag
		if !c.autoAck {
			c.ch.unacked[tag] = inflight{msg: msg, q: q}
		}

		c.out <- amqp.Delivery{
			Acknowledger:  c.ch,
			Headers:       msg.pub.Headers,
			ContentType:   msg.pub.ContentType,
			DeliveryMode:  msg.pub.DeliveryMode,
			CorrelationId: msg.pub.CorrelationId,
			ReplyTo:       msg.pub.ReplyTo,
			MessageId:     msg.pub.MessageId,
			Timestamp:     msg.pub.Timestamp,
			ConsumerTag:   c.tag,
			DeliveryTag:   tag,
			Redelivered:   msg.redelivered,
			Exchange:      msg.exchange,
			RoutingKey:    msg.routingKey,
			Body:          msg.pub.Body,
		}
	}
}

func (q *queue) pickConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if len(c.out) >= cap(c.out) {
			continue
		}
		if !c.autoAck && c.ch.prefetch > 0 && len(c.ch.unacked) >= c.ch.prefetch {
			continue
		}
		q.next = (q.next + i + 1) % len(q.consumers)
		return c
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// Conn is an in-memory broker connection
type Conn struct {
	broker   *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels []*Chan
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{
		conn:    c,
		broker:  c.broker,
		unacked: make(map[uint64]inflight),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Conn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
	c.channels = nil

	b := c.broker
	for name, q := range b.queues {
		if q.owner == c {
			delete(b.queues, name)
		}
	}
	delete(b.conns, c)

	notifyClosed(c.notify, reason)
	c.notify = nil
}

// Chan is an in-memory broker channel. It is also the Acknowledger of
// every delivery it hands out.
type Chan struct {
	conn      *Conn
	broker    *Broker
	closed    bool
	notify    []chan *amqp.Error
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]inflight
	consumers []*consumer
}

// Qos implements rabbitmq.Channel
func (ch *Chan) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		b.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueue)
	}

	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != ch.conn {
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name),
			}
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		args:       args,
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Chan) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = &exchange{kind: kind}
	}
	return nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Chan) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	for _, bnd := range ex.bindings {
		if bnd.queue == name && bnd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Chan) Consume(name, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, &amqp.Error{Code: amqp.ResourceLocked, Reason: "RESOURCE_LOCKED - queue is exclusive"}
	}

	if consumerTag == "" {
		b.nextTag++
		consumerTag = fmt.Sprintf("ctag-%d", b.nextTag)
	}
	c := &consumer{
		ch:      ch,
		q:       q,
		tag:     consumerTag,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery, deliveryBuffer),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)

	b.dispatchLocked(q)
	return c.out, nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Chan) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.routeLocked(exchangeName, key, &message{pub: msg, routingKey: key})
	return nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Chan) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Chan) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	for i, existing := range ch.conn.channels {
		if existing == ch {
			ch.conn.channels = append(ch.conn.channels[:i], ch.conn.channels[i+1:]...)
			break
		}
	}
	return nil
}

// closeLocked cancels consumers and requeues unsettled deliveries at the
// head of their queues, marked redelivered
func (ch *Chan) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	touched := make(map[*queue]struct{})
	for _, c := range ch.consumers {
		c.q.removeConsumer(c)
		close(c.out)
		touched[c.q] = struct{}{}
	}
	ch.consumers = nil

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		f := ch.unacked[tag]
		f.msg.redelivered = true
		f.q.messages = append([]*message{f.msg}, f.q.messages...)
		touched[f.q] = struct{}{}
	}
	ch.unacked = make(map[uint64]inflight)

	for q := range touched {
		if q.autoDelete && len(q.consumers) == 0 {
			delete(b.queues, q.name)
			continue
		}
		if _, ok := b.queues[q.name]; ok {
			b.dispatchLocked(q)
		}
	}

	notifyClosed(ch.notify, reason)
	ch.notify = nil
}

// Ack implements amqp.Acknowledger
func (ch *Chan) Ack(tag uint64, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	b.dispatchLocked(f.q)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Chan) Nack(tag uint64, _ bool, requeue bool) error {
	return ch.Reject(tag, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	if requeue {
		f.msg.redelivered = true
		f.q.messages = append([]*message{f.msg}, f.q.messages...)
	} else {
		b.deadLetterLocked(f.q, f.msg)
	}
	b.dispatchLocked(f.q)
	return nil
}

func (ch *Chan) settleLocked(tag uint64) (inflight, error) {
	if ch.closed {
		return inflight{}, amqp.ErrClosed
	}
	f, ok := ch.unacked[tag]
	if !ok {
		return inflight{}, errUnknownDeliveryTag
	}
	delete(ch.unacked, tag)
	return f, nil
}

func notifyClosed(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, c := range receivers {
		if reason != nil {
			select {
			case c <- reason:
			default:
			}
		}
		close(c)
	}
}
