package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AckMode selects how deliveries from a consumer are acknowledged
type AckMode int

const (
	// ManualAck requires the consumer to ack, nack or reject every delivery
	ManualAck AckMode = iota
	// AutoAck lets the broker consider a delivery acknowledged once sent
	AutoAck
)

func (m AckMode) String() string {
	switch m {
	case ManualAck:
		return "manual"
	case AutoAck:
		return "auto"
	default:
		return "unknown"
	}
}

// PublishOptions carries the AMQP properties set on a published message
type PublishOptions struct {
	ReplyTo       string
	CorrelationID string
	MessageID     string
	ContentType   string
	Persistent    bool
	Headers       amqp.Table
}

// Binding is the queue transport bound to a single channel. It must only be
// used from the goroutine that owns the session it belongs to.
type Binding struct {
	ch Channel
}

// NewBinding wraps an open channel
func NewBinding(ch Channel) *Binding {
	return &Binding{ch: ch}
}

func (b *Binding) open(op, queue string) error {
	if b == nil || b.ch == nil || b.ch.IsClosed() {
		return newTransportError(op, queue, ErrChannelClosed)
	}
	return nil
}

// DeclareDurableQueue declares a named queue that survives broker restarts
func (b *Binding) DeclareDurableQueue(name string, args amqp.Table) error {
	if err := b.open("declare", name); err != nil {
		return err
	}
	_, err := b.ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return newTransportError("declare", name, err)
	}
	return nil
}

// DeclareExclusiveQueue declares a private, server-named queue that lives
// only as long as the owning connection and returns its name
func (b *Binding) DeclareExclusiveQueue() (string, error) {
	if err := b.open("declare", ""); err != nil {
		return "", err
	}
	q, err := b.ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", newTransportError("declare", "", err)
	}
	return q.Name, nil
}

// DeclareExchange declares an exchange, used for dead-letter wiring
func (b *Binding) DeclareExchange(name, kind string, durable bool) error {
	if err := b.open("declare exchange", name); err != nil {
		return err
	}
	err := b.ch.ExchangeDeclare(
		name,
		kind,
		durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return newTransportError("declare exchange", name, err)
	}
	return nil
}

// BindQueue binds a queue to an exchange with a routing key
func (b *Binding) BindQueue(queue, key, exchange string) error {
	if err := b.open("bind", queue); err != nil {
		return err
	}
	if err := b.ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return newTransportError("bind", queue, err)
	}
	return nil
}

// SetPrefetch limits the number of unacknowledged deliveries on the channel
func (b *Binding) SetPrefetch(count int) error {
	if err := b.open("qos", ""); err != nil {
		return err
	}
	if err := b.ch.Qos(count, 0, false); err != nil {
		return newTransportError("qos", "", err)
	}
	return nil
}

// Publish sends body to routingKey through the default exchange
func (b *Binding) Publish(ctx context.Context, routingKey string, body []byte, opts PublishOptions) error {
	if err := b.open("publish", routingKey); err != nil {
		return err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	msg := amqp.Publishing{
		Headers:       opts.Headers,
		ContentType:   contentType,
		ReplyTo:       opts.ReplyTo,
		CorrelationId: opts.CorrelationID,
		MessageId:     opts.MessageID,
		Timestamp:     time.Now(),
		Body:          body,
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	err := b.ch.PublishWithContext(
		ctx,
		"", // default exchange
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return newTransportError("publish", routingKey, err)
	}
	return nil
}

// Consume starts a consumer on queue and returns its delivery stream. The
// stream is closed when the channel closes.
func (b *Binding) Consume(queue string, mode AckMode) (<-chan amqp.Delivery, error) {
	if err := b.open("consume", queue); err != nil {
		return nil, err
	}
	deliveries, err := b.ch.Consume(
		queue,
		"", // server-generated consumer tag
		mode == AutoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, newTransportError("consume", queue, err)
	}
	return deliveries, nil
}

// Close closes the underlying channel
func (b *Binding) Close() error {
	if b == nil || b.ch == nil || b.ch.IsClosed() {
		return nil
	}
	return b.ch.Close()
}
