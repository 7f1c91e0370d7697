package rpc

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// WorkItem describes the delivery a handler is working on
type WorkItem struct {
	Queue         string
	CorrelationID string
	MessageID     string
	ReplyTo       string
	Redelivered   bool
}

type workItemKey struct{}

func newWorkItem(queue string, d amqp.Delivery) WorkItem {
	return WorkItem{
		Queue:         queue,
		CorrelationID: d.CorrelationId,
		MessageID:     d.MessageId,
		ReplyTo:       d.ReplyTo,
		Redelivered:   d.Redelivered,
	}
}

// WorkItemFromContext returns the work item of a handler invocation
func WorkItemFromContext(ctx context.Context) (WorkItem, bool) {
	item, ok := ctx.Value(workItemKey{}).(WorkItem)
	return item, ok
}

// ContextWithWorkItem attaches item to ctx. The Responder does this for
// every handler invocation.
func ContextWithWorkItem(ctx context.Context, item WorkItem) context.Context {
	return context.WithValue(ctx, workItemKey{}, item)
}
