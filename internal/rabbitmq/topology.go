package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Well-known work queues, one per worker role
const (
	QueueOrchestrator      = "orchestrator"
	QueueLanguageAgent     = "language-agent"
	QueueDiagramAgent      = "diagram-agent"
	QueueSoftwareAgent     = "software-agent"
	QueueLanguageGenerator = "language-generator"
	QueueDiagramGenerator  = "diagram-generator"
	QueueSoftwareGenerator = "software-generator"
	QueueBFF               = "bff"
)

// DeadLetterExchange receives work items rejected without requeue
const DeadLetterExchange = "mmate.dlx"

// WellKnownQueues lists every work queue of the pipeline
func WellKnownQueues() []string {
	return []string{
		QueueOrchestrator,
		QueueLanguageAgent,
		QueueDiagramAgent,
		QueueSoftwareAgent,
		QueueLanguageGenerator,
		QueueDiagramGenerator,
		QueueSoftwareGenerator,
		QueueBFF,
	}
}

// WorkQueue describes a durable work queue
type WorkQueue struct {
	Name string
	// DeadLetter routes rejected items to Name + ".dlq" through DeadLetterExchange
	DeadLetter bool
}

// DeadLetterQueue returns the name of the queue holding rejected items
func (q WorkQueue) DeadLetterQueue() string {
	return q.Name + ".dlq"
}

// Declare declares the work queue, and its dead-letter queue if enabled
func (q WorkQueue) Declare(b *Binding) error {
	if q.Name == "" {
		return fmt.Errorf("%w: work queue name is required", ErrInvalidConfiguration)
	}
	if !q.DeadLetter {
		return b.DeclareDurableQueue(q.Name, nil)
	}

	dlq := q.DeadLetterQueue()
	if err := b.DeclareExchange(DeadLetterExchange, "direct", true); err != nil {
		return err
	}
	if err := b.DeclareDurableQueue(dlq, nil); err != nil {
		return err
	}
	if err := b.BindQueue(dlq, dlq, DeadLetterExchange); err != nil {
		return err
	}

	return b.DeclareDurableQueue(q.Name, amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": dlq,
	})
}
