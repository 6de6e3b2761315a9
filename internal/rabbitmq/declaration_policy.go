package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue argument keys understood by the broker.
const (
	ArgQueueType            = "x-queue-type"
	ArgExpires              = "x-expires"
	ArgMessageTTL           = "x-message-ttl"
	ArgSingleActiveConsumer = "x-single-active-consumer"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	QueueTypeQuorum         = "quorum"
	QueueTypeClassic        = "classic"
)

// EffectiveAutoDelete: quorum queues can never be auto-delete.
func EffectiveAutoDelete(desired, useQuorumQueues bool) bool {
	return desired && !useQuorumQueues
}

// EffectiveDurable: quorum queues are always durable.
func EffectiveDurable(desired, useQuorumQueues bool) bool {
	return desired || useQuorumQueues
}

// EffectiveExclusive: quorum queues can never be exclusive.
func EffectiveExclusive(desired, useQuorumQueues bool) bool {
	return desired && !useQuorumQueues
}

// DeclarationPolicy reconciles the flags a caller asks for with the
// cluster-wide queue type.
type DeclarationPolicy struct {
	UseQuorumQueues bool
	QueueTTL        time.Duration // zero means no expiry argument
}

// NewDeclarationPolicy derives the policy from a built configuration.
func NewDeclarationPolicy(cfg *Configuration) DeclarationPolicy {
	policy := DeclarationPolicy{UseQuorumQueues: cfg.UseQuorumQueues()}
	if ttl, ok := cfg.QueueTTL(); ok {
		policy.QueueTTL = ttl
	}
	return policy
}

// Apply returns the declaration that should actually be sent to the broker.
// The input is not modified.
func (p DeclarationPolicy) Apply(queue QueueDeclaration) QueueDeclaration {
	effective := queue
	effective.Durable = EffectiveDurable(queue.Durable, p.UseQuorumQueues)
	effective.AutoDelete = EffectiveAutoDelete(queue.AutoDelete, p.UseQuorumQueues)
	effective.Exclusive = EffectiveExclusive(queue.Exclusive, p.UseQuorumQueues)
	effective.Arguments = p.arguments(queue.Arguments)
	return effective
}

func (p DeclarationPolicy) arguments(requested amqp.Table) amqp.Table {
	args := amqp.Table{}
	for k, v := range requested {
		args[k] = v
	}
	if p.UseQuorumQueues {
		args[ArgQueueType] = QueueTypeQuorum
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// QueueArguments builds the optional arguments for a queue declaration.
type QueueArguments struct {
	table amqp.Table
}

// NewQueueArguments starts an empty argument set.
func NewQueueArguments() *QueueArguments {
	return &QueueArguments{table: amqp.Table{}}
}

// Quorum marks the queue as quorum-replicated.
func (a *QueueArguments) Quorum() *QueueArguments {
	a.table[ArgQueueType] = QueueTypeQuorum
	return a
}

// SingleActiveConsumer lets only one consumer receive deliveries at a time.
func (a *QueueArguments) SingleActiveConsumer() *QueueArguments {
	a.table[ArgSingleActiveConsumer] = true
	return a
}

// Expires deletes the queue after it has been unused for ttl.
func (a *QueueArguments) Expires(ttl time.Duration) *QueueArguments {
	a.table[ArgExpires] = ttl.Milliseconds()
	return a
}

// MessageTTL discards messages older than ttl.
func (a *QueueArguments) MessageTTL(ttl time.Duration) *QueueArguments {
	a.table[ArgMessageTTL] = ttl.Milliseconds()
	return a
}

// DeadLetter routes rejected and expired messages to exchange.
func (a *QueueArguments) DeadLetter(exchange, routingKey string) *QueueArguments {
	a.table[ArgDeadLetterExchange] = exchange
	if routingKey != "" {
		a.table[ArgDeadLetterRoutingKey] = routingKey
	}
	return a
}

// ExpiresIfConfigured applies the configured queue TTL, if any. Used for
// per-node notification queues that must disappear with their consumer.
func (a *QueueArguments) ExpiresIfConfigured(p DeclarationPolicy) *QueueArguments {
	if p.QueueTTL > 0 {
		a.Expires(p.QueueTTL)
	}
	return a
}

// Build returns a copy of the arguments.
func (a *QueueArguments) Build() amqp.Table {
	out := make(amqp.Table, len(a.table))
	for k, v := range a.table {
		out[k] = v
	}
	return out
}
