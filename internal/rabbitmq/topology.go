package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	ExchangeDirect  = amqp.ExchangeDirect
	ExchangeFanout  = amqp.ExchangeFanout
	ExchangeTopic   = amqp.ExchangeTopic
	ExchangeHeaders = amqp.ExchangeHeaders
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. The flags are the ones
// the caller wants; TopologyManager applies the declaration policy.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// BindingDeclaration defines a queue-to-exchange binding
type BindingDeclaration struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []BindingDeclaration
}

// TopologyManager declares exchanges, queues and bindings over pooled
// channels.
type TopologyManager struct {
	pool   *ChannelPool
	policy DeclarationPolicy
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool, policy DeclarationPolicy) *TopologyManager {
	return &TopologyManager{
		pool:   pool,
		policy: policy,
	}
}

// Policy returns the declaration policy applied to queues.
func (tm *TopologyManager) Policy() DeclarationPolicy {
	return tm.policy
}

// DeclareTopology declares exchanges, then queues, then bindings on a
// single channel.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, exchange := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ctx, exchange); err != nil {
				return topologyError("exchange", exchange.Name, "declare", err)
			}
		}

		for _, queue := range topology.Queues {
			if _, err := ch.QueueDeclare(ctx, tm.policy.Apply(queue)); err != nil {
				return topologyError("queue", queue.Name, "declare", err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := ch.QueueBind(ctx, binding); err != nil {
				return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
			}
		}

		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		if err := ch.ExchangeDeclare(ctx, exchange); err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
		return nil
	})
}

// DeclareQueue declares a single queue after applying the declaration
// policy.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclare(ctx, tm.policy.Apply(queue))
		if err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
		return nil
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding BindingDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		if err := ch.QueueBind(ctx, binding); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
		}
		return nil
	})
}

// UnbindQueue removes a queue binding
func (tm *TopologyManager) UnbindQueue(ctx context.Context, binding BindingDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		if err := ch.QueueUnbind(ctx, binding); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "delete", err)
		}
		return nil
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		if _, err := ch.QueueDelete(ctx, name, ifUnused, ifEmpty); err != nil {
			return topologyError("queue", name, "delete", err)
		}
		return nil
	})
}

// PurgeQueue drops the ready messages of a queue and returns their count.
func (tm *TopologyManager) PurgeQueue(ctx context.Context, name string) (int, error) {
	var purged int
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		purged, err = ch.QueuePurge(ctx, name)
		if err != nil {
			return topologyError("queue", name, "purge", err)
		}
		return nil
	})
	return purged, err
}

// DeleteExchange deletes an exchange
func (tm *TopologyManager) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		if err := ch.ExchangeDelete(ctx, name, ifUnused); err != nil {
			return topologyError("exchange", name, "delete", err)
		}
		return nil
	})
}

// GetQueueInfo retrieves queue information
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueInspect(ctx, name)
		if err != nil {
			return topologyError("queue", name, "inspect", err)
		}
		return nil
	})
	return q, err
}

// CreateQueueWithDLQ declares queueName so that rejected messages are
// dead-lettered through dlx into dlqName.
func (tm *TopologyManager) CreateQueueWithDLQ(ctx context.Context, queueName, dlqName, dlx string) error {
	return tm.DeclareTopology(ctx, Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: dlx, Kind: ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlqName, Durable: true},
			{
				Name:      queueName,
				Durable:   true,
				Arguments: NewQueueArguments().DeadLetter(dlx, dlqName).Build(),
			},
		},
		Bindings: []BindingDeclaration{
			{Queue: dlqName, Exchange: dlx, RoutingKey: dlqName},
		},
	})
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
