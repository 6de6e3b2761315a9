package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTopology(t *testing.T, policy DeclarationPolicy) (*TopologyManager, *fakeOpener, *ChannelPool) {
	t.Helper()
	opener := &fakeOpener{}
	pool := newStartedPool(t, opener, WithMaxChannel(1))
	return NewTopologyManager(pool, policy), opener, pool
}

func TestTopologyManagerDeclareTopology(t *testing.T) {
	tm, opener, _ := newTestTopology(t, DeclarationPolicy{UseQuorumQueues: true})
	ctx := context.Background()

	err := tm.DeclareTopology(ctx, Topology{
		Exchanges: []ExchangeDeclaration{{Name: "james:events", Kind: ExchangeDirect, Durable: true}},
		Queues: []QueueDeclaration{
			{Name: "mailboxEvent-workQueue", AutoDelete: true, Exclusive: true},
		},
		Bindings: []BindingDeclaration{
			{Queue: "mailboxEvent-workQueue", Exchange: "james:events", RoutingKey: "mailbox"},
		},
	})
	require.NoError(t, err)

	require.Len(t, opener.Opened(), 1)
	ch := opener.Opened()[0]
	require.Len(t, ch.exchanges, 1)
	assert.Equal(t, "james:events", ch.exchanges[0].Name)

	require.Len(t, ch.queues, 1)
	declared := ch.queues[0]
	assert.True(t, declared.Durable)
	assert.False(t, declared.AutoDelete)
	assert.False(t, declared.Exclusive)
	assert.Equal(t, QueueTypeQuorum, declared.Arguments[ArgQueueType])

	require.Len(t, ch.bindings, 1)
	assert.Equal(t, "mailbox", ch.bindings[0].RoutingKey)
}

func TestTopologyManagerDeclareQueue(t *testing.T) {
	tm, opener, _ := newTestTopology(t, DeclarationPolicy{})
	ctx := context.Background()

	queue, err := tm.DeclareQueue(ctx, QueueDeclaration{
		Name:       "jmap-notification",
		AutoDelete: true,
		Arguments:  NewQueueArguments().ExpiresIfConfigured(tm.Policy()).Build(),
	})
	require.NoError(t, err)
	assert.Equal(t, "jmap-notification", queue.Name)

	declared := opener.Opened()[0].queues[0]
	assert.True(t, declared.AutoDelete)
	assert.False(t, declared.Durable)
	assert.Nil(t, declared.Arguments)
}

func TestTopologyManagerCreateQueueWithDLQ(t *testing.T) {
	tm, opener, _ := newTestTopology(t, DeclarationPolicy{})

	require.NoError(t, tm.CreateQueueWithDLQ(context.Background(), "deliveries", "deliveries-dead", "deliveries-dlx"))

	ch := opener.Opened()[0]
	require.Len(t, ch.queues, 2)
	assert.Equal(t, "deliveries-dead", ch.queues[0].Name)
	assert.Equal(t, "deliveries", ch.queues[1].Name)
	assert.Equal(t, "deliveries-dlx", ch.queues[1].Arguments[ArgDeadLetterExchange])
	assert.Equal(t, "deliveries-dead", ch.queues[1].Arguments[ArgDeadLetterRoutingKey])
	assert.Equal(t, []BindingDeclaration{{Queue: "deliveries-dead", Exchange: "deliveries-dlx", RoutingKey: "deliveries-dead"}}, ch.bindings)
}

func TestTopologyManagerQueueInfo(t *testing.T) {
	tm, opener, pool := newTestTopology(t, DeclarationPolicy{})
	ctx := context.Background()

	_, err := tm.DeclareQueue(ctx, QueueDeclaration{Name: "present"})
	require.NoError(t, err)

	info, err := tm.GetQueueInfo(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Messages)
	assert.Equal(t, 1, info.Consumers)

	t.Run("missing queue closes the channel", func(t *testing.T) {
		_, err := tm.GetQueueInfo(ctx, "absent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTopologyDeclarationFailed)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
		assert.Equal(t, 0, pool.Size())

		_, err = tm.DeclareQueue(ctx, QueueDeclaration{Name: "after"})
		require.NoError(t, err)
		assert.Len(t, opener.Opened(), 2)
	})
}

func TestTopologyManagerDeletes(t *testing.T) {
	tm, opener, _ := newTestTopology(t, DeclarationPolicy{})
	ctx := context.Background()

	purged, err := tm.PurgeQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 7, purged)

	require.NoError(t, tm.UnbindQueue(ctx, BindingDeclaration{Queue: "q", Exchange: "x"}))
	require.NoError(t, tm.DeleteQueue(ctx, "q", false, false))
	require.NoError(t, tm.DeleteExchange(ctx, "x", false))

	assert.Equal(t, []string{"binding:q->x", "queue:q", "exchange:x"}, opener.Opened()[0].deleted)
}

func TestTopologyManagerErrors(t *testing.T) {
	tm, opener, _ := newTestTopology(t, DeclarationPolicy{})
	ctx := context.Background()

	require.NoError(t, tm.DeclareExchange(ctx, ExchangeDeclaration{Name: "ok", Kind: ExchangeFanout}))
	refused := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'"}
	opener.Opened()[0].setErr(refused)

	err := tm.DeclareExchange(ctx, ExchangeDeclaration{Name: "james:events", Kind: ExchangeDirect})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTopologyDeclarationFailed)
	assert.True(t, errors.Is(err, refused))

	var topoErr *TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Equal(t, "exchange", topoErr.Component)
	assert.Equal(t, "james:events", topoErr.Name)
	assert.Equal(t, "declare", topoErr.Op)
}
