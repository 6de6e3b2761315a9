package management

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockQueueLister struct {
	mock.Mock
}

func (m *MockQueueLister) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	args := m.Called(ctx)
	queues, _ := args.Get(0).([]QueueInfo)
	return queues, args.Error(1)
}

func mailQueues() []QueueInfo {
	return []QueueInfo{
		{Name: "jmapEvent-notification", Messages: 3, Consumers: 1},
		{Name: "mailboxEvent-workQueue", Messages: 120, Consumers: 4},
		{Name: "mailboxEvent-deadLetter", Messages: 7},
		{Name: "deleted-message-vault", Messages: 0, Consumers: 1},
	}
}

func TestMatchQueues(t *testing.T) {
	queues := mailQueues()

	assert.Len(t, MatchQueues(queues), 4)

	matched := MatchQueues(queues, "mailboxEvent-*")
	require.Len(t, matched, 2)
	assert.Equal(t, "mailboxEvent-workQueue", matched[0].Name)

	matched = MatchQueues(queues, "deleted-message-vault", "jmap*")
	assert.Len(t, matched, 2)

	assert.Empty(t, MatchQueues(queues, "["))
}

func TestQueueWatcherSnapshot(t *testing.T) {
	lister := &MockQueueLister{}
	lister.On("ListQueues", mock.Anything).Return(mailQueues(), nil).Once()

	snapshot, err := NewQueueWatcher(lister, time.Second, "mailboxEvent-*").Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshot.Queues, 2)
	assert.Equal(t, "mailboxEvent-workQueue", snapshot.Queues[0].Name)
	assert.Equal(t, "mailboxEvent-deadLetter", snapshot.Queues[1].Name)
	assert.Equal(t, 127, snapshot.TotalMessages)
	assert.Equal(t, 4, snapshot.TotalConsumers)
	lister.AssertExpectations(t)
}

func TestQueueWatcherWatch(t *testing.T) {
	t.Run("first poll failure is returned", func(t *testing.T) {
		lister := &MockQueueLister{}
		lister.On("ListQueues", mock.Anything).Return(nil, ErrUnauthorized).Once()

		err := NewQueueWatcher(lister, 10*time.Millisecond).Watch(context.Background(), func(QueueSnapshot, error) {
			t.Fatal("callback must not run")
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("later failures keep polling", func(t *testing.T) {
		lister := &MockQueueLister{}
		lister.On("ListQueues", mock.Anything).Return(mailQueues(), nil).Once()
		lister.On("ListQueues", mock.Anything).Return(nil, errors.New("connection refused")).Once()
		lister.On("ListQueues", mock.Anything).Return(mailQueues(), nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		var snapshots, failures int
		done := make(chan error, 1)
		go func() {
			done <- NewQueueWatcher(lister, 10*time.Millisecond).Watch(ctx, func(_ QueueSnapshot, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures++
					return
				}
				snapshots++
			})
		}()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return snapshots >= 2 && failures == 1
		}, 2*time.Second, 5*time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestNewQueueWatcherDefaultInterval(t *testing.T) {
	w := NewQueueWatcher(&MockQueueLister{}, 0)
	assert.Equal(t, 2*time.Second, w.interval)
}
