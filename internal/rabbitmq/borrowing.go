package rabbitmq

import (
	"context"
	"sync"
	"time"
)

// Borrowing is a pending Borrow running in the background. The caller
// either claims the result or cancels; a channel granted after Cancel goes
// straight back to the pool.
type Borrowing struct {
	done   chan struct{}
	cancel context.CancelFunc

	ch  *PooledChannel
	err error

	mu        sync.Mutex
	claimed   bool
	abandoned bool
}

// BorrowAsync starts a borrow without blocking the caller.
func (cp *ChannelPool) BorrowAsync(ctx context.Context) *Borrowing {
	ctx, cancel := context.WithCancel(ctx)
	b := &Borrowing{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(b.done)
		defer cancel()
		b.ch, b.err = cp.Borrow(ctx)
	}()
	return b
}

// Done is closed once the borrow has completed, successfully or not.
func (b *Borrowing) Done() <-chan struct{} {
	return b.done
}

// Result waits for the borrow and hands the channel to the caller.
func (b *Borrowing) Result() (*PooledChannel, error) {
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.abandoned {
		return nil, &ChannelError{Op: "borrow", ChannelID: "pool", Err: ErrOperationCancelled, Timestamp: time.Now()}
	}
	b.claimed = true
	return b.ch, b.err
}

// Wait is Result bounded by ctx. When ctx ends first the borrow is cancelled.
func (b *Borrowing) Wait(ctx context.Context) (*PooledChannel, error) {
	select {
	case <-b.done:
		return b.Result()
	case <-ctx.Done():
		b.Cancel()
		return nil, &ChannelError{Op: "borrow", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	}
}

// Cancel abandons the borrow. It is a no-op once Result has returned.
func (b *Borrowing) Cancel() {
	b.mu.Lock()
	if b.claimed || b.abandoned {
		b.mu.Unlock()
		return
	}
	b.abandoned = true
	b.mu.Unlock()

	b.cancel()
	go func() {
		<-b.done
		if b.ch != nil {
			b.ch.Release()
		}
	}()
}
