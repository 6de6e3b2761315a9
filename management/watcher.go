package management

import (
	"context"
	"path"
	"sort"
	"time"
)

// QueueLister lists the queues of a vhost.
type QueueLister interface {
	ListQueues(ctx context.Context) ([]QueueInfo, error)
}

// QueueSnapshot is one poll of the queue listing, sorted by depth.
type QueueSnapshot struct {
	Time           time.Time
	Queues         []QueueInfo
	TotalMessages  int
	TotalConsumers int
}

// QueueWatcher polls queue metrics at a fixed interval
type QueueWatcher struct {
	lister   QueueLister
	interval time.Duration
	patterns []string
}

// NewQueueWatcher creates a watcher. Patterns use path.Match syntax, so
// "mailboxEvent-*" selects every mailbox event queue; no pattern selects all.
func NewQueueWatcher(lister QueueLister, interval time.Duration, patterns ...string) *QueueWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &QueueWatcher{lister: lister, interval: interval, patterns: patterns}
}

// Snapshot polls once.
func (w *QueueWatcher) Snapshot(ctx context.Context) (QueueSnapshot, error) {
	queues, err := w.lister.ListQueues(ctx)
	if err != nil {
		return QueueSnapshot{}, err
	}

	snapshot := QueueSnapshot{Time: time.Now(), Queues: MatchQueues(queues, w.patterns...)}
	sort.SliceStable(snapshot.Queues, func(i, j int) bool {
		return snapshot.Queues[i].Messages > snapshot.Queues[j].Messages
	})
	for _, q := range snapshot.Queues {
		snapshot.TotalMessages += q.Messages
		snapshot.TotalConsumers += q.Consumers
	}
	return snapshot, nil
}

// Watch calls fn with a snapshot immediately and then on every tick until
// ctx is done. A failing first poll is returned; later failures are passed
// to fn and polling continues.
func (w *QueueWatcher) Watch(ctx context.Context, fn func(QueueSnapshot, error)) error {
	snapshot, err := w.Snapshot(ctx)
	if err != nil {
		return err
	}
	fn(snapshot, nil)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snapshot, err := w.Snapshot(ctx)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			fn(snapshot, err)
		}
	}
}

// MatchQueues keeps the queues whose name matches any pattern. Malformed
// patterns match nothing.
func MatchQueues(queues []QueueInfo, patterns ...string) []QueueInfo {
	if len(patterns) == 0 {
		return queues
	}

	matched := make([]QueueInfo, 0, len(queues))
	for _, q := range queues {
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, q.Name); ok {
				matched = append(matched, q)
				break
			}
		}
	}
	return matched
}
