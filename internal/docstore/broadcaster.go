// ABOUTME: In-memory fan-out of committed document changes to prefix subscribers
// ABOUTME: Backs Store.Subscribe for every store implementation

package docstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster delivers Changes to subscribers whose prefix matches the
// changed document's path. Slow subscribers lose changes rather than
// blocking writers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // prefix -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "docstore_broadcaster"),
	}
}

// Subscribe registers for changes at or below prefix. The subscription is
// removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, prefix string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[prefix]; !ok {
		b.subscribers[prefix] = make(map[string]chan Change)
	}
	b.subscribers[prefix][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "prefix", prefix, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(prefix, subID)
	}()

	return ch, subID
}

// Publish hands the change to every matching subscriber without blocking.
func (b *Broadcaster) Publish(change Change) {
	if change.Document == nil {
		return
	}
	path := change.Document.Path

	b.mu.RLock()
	var targets []chan Change
	for prefix, subs := range b.subscribers {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		for _, ch := range subs {
			targets = append(targets, ch)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- Change{Kind: change.Kind, Document: cloneDocument(change.Document)}:
		default:
			b.logger.Debug("dropped change for slow subscriber", "path", path)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(prefix, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[prefix]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, prefix)
	}

	b.logger.Debug("subscriber removed", "prefix", prefix, "sub_id", subID)
}

// Close closes every subscriber channel. Later Subscribe calls get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for prefix, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, prefix)
	}
	b.closed = true
}
