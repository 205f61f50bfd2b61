package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/inkwell-cms/collab/internal/pubsub"
	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/metrics"
	"github.com/inkwell-cms/collab/pkg/model"
)

// DefaultTopicPrefix precedes the document ID in change topics.
const DefaultTopicPrefix = "collab.changes."

// IngesterOptions configures an Ingester.
type IngesterOptions struct {
	PubSub      pubsub.PubSub
	TopicPrefix string
	// IsLocal reports whether a session lives on this instance.
	IsLocal func(sessionID string) bool
	// Apply replays a change committed elsewhere.
	Apply func(record model.ChangeRecord)
	// RecentlyEnded bounds how many ended local sessions are remembered.
	RecentlyEnded int
	Logger        *logging.Logger
	Metrics       *metrics.Registry
}

// Ingester publishes locally committed changes and replays changes
// committed by other instances.
type Ingester struct {
	opts   IngesterOptions
	log    *logging.Logger
	recent *lru.Cache[string, struct{}]

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
	wg      sync.WaitGroup
}

type watch struct {
	sub  pubsub.Subscription
	refs int
}

// NewIngester creates an ingester.
func NewIngester(opts IngesterOptions) (*Ingester, error) {
	if opts.PubSub == nil {
		return nil, fmt.Errorf("ingester requires a pubsub")
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.RecentlyEnded <= 0 {
		opts.RecentlyEnded = 1024
	}
	if opts.IsLocal == nil {
		opts.IsLocal = func(string) bool { return false }
	}
	if opts.Apply == nil {
		opts.Apply = func(model.ChangeRecord) {}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	recent, err := lru.New[string, struct{}](opts.RecentlyEnded)
	if err != nil {
		return nil, fmt.Errorf("create recently ended cache: %w", err)
	}

	return &Ingester{
		opts:    opts,
		log:     log.WithFields(map[string]any{"component": "ingester"}),
		recent:  recent,
		watches: make(map[string]*watch),
	}, nil
}

// Topic returns the change topic of documentID.
func (i *Ingester) Topic(documentID string) string {
	return i.opts.TopicPrefix + documentID
}

// Watch subscribes to documentID's topic. Calls are counted; the
// subscription lasts until the matching number of Unwatch calls.
func (i *Ingester) Watch(ctx context.Context, documentID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return fmt.Errorf("ingester closed")
	}

	if w, ok := i.watches[documentID]; ok {
		w.refs++
		return nil
	}

	sub, err := i.opts.PubSub.Subscribe(ctx, i.Topic(documentID))
	if err != nil {
		return fmt.Errorf("watch %s: %w", documentID, err)
	}
	i.watches[documentID] = &watch{sub: sub, refs: 1}

	i.wg.Add(1)
	go i.loop(documentID, sub)
	return nil
}

// Unwatch drops one reference to documentID's subscription.
func (i *Ingester) Unwatch(documentID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	w, ok := i.watches[documentID]
	if !ok {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	delete(i.watches, documentID)
	if err := w.sub.Close(); err != nil {
		i.log.WarnErr("close subscription", err, map[string]any{"document_id": documentID})
	}
}

// Watching reports whether documentID is subscribed.
func (i *Ingester) Watching(documentID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.watches[documentID]
	return ok
}

// MarkEnded remembers a local session that has ended, so its changes are
// not replayed when they arrive after the session is gone.
func (i *Ingester) MarkEnded(sessionID string) {
	i.recent.Add(sessionID, struct{}{})
}

// Publish sends each committed record to its document's topic.
func (i *Ingester) Publish(ctx context.Context, records []model.ChangeRecord) error {
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := i.opts.PubSub.Publish(ctx, i.Topic(r.DocumentID), payload); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingester) loop(documentID string, sub pubsub.Subscription) {
	defer i.wg.Done()
	for msg := range sub.Messages() {
		i.handle(documentID, msg)
	}
}

func (i *Ingester) handle(documentID string, msg pubsub.Message) {
	var rec model.ChangeRecord
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		i.log.WarnErr("discarding malformed change message", err, map[string]any{
			"topic": msg.Topic,
		})
		return
	}
	if rec.DocumentID != documentID {
		i.log.Warn("discarding change for another document", map[string]any{
			"topic":       msg.Topic,
			"document_id": rec.DocumentID,
		})
		return
	}
	if i.opts.IsLocal(rec.SessionID) || i.recent.Contains(rec.SessionID) {
		return
	}

	i.opts.Apply(rec)
	i.opts.Metrics.RecordRemoteIngested()
}

// Close ends every subscription and waits for the receive loops.
func (i *Ingester) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	for doc, w := range i.watches {
		w.sub.Close()
		delete(i.watches, doc)
	}
	i.mu.Unlock()

	i.wg.Wait()
	return nil
}
