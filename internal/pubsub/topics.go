package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrClosed is returned by operations on a closed TopicManager.
var ErrClosed = errors.New("topic manager closed")

// TopicManager owns the node's membership in the single record topic.
type TopicManager struct {
	pubsub *ps.PubSub
	name   string
	topic  *ps.Topic
	sub    *ps.Subscription

	mu     sync.Mutex
	closed bool
}

// NewTopicManager joins the topic called name.
func NewTopicManager(pubsub *ps.PubSub, name string) (*TopicManager, error) {
	if name == "" {
		return nil, errors.New("topic name is required")
	}

	topic, err := pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	log.Debugf("Joined topic: %s", name)

	return &TopicManager{
		pubsub: pubsub,
		name:   name,
		topic:  topic,
	}, nil
}

// Subscribe subscribes to the topic. Later calls return the same
// subscription and ignore opts.
func (tm *TopicManager) Subscribe(opts ...ps.SubOpt) (*ps.Subscription, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return nil, ErrClosed
	}
	if tm.sub != nil {
		return tm.sub, nil
	}

	sub, err := tm.topic.Subscribe(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	tm.sub = sub
	return sub, nil
}

// Publish broadcasts data on the topic.
func (tm *TopicManager) Publish(ctx context.Context, data []byte) error {
	tm.mu.Lock()
	closed := tm.closed
	tm.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return tm.topic.Publish(ctx, data)
}

// Name returns the topic name.
func (tm *TopicManager) Name() string {
	return tm.name
}

// Peers returns the peers currently known to be subscribed to the topic.
func (tm *TopicManager) Peers() []peer.ID {
	return tm.topic.ListPeers()
}

// Close cancels the subscription and leaves the topic.
func (tm *TopicManager) Close() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return nil
	}
	tm.closed = true

	if tm.sub != nil {
		tm.sub.Cancel()
	}
	return tm.topic.Close()
}
