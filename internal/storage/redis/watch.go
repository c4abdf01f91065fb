package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/redis/go-redis/v9"
)

type subscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
}

// Close stops delivery. It must not be called from inside the callback.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// Watch subscribes to the change channel. The subscription is confirmed
// before Watch returns, so no change published afterwards is missed.
// fn is called from a single goroutine, in publish order.
func (s *Store) Watch(ctx context.Context, fn func(storage.Change)) (storage.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.key("changes"))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	ch := pubsub.Channel()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var change storage.Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					continue
				}
				fn(change)
			}
		}
	}()

	return sub, nil
}
