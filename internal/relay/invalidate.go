package relay

import (
	"context"
	"log"

	"supportchat/internal/redis"
)

const contextInvalidateChannel = "relay:context:invalidate"

// Invalidator fans chat evictions out to every relay instance over redis
// pub/sub. It only covers deletions; cached turns still require requests for
// one chat to reach the same instance.
type Invalidator struct {
	client *redis.Client
	cache  *ContextCache
}

func NewInvalidator(client *redis.Client, cache *ContextCache) *Invalidator {
	return &Invalidator{client: client, cache: cache}
}

// Listen evicts chats announced by other instances until ctx is done.
func (i *Invalidator) Listen(ctx context.Context) {
	if i == nil || i.client == nil || i.cache == nil {
		return
	}
	raw := i.client.Raw()
	if raw == nil {
		return
	}
	pubsub := raw.Subscribe(ctx, contextInvalidateChannel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				i.cache.Forget(msg.Payload)
			}
		}
	}()
}

// Publish announces that chatID must be evicted everywhere.
func (i *Invalidator) Publish(chatID string) {
	if i == nil || i.client == nil || chatID == "" {
		return
	}
	raw := i.client.Raw()
	if raw == nil {
		return
	}
	if err := raw.Publish(context.Background(), contextInvalidateChannel, chatID).Err(); err != nil {
		log.Printf("relay publish invalidation failed: %v", err)
	}
}
