package relay

import (
	"container/list"
	"context"
	"sync"
	"time"

	"supportchat/internal/models"
)

const DefaultSweepInterval = time.Minute

type contextKey struct {
	userID string
	chatID string
}

type contextEntry struct {
	key     contextKey
	turns   []models.Message
	touched time.Time
}

// ContextCache holds provider-ready turns per (user, chat) pair with LRU
// eviction bounded by maxSessions and an optional idle expiry. A chat id
// alone never resolves another user's turns. It lives in one process;
// nothing synchronizes it across relay instances.
type ContextCache struct {
	mu      sync.Mutex
	max     int
	idle    time.Duration
	order   *list.List // front = most recently used
	entries map[contextKey]*list.Element
	now     func() time.Time
}

// NewContextCache returns nil when maxSessions <= 0, which callers treat as
// "no cache".
func NewContextCache(maxSessions int, idle time.Duration) *ContextCache {
	if maxSessions <= 0 {
		return nil
	}
	return &ContextCache{
		max:     maxSessions,
		idle:    idle,
		order:   list.New(),
		entries: make(map[contextKey]*list.Element),
		now:     time.Now,
	}
}

// Get returns a copy of the cached turns of userID's chat.
func (c *ContextCache) Get(userID, chatID string) ([]models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[contextKey{userID: userID, chatID: chatID}]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*contextEntry)
	if c.expiredLocked(entry) {
		c.removeLocked(elem)
		return nil, false
	}
	entry.touched = c.now()
	c.order.MoveToFront(elem)
	return append([]models.Message(nil), entry.turns...), true
}

// Put stores turns for userID's chat, evicting the least recently used entry
// when full.
func (c *ContextCache) Put(userID, chatID string, turns []models.Message) {
	copied := append([]models.Message(nil), turns...)
	key := contextKey{userID: userID, chatID: chatID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*contextEntry)
		entry.turns = copied
		entry.touched = c.now()
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&contextEntry{key: key, turns: copied, touched: c.now()})
	c.entries[key] = elem
	for c.order.Len() > c.max {
		c.removeLocked(c.order.Back())
	}
}

// Forget evicts chatID for every user.
func (c *ContextCache) Forget(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.entries {
		if key.chatID == chatID {
			c.removeLocked(elem)
		}
	}
}

func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// StartSweeper evicts idle entries every interval until ctx is done.
func (c *ContextCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if c == nil || c.idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *ContextCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// oldest entries sit at the back
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if !c.expiredLocked(elem.Value.(*contextEntry)) {
			break
		}
		c.removeLocked(elem)
		elem = prev
	}
}

func (c *ContextCache) expiredLocked(entry *contextEntry) bool {
	return c.idle > 0 && c.now().Sub(entry.touched) >= c.idle
}

func (c *ContextCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*contextEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}
