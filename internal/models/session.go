package models

// ChatSession is the client-side view of one conversation.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	// Synced marks sessions whose ID is also a chat in the relay's durable store.
	Synced bool `json:"synced,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (s ChatSession) Clone() ChatSession {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

// Exchange is one completed user/model round trip handed to durable storage.
type Exchange struct {
	ChatID    string
	UserID    string
	UserText  string
	ModelText string
	UserAt    int64
	ModelAt   int64
}
