package models

// User is the durable owner of chats.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	CreatedAt int64  `json:"createdAt"`
}

// Chat is the durable header of a conversation.
type Chat struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// StoredMessage is a persisted message row, ordered by Timestamp within a chat.
type StoredMessage struct {
	ID        int64  `json:"id"`
	ChatID    string `json:"chatId"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}
