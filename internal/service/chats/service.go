package chats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"supportchat/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrChatNotFound = errors.New("chat not found")
)

// Service persists users, chats and messages.
type Service struct {
	db *sql.DB
}

// NewService builds a chat store over an already migrated database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// EnsureUser returns the user with the given name, creating it when missing.
// The boolean reports whether a row was inserted.
func (s *Service) EnsureUser(ctx context.Context, username string) (*models.User, bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, false, errors.New("username is required")
	}
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == nil {
		return &user, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("query user: %w", err)
	}

	user = models.User{ID: uuid.NewString(), Username: username, CreatedAt: models.NowMillis()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		user.ID, user.Username, user.CreatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	return &user, true, nil
}

// CreateChat inserts a new chat owned by userID.
func (s *Service) CreateChat(ctx context.Context, userID, title string) (*models.Chat, error) {
	userID = strings.TrimSpace(userID)
	title = strings.TrimSpace(title)
	if userID == "" || title == "" {
		return nil, errors.New("userId and title required")
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	now := models.NowMillis()
	chat := &models.Chat{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.UserID, chat.Title, chat.CreatedAt, chat.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// ListChats returns the user's chats, newest first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ListMessages returns a chat's messages in timestamp order.
func (s *Service) ListMessages(ctx context.Context, chatID string) ([]models.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, text, timestamp FROM messages WHERE chat_id = ? ORDER BY timestamp ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.StoredMessage, 0)
	for rows.Next() {
		var m models.StoredMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteChat removes a chat and its messages.
func (s *Service) DeleteChat(ctx context.Context, chatID string) (err error) {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("invalid chat id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrChatNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// AddExchange records a user message and the model reply in one transaction.
// An empty reply stores only the user message.
func (s *Service) AddExchange(ctx context.Context, ex models.Exchange) (err error) {
	if ex.ChatID == "" || ex.UserID == "" {
		return errors.New("chat id and user id are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var owner string
	if err = tx.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE id = ?`, ex.ChatID).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrChatNotFound
			return err
		}
		return fmt.Errorf("lookup chat: %w", err)
	}
	if owner != ex.UserID {
		err = ErrChatNotFound
		return err
	}

	insert := `INSERT INTO messages (chat_id, role, text, timestamp) VALUES (?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, insert, ex.ChatID, models.RoleUser, ex.UserText, ex.UserAt); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	last := ex.UserAt
	if ex.ModelText != "" {
		if _, err = tx.ExecContext(ctx, insert, ex.ChatID, models.RoleModel, ex.ModelText, ex.ModelAt); err != nil {
			return fmt.Errorf("insert model message: %w", err)
		}
		last = ex.ModelAt
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, last, ex.ChatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}
