// Package conversation holds the client-side list of chat sessions and folds
// streamed replies into them.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"supportchat/internal/history"
	"supportchat/internal/models"
	"supportchat/internal/relay"
)

const (
	DefaultTitle   = "New Conversation"
	WelcomeMessage = "Hello! I'm here to listen and support you. What's on your mind today?"
	ErrorText      = "Sorry, I encountered an error. Please try again."
	Placeholder    = "..."

	titleLimit = 25
)

var (
	ErrSessionNotFound = errors.New("conversation: session not found")
	ErrSendInFlight    = errors.New("conversation: a reply is still streaming for this session")
	ErrEmptyMessage    = errors.New("conversation: message is empty")
)

// Observer is called after every change to a streaming model message.
type Observer func(sessionID string, msg models.Message)

type Option func(*Store)

func WithObserver(fn Observer) Option {
	return func(s *Store) { s.observer = fn }
}

// WithRegistrar registers the user and every new chat with the relay's
// durable store. Only registered chats are sent with ids the relay may
// persist against.
func WithRegistrar(r Registrar) Option {
	return func(s *Store) { s.registrar = r }
}

// Store owns the in-memory sessions of one user, newest first.
type Store struct {
	userID    string
	responder Responder
	storage   SessionStorage
	observer  Observer
	registrar Registrar

	// serverUserID is the relay's id for userID; empty until registered
	serverUserID string

	mu       sync.Mutex
	sessions []*models.ChatSession
	active   string
	inFlight map[string]bool
}

func NewStore(userID string, responder Responder, storage SessionStorage, opts ...Option) *Store {
	s := &Store{
		userID:    userID,
		responder: responder,
		storage:   storage,
		inFlight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the saved sessions once. An empty history starts a new chat.
func (s *Store) Load(ctx context.Context) error {
	var saved []models.ChatSession
	if s.storage != nil {
		var err error
		saved, err = s.storage.Load(ctx, StorageKey(s.userID))
		if err != nil {
			return fmt.Errorf("load sessions: %w", err)
		}
	}

	if s.registrar != nil {
		id, err := s.registrar.EnsureUser(ctx, s.userID)
		switch {
		case err == nil:
			s.serverUserID = id
		case errors.Is(err, ErrRegistryDisabled):
		default:
			log.Printf("register user %s failed: %v", s.userID, err)
		}
	}

	s.mu.Lock()
	s.sessions = s.sessions[:0]
	for i := range saved {
		session := saved[i].Clone()
		s.sessions = append(s.sessions, &session)
	}
	s.active = ""
	if len(s.sessions) > 0 {
		s.active = s.sessions[0].ID
	}
	empty := len(s.sessions) == 0
	s.mu.Unlock()

	if empty {
		s.NewChat(ctx)
	}
	return nil
}

// NewChat creates a seeded session, makes it active and returns a copy.
func (s *Store) NewChat(ctx context.Context) models.ChatSession {
	session := &models.ChatSession{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  []models.Message{models.NewMessage(models.RoleModel, WelcomeMessage)},
		CreatedAt: models.NowMillis(),
	}
	if s.serverUserID != "" {
		id, err := s.registrar.CreateChat(ctx, s.serverUserID, DefaultTitle)
		if err != nil {
			log.Printf("register chat for user %s failed: %v", s.userID, err)
		} else {
			session.ID = id
			session.Synced = true
		}
	}
	s.mu.Lock()
	s.sessions = append([]*models.ChatSession{session}, s.sessions...)
	s.active = session.ID
	out := session.Clone()
	s.mu.Unlock()

	s.save(ctx)
	return out
}

func (s *Store) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(id) == nil {
		return ErrSessionNotFound
	}
	s.active = id
	return nil
}

// Delete removes a session. If it was active, the next remaining session
// becomes active. A reply still streaming into it is discarded.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, session := range s.sessions {
		if session.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	synced := s.sessions[idx].Synced
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	delete(s.inFlight, id)
	if s.active == id {
		s.active = ""
		if len(s.sessions) > 0 {
			s.active = s.sessions[0].ID
		}
	}
	s.mu.Unlock()

	if synced && s.serverUserID != "" {
		if err := s.registrar.DeleteChat(ctx, id); err != nil {
			log.Printf("delete chat %s on relay failed: %v", id, err)
		}
	}
	s.save(ctx)
	return nil
}

func (s *Store) Sessions() []models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	return out
}

func (s *Store) Session(id string) (models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.findLocked(id)
	if session == nil {
		return models.ChatSession{}, false
	}
	return session.Clone(), true
}

func (s *Store) Active() (models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.findLocked(s.active)
	if session == nil {
		return models.ChatSession{}, false
	}
	return session.Clone(), true
}

// Send appends the user message and a placeholder reply to the session, then
// streams the reply into the placeholder. It returns once the reply settles.
func (s *Store) Send(ctx context.Context, sessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	session := s.findLocked(sessionID)
	if session == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.inFlight[sessionID] {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.inFlight[sessionID] = true
	before := len(session.Messages)
	userID := s.requestUserIDLocked(session)
	session.Messages = append(session.Messages, models.NewMessage(models.RoleUser, text))
	prior, latest, err := history.Curate(session.Messages)
	session.Messages = append(session.Messages, models.NewMessage(models.RoleModel, Placeholder))
	s.mu.Unlock()
	s.save(ctx)

	if err != nil {
		return s.fail(ctx, sessionID, err)
	}

	stream, err := s.responder.Respond(ctx, relay.Request{
		History: prior,
		Message: latest.Text,
		ChatID:  sessionID,
		UserID:  userID,
	})
	if err != nil {
		return s.fail(ctx, sessionID, err)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.fail(ctx, sessionID, err)
		}
		reply.WriteString(delta.Text)
		s.fold(sessionID, reply.String())
	}

	s.mu.Lock()
	delete(s.inFlight, sessionID)
	if session := s.findLocked(sessionID); session != nil && before < 2 {
		session.Title = DeriveTitle(text)
	}
	s.mu.Unlock()
	s.save(ctx)
	return nil
}

// fold overwrites the trailing model message of the session with text.
func (s *Store) fold(sessionID, text string) {
	s.mu.Lock()
	session := s.findLocked(sessionID)
	if session == nil {
		s.mu.Unlock()
		return
	}
	last := len(session.Messages) - 1
	if last < 0 || session.Messages[last].Role != models.RoleModel {
		s.mu.Unlock()
		return
	}
	session.Messages[last].Text = text
	msg := session.Messages[last]
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(sessionID, msg)
	}
}

func (s *Store) fail(ctx context.Context, sessionID string, cause error) error {
	s.fold(sessionID, ErrorText)
	s.mu.Lock()
	delete(s.inFlight, sessionID)
	s.mu.Unlock()
	s.save(ctx)
	return fmt.Errorf("send to session %s: %w", sessionID, cause)
}

// requestUserIDLocked picks the user id sent with a relay request. With a
// registrar only registered chats carry the relay's user id; other chats
// carry none, so the relay never tries to persist against unknown ids.
func (s *Store) requestUserIDLocked(session *models.ChatSession) string {
	if s.registrar == nil {
		return s.userID
	}
	if session.Synced && s.serverUserID != "" {
		return s.serverUserID
	}
	return ""
}

func (s *Store) findLocked(id string) *models.ChatSession {
	if id == "" {
		return nil
	}
	for _, session := range s.sessions {
		if session.ID == id {
			return session
		}
	}
	return nil
}

// save writes the whole list; failures only get logged. The write ignores
// cancellation of ctx so an interrupted send still records its final state.
func (s *Store) save(ctx context.Context) {
	if s.storage == nil {
		return
	}
	sessions := s.Sessions()
	if err := s.storage.Save(context.WithoutCancel(ctx), StorageKey(s.userID), sessions); err != nil {
		log.Printf("save sessions for user %s failed: %v", s.userID, err)
	}
}

// DeriveTitle shortens the first user message to a session title.
func DeriveTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= titleLimit {
		return string(runes)
	}
	return string(runes[:titleLimit]) + "..."
}
