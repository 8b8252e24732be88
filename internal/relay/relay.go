package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"supportchat/internal/history"
	"supportchat/internal/models"
	"supportchat/internal/service/ai"
)

// ModelSource resolves a chat model by name; an empty name means the default.
type ModelSource interface {
	Model(ctx context.Context, name string) (model.BaseChatModel, error)
}

// Persister accepts completed exchanges for durable storage. Implementations
// must not block on the write itself.
type Persister interface {
	Persist(ex models.Exchange) error
}

// Request is the body of a relay call.
type Request struct {
	Model   string           `json:"model"`
	History []models.Message `json:"history"`
	Message string           `json:"message"`
	ChatID  string           `json:"chatId"`
	UserID  string           `json:"userId"`
}

// Service forwards curated conversations to the provider.
type Service struct {
	models      ModelSource
	persister   Persister
	contexts    *ContextCache
	invalidator *Invalidator
	instruction string
}

type Option func(*Service)

// WithPersister enables best-effort persistence of completed exchanges.
func WithPersister(p Persister) Option {
	return func(s *Service) { s.persister = p }
}

// WithContextCache keeps per-chat provider context between requests. Only
// valid for a single relay instance unless requests are pinned per chat.
func WithContextCache(c *ContextCache) Option {
	return func(s *Service) { s.contexts = c }
}

// WithInvalidator broadcasts chat evictions to other relay instances.
func WithInvalidator(inv *Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

func WithSystemInstruction(text string) Option {
	return func(s *Service) { s.instruction = text }
}

func NewService(src ModelSource, opts ...Option) *Service {
	s := &Service{models: src, instruction: ai.SystemInstruction}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PersistenceEnabled reports whether completed exchanges are recorded.
func (s *Service) PersistenceEnabled() bool {
	return s.persister != nil
}

// Forget drops cached provider context for a chat here and, when an
// invalidator is configured, on every other instance.
func (s *Service) Forget(chatID string) {
	if s.contexts != nil {
		s.contexts.Forget(chatID)
	}
	if s.invalidator != nil {
		s.invalidator.Publish(chatID)
	}
}

// Open validates the request and starts the provider stream. Errors returned
// here happen before anything is sent to the client.
func (s *Service) Open(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrBadRequest
	}
	prior, ok := s.cachedTurns(req.UserID, req.ChatID)
	if !ok {
		prior = Prior(req.History, req.Message)
	}

	chatModel, err := s.models.Model(ctx, req.Model)
	if err != nil {
		return nil, &ProviderError{Stage: "open", Err: err}
	}
	reader, err := chatModel.Stream(ctx, s.buildInput(prior, req.Message))
	if err != nil {
		return nil, &ProviderError{Stage: "open", Err: err}
	}
	return &Stream{
		svc:    s,
		req:    req,
		prior:  prior,
		reader: reader,
		userAt: models.NowMillis(),
	}, nil
}

// Prior builds the provider-facing prior turns from a client history and the
// new message. Clients usually send the history including the new
// utterance, so a trailing copy of it is dropped.
func Prior(raw []models.Message, message string) []models.Message {
	clean := history.Sanitize(raw)
	if n := len(clean); n > 0 && clean[n-1].Role == models.RoleUser && clean[n-1].Text == message {
		clean = clean[:n-1]
	}
	full := append(clean, models.Message{Role: models.RoleUser, Text: message})
	prior, _, err := history.Curate(full)
	if err != nil {
		// unreachable: full always ends with a user turn
		return nil
	}
	return prior
}

func (s *Service) cachedTurns(userID, chatID string) ([]models.Message, bool) {
	if s.contexts == nil || chatID == "" {
		return nil, false
	}
	return s.contexts.Get(userID, chatID)
}

func (s *Service) buildInput(prior []models.Message, message string) []*schema.Message {
	input := make([]*schema.Message, 0, len(prior)+2)
	if s.instruction != "" {
		input = append(input, &schema.Message{Role: schema.System, Content: s.instruction})
	}
	for _, m := range prior {
		role := schema.User
		if m.Role == models.RoleModel {
			role = schema.Assistant
		}
		input = append(input, &schema.Message{Role: role, Content: m.Text})
	}
	return append(input, &schema.Message{Role: schema.User, Content: message})
}

// Stream is one in-flight provider response. It is not safe for concurrent use.
type Stream struct {
	svc    *Service
	req    Request
	prior  []models.Message
	reader *schema.StreamReader[*schema.Message]
	reply  strings.Builder
	userAt int64

	finishOnce sync.Once
	closeOnce  sync.Once
}

// Next returns the next non-empty text fragment. io.EOF marks normal
// completion; at that point the exchange has been handed to persistence.
func (st *Stream) Next() (string, error) {
	for {
		chunk, err := st.reader.Recv()
		if errors.Is(err, io.EOF) {
			st.finishOnce.Do(st.finish)
			return "", io.EOF
		}
		if err != nil {
			return "", &ProviderError{Stage: "stream", Err: err}
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		st.reply.WriteString(chunk.Content)
		return chunk.Content, nil
	}
}

// Text is the reply accumulated so far.
func (st *Stream) Text() string {
	return st.reply.String()
}

// Close releases the provider stream. Safe to call more than once.
func (st *Stream) Close() {
	st.closeOnce.Do(st.reader.Close)
}

func (st *Stream) finish() {
	reply := st.reply.String()
	modelAt := models.NowMillis()
	if st.svc.contexts != nil && st.req.ChatID != "" {
		turns := make([]models.Message, 0, len(st.prior)+2)
		turns = append(turns, st.prior...)
		turns = append(turns,
			models.Message{Role: models.RoleUser, Text: st.req.Message, Timestamp: st.userAt},
			models.Message{Role: models.RoleModel, Text: reply, Timestamp: modelAt},
		)
		st.svc.contexts.Put(st.req.UserID, st.req.ChatID, turns)
	}
	if st.svc.persister == nil || st.req.ChatID == "" || st.req.UserID == "" {
		return
	}
	err := st.svc.persister.Persist(models.Exchange{
		ChatID:    st.req.ChatID,
		UserID:    st.req.UserID,
		UserText:  st.req.Message,
		ModelText: reply,
		UserAt:    st.userAt,
		ModelAt:   modelAt,
	})
	if err != nil {
		log.Printf("persist exchange for chat %s failed: %v", st.req.ChatID, err)
	}
}
