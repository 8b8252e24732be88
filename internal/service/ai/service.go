package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"supportchat/internal/config"
)

// SystemInstruction is sent ahead of every conversation.
const SystemInstruction = `You are a compassionate and supportive AI assistant for students. Your purpose is to provide guidance and a safe space for students dealing with feelings of anxiety and depression.

Your core principles are:
1. Empathy and Non-Judgment: respond with kindness and understanding, validate the student's emotions, never dismiss them.
2. Supportive Guidance: offer gentle coping strategies such as mindfulness, breathing exercises, breaking tasks into smaller steps, or journaling.
3. Active Listening: ask clarifying questions to understand the situation better.
4. Resourceful: when appropriate, suggest a school counselor, a trusted teacher, or a mental health professional.
5. Not a Replacement for Professional Help: gently remind the student you are an AI assistant and not a licensed therapist, especially when the conversation turns serious.
6. Calm and Hopeful Tone: use plain, encouraging, non-clinical language.
7. Keep Responses Concise: short, easy-to-digest answers.`

const claudeMaxTokens = 3000

// Factory builds and memoizes chat models per model name for one provider.
type Factory struct {
	cfg     config.ProviderConfig
	allowed map[string]struct{}

	mu     sync.Mutex
	models map[string]model.BaseChatModel
	gemini *genai.Client
}

// NewFactory validates the provider configuration.
func NewFactory(cfg config.ProviderConfig) (*Factory, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider api key is required")
	}
	switch cfg.Name {
	case "gemini", "openai", "claude":
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Name)
	}
	allowed := map[string]struct{}{cfg.Model: {}}
	for _, name := range cfg.Models {
		if name = strings.TrimSpace(name); name != "" {
			allowed[name] = struct{}{}
		}
	}
	return &Factory{cfg: cfg, allowed: allowed, models: make(map[string]model.BaseChatModel)}, nil
}

// DefaultModel is used when a request does not name one.
func (f *Factory) DefaultModel() string {
	return f.cfg.Model
}

// Model returns a chat model for name, creating it on first use. Names
// outside the configured set resolve to the default model, so the number of
// memoized models stays bounded.
func (f *Factory) Model(ctx context.Context, name string) (model.BaseChatModel, error) {
	if _, ok := f.allowed[name]; !ok {
		name = f.cfg.Model
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.models[name]; ok {
		return m, nil
	}
	m, err := f.newModel(ctx, name)
	if err != nil {
		return nil, err
	}
	f.models[name] = m
	return m, nil
}

func (f *Factory) newModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	switch f.cfg.Name {
	case "gemini":
		if f.gemini == nil {
			client, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  f.cfg.APIKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, fmt.Errorf("new gemini client: %w", err)
			}
			f.gemini = client
		}
		m, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: f.gemini,
			Model:  name,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini model %s: %w", name, err)
		}
		return m, nil
	case "openai":
		m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: f.cfg.BaseURL,
			Model:   name,
			APIKey:  f.cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new openai model %s: %w", name, err)
		}
		return m, nil
	case "claude":
		var baseURLPtr *string
		if f.cfg.BaseURL != "" {
			baseURLPtr = &f.cfg.BaseURL
		}
		m, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    f.cfg.APIKey,
			Model:     name,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("new claude model %s: %w", name, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", f.cfg.Name)
	}
}
