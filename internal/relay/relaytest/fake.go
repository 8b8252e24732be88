// Package relaytest provides scripted chat models for exercising the relay.
package relaytest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Model replays Chunks as a streamed reply. OpenErr fails Stream itself;
// StreamErr is delivered after the chunks.
type Model struct {
	Chunks    []string
	OpenErr   error
	StreamErr error

	mu     sync.Mutex
	calls  int
	inputs [][]*schema.Message
}

func (m *Model) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return &schema.Message{Role: schema.Assistant, Content: strings.Join(m.Chunks, "")}, nil
}

func (m *Model) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.calls++
	m.inputs = append(m.inputs, input)
	m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	msgs := make([]*schema.Message, 0, len(m.Chunks))
	for _, c := range m.Chunks {
		msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: c})
	}
	if m.StreamErr == nil {
		return schema.StreamReaderFromArray(msgs), nil
	}
	sr, sw := schema.Pipe[*schema.Message](len(msgs) + 1)
	go func() {
		defer sw.Close()
		for _, msg := range msgs {
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}
		sw.Send(nil, m.StreamErr)
	}()
	return sr, nil
}

// Calls reports how many times Stream was invoked.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastInput returns the messages passed to the most recent Stream call.
func (m *Model) LastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return nil
	}
	return m.inputs[len(m.inputs)-1]
}

// Source always resolves to M, or fails with Err.
type Source struct {
	M   *Model
	Err error
}

func (s Source) Model(ctx context.Context, name string) (model.BaseChatModel, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.M == nil {
		return nil, errors.New("no model configured")
	}
	return s.M, nil
}
