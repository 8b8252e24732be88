package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"supportchat/internal/relay"
	"supportchat/internal/sse"
)

// Responder opens a streamed reply for one curated request.
type Responder interface {
	Respond(ctx context.Context, req relay.Request) (DeltaStream, error)
}

// DeltaStream yields reply fragments until io.EOF.
type DeltaStream interface {
	Next() (sse.TextDelta, error)
	Close() error
}

const streamPath = "/api/chat/stream"

// RemoteResponder talks to a relay server over HTTP.
type RemoteResponder struct {
	baseURL string
	client  *http.Client
}

func NewRemoteResponder(baseURL string, client *http.Client) *RemoteResponder {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteResponder{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *RemoteResponder) Respond(ctx context.Context, req relay.Request) (DeltaStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return &remoteStream{body: resp.Body, decoder: sse.NewDecoder(resp.Body)}, nil
}

type remoteStream struct {
	body    io.ReadCloser
	decoder *sse.Decoder
}

func (s *remoteStream) Next() (sse.TextDelta, error) {
	return s.decoder.Next()
}

func (s *remoteStream) Close() error {
	return s.body.Close()
}

// LocalResponder runs the relay in-process, used when no relay server is
// configured.
type LocalResponder struct {
	svc *relay.Service
}

func NewLocalResponder(svc *relay.Service) *LocalResponder {
	return &LocalResponder{svc: svc}
}

func (r *LocalResponder) Respond(ctx context.Context, req relay.Request) (DeltaStream, error) {
	stream, err := r.svc.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return &localStream{stream: stream}, nil
}

type localStream struct {
	stream *relay.Stream
}

func (s *localStream) Next() (sse.TextDelta, error) {
	text, err := s.stream.Next()
	if err != nil {
		return sse.TextDelta{}, err
	}
	return sse.TextDelta{Text: text}, nil
}

func (s *localStream) Close() error {
	s.stream.Close()
	return nil
}
