package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"supportchat/internal/models"
)

// ErrRegistryDisabled is returned when the relay runs without a durable store.
var ErrRegistryDisabled = errors.New("conversation: relay has no durable store")

// Registrar records users and chats with the relay's durable store, so the
// relay can persist exchanges against ids it knows.
type Registrar interface {
	EnsureUser(ctx context.Context, username string) (string, error)
	CreateChat(ctx context.Context, userID, title string) (string, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// RemoteRegistrar uses the relay's CRUD routes.
type RemoteRegistrar struct {
	baseURL string
	client  *http.Client
}

func NewRemoteRegistrar(baseURL string, client *http.Client) *RemoteRegistrar {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteRegistrar{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *RemoteRegistrar) EnsureUser(ctx context.Context, username string) (string, error) {
	var user models.User
	if err := r.do(ctx, http.MethodPost, "/api/users", map[string]string{"username": username}, &user); err != nil {
		return "", err
	}
	return user.ID, nil
}

func (r *RemoteRegistrar) CreateChat(ctx context.Context, userID, title string) (string, error) {
	var chat models.Chat
	body := map[string]string{"userId": userID, "title": title}
	if err := r.do(ctx, http.MethodPost, "/api/chats", body, &chat); err != nil {
		return "", err
	}
	return chat.ID, nil
}

// DeleteChat treats an unknown chat as already deleted.
func (r *RemoteRegistrar) DeleteChat(ctx context.Context, chatID string) error {
	err := r.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, nil)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return nil
	}
	return err
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.code, e.msg)
}

func (r *RemoteRegistrar) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotImplemented:
		return ErrRegistryDisabled
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	if payload.Error == "" {
		payload.Error = resp.Status
	}
	return &statusError{code: resp.StatusCode, msg: payload.Error}
}
