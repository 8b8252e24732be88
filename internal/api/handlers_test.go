package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"supportchat/internal/config"
	"supportchat/internal/models"
	"supportchat/internal/relay"
	"supportchat/internal/relay/relaytest"
	"supportchat/internal/service/chats"
	"supportchat/internal/sse"
	"supportchat/internal/storage"
	"supportchat/internal/worker"
)

type testServer struct {
	router     *gin.Engine
	db         *sql.DB
	model      *relaytest.Model
	dispatcher *worker.Dispatcher
	contexts   *relay.ContextCache
}

func newTestServer(t *testing.T, withDB bool, chunks ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		model:    &relaytest.Model{Chunks: chunks},
		contexts: relay.NewContextCache(8, 0),
	}
	opts := []relay.Option{relay.WithContextCache(ts.contexts)}
	var chatSvc *chats.Service
	if withDB {
		db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		if err := storage.Migrate(db, "sqlite3"); err != nil {
			t.Fatalf("migrate db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		ts.db = db
		chatSvc = chats.NewService(db)
		ts.dispatcher = worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 16}, chatSvc)
		opts = append(opts, relay.WithPersister(ts.dispatcher))
	}
	handler := NewHandler(relay.NewService(relaytest.Source{M: ts.model}, opts...), chatSvc, time.Minute)

	ts.router = gin.New()
	ts.router.Use(CORS([]string{"http://localhost:5173"}))
	handler.RegisterRoutes(ts.router)
	return ts
}

func (ts *testServer) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.dispatcher.Drain(ctx); err != nil {
		t.Fatalf("drain dispatcher: %v", err)
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func streamTexts(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out strings.Builder
	dec := sse.NewDecoder(bytes.NewReader(rec.Body.Bytes()))
	for {
		delta, err := dec.Next()
		if err != nil {
			return out.String()
		}
		out.WriteString(delta.Text)
	}
}

func countMessages(t *testing.T, db *sql.DB, chatID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func TestStreamRejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t, true, "never")
	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{Message: "  ", ChatID: "c", UserID: "u"})
	assertStatus(t, rec, http.StatusBadRequest)
	if ct := rec.Header().Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("stream must not open on bad request")
	}
	if ts.model.Calls() != 0 {
		t.Fatalf("provider must not be called")
	}
	ts.drain(t)
	var rows int
	if err := ts.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&rows); err != nil || rows != 0 {
		t.Fatalf("expected no durable write, rows=%d err=%v", rows, err)
	}

	rec = doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestStreamEmitsRecords(t *testing.T) {
	ts := newTestServer(t, false, "Hel", "", "lo, ", "world")
	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{
		Message: "hi",
		History: []models.Message{{Role: models.RoleModel, Text: "welcome"}, {Role: models.RoleUser, Text: "hi"}},
	})
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("unexpected cache control %q", cc)
	}
	want := "data: {\"text\":\"Hel\"}\n\ndata: {\"text\":\"lo, \"}\n\ndata: {\"text\":\"world\"}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	// welcome turn is curated away and the trailing copy of the message dropped
	if input := ts.model.LastInput(); len(input) != 2 {
		t.Fatalf("expected system + user input, got %d messages", len(input))
	}
}

func TestStreamProviderFailureBeforeBytes(t *testing.T) {
	ts := newTestServer(t, false)
	ts.model.OpenErr = errors.New("quota exceeded")
	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{Message: "hi"})
	assertStatus(t, rec, http.StatusInternalServerError)
	var payload map[string]string
	decodeJSON(t, rec.Body.Bytes(), &payload)
	if payload["error"] == "" {
		t.Fatalf("expected error payload, got %s", rec.Body.String())
	}
}

func TestStreamDeferredProviderFailureBeforeBytes(t *testing.T) {
	ts := newTestServer(t, true)
	// the provider accepts the request and only fails on the first read
	ts.model.StreamErr = errors.New("401 API key not valid")
	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{Message: "hi", ChatID: "c1", UserID: "u1"})
	assertStatus(t, rec, http.StatusInternalServerError)
	if ct := rec.Header().Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("stream headers sent for a failed request: %q", ct)
	}
	var payload map[string]string
	decodeJSON(t, rec.Body.Bytes(), &payload)
	if payload["error"] == "" {
		t.Fatalf("expected error payload, got %s", rec.Body.String())
	}
	ts.drain(t)
	if n := countMessages(t, ts.db, "c1"); n != 0 {
		t.Fatalf("failed request must not persist, got %d rows", n)
	}
}

func TestStreamEmptyReplyIsEmptyStream(t *testing.T) {
	ts := newTestServer(t, false)
	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{Message: "hi"})
	assertStatus(t, rec, http.StatusOK)
	if rec.Body.Len() != 0 {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestStreamMidStreamFailureClosesWithoutErrorFrame(t *testing.T) {
	ts := newTestServer(t, true, "partial")
	ts.model.StreamErr = errors.New("connection reset")
	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{Message: "hi", ChatID: "c1", UserID: "u1"})
	assertStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "data: {\"text\":\"partial\"}\n\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	ts.drain(t)
	if n := countMessages(t, ts.db, "c1"); n != 0 {
		t.Fatalf("failed stream must not persist, got %d rows", n)
	}
}

func TestStreamPersistsExchangeAndCRUD(t *testing.T) {
	ts := newTestServer(t, true, "I hear ", "you.")

	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/users", gin.H{"username": "alice"})
	assertStatus(t, rec, http.StatusCreated)
	var user models.User
	decodeJSON(t, rec.Body.Bytes(), &user)

	rec = doJSONRequest(t, ts.router, http.MethodPost, "/api/users", gin.H{"username": "alice"})
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats", gin.H{"userId": user.ID, "title": "Exams"})
	assertStatus(t, rec, http.StatusOK)
	var chat models.Chat
	decodeJSON(t, rec.Body.Bytes(), &chat)

	rec = doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{Message: "I am stressed", ChatID: chat.ID, UserID: user.ID})
	assertStatus(t, rec, http.StatusOK)
	if got := streamTexts(t, rec); got != "I hear you." {
		t.Fatalf("unexpected streamed text %q", got)
	}
	ts.drain(t)

	rec = doJSONRequest(t, ts.router, http.MethodGet, "/api/messages/"+chat.ID, nil)
	assertStatus(t, rec, http.StatusOK)
	var msgs []models.StoredMessage
	decodeJSON(t, rec.Body.Bytes(), &msgs)
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[0].Text != "I am stressed" || msgs[1].Role != models.RoleModel || msgs[1].Text != "I hear you." {
		t.Fatalf("unexpected stored messages: %#v", msgs)
	}

	rec = doJSONRequest(t, ts.router, http.MethodGet, "/api/chats/"+user.ID, nil)
	assertStatus(t, rec, http.StatusOK)
	var list []models.Chat
	decodeJSON(t, rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != chat.ID {
		t.Fatalf("unexpected chat list: %#v", list)
	}

	if _, ok := ts.contexts.Get(user.ID, chat.ID); !ok {
		t.Fatalf("expected cached context for chat")
	}
	rec = doJSONRequest(t, ts.router, http.MethodDelete, "/api/chats/"+chat.ID, nil)
	assertStatus(t, rec, http.StatusOK)
	if _, ok := ts.contexts.Get(user.ID, chat.ID); ok {
		t.Fatalf("delete should evict cached context")
	}
	if n := countMessages(t, ts.db, chat.ID); n != 0 {
		t.Fatalf("messages not deleted: %d", n)
	}
	rec = doJSONRequest(t, ts.router, http.MethodDelete, "/api/chats/"+chat.ID, nil)
	assertStatus(t, rec, http.StatusNotFound)
}

func TestCreateChatValidation(t *testing.T) {
	ts := newTestServer(t, true)
	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chats", gin.H{"title": "x"})
	assertStatus(t, rec, http.StatusBadRequest)
	rec = doJSONRequest(t, ts.router, http.MethodPost, "/api/chats", gin.H{"userId": "ghost", "title": "x"})
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestStoreUnreachableStillStreams(t *testing.T) {
	ts := newTestServer(t, true, "still ", "here")
	ts.db.Close()

	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", relay.Request{Message: "hello", ChatID: "c1", UserID: "u1"})
	assertStatus(t, rec, http.StatusOK)
	if got := streamTexts(t, rec); got != "still here" {
		t.Fatalf("unexpected streamed text %q", got)
	}
	ts.drain(t)
}

func TestCRUDWithoutDatabase(t *testing.T) {
	ts := newTestServer(t, false)

	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chats", gin.H{"userId": "u", "title": "t"})
	assertStatus(t, rec, http.StatusNotImplemented)
	rec = doJSONRequest(t, ts.router, http.MethodDelete, "/api/chats/c1", nil)
	assertStatus(t, rec, http.StatusNotImplemented)
	rec = doJSONRequest(t, ts.router, http.MethodPost, "/api/users", gin.H{"username": "bob"})
	assertStatus(t, rec, http.StatusNotImplemented)

	for _, path := range []string{"/api/chats/u", "/api/messages/c1"} {
		rec = doJSONRequest(t, ts.router, http.MethodGet, path, nil)
		assertStatus(t, rec, http.StatusOK)
		if strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Fatalf("%s: expected empty array, got %s", path, rec.Body.String())
		}
	}

	rec = doJSONRequest(t, ts.router, http.MethodGet, "/health", nil)
	assertStatus(t, rec, http.StatusOK)
}

func TestCORSAllowList(t *testing.T) {
	ts := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/stream", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin should not be allowed, got %q", got)
	}

	router := gin.New()
	router.Use(CORS([]string{"*"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://anywhere.example" {
		t.Fatalf("wildcard should allow any origin, got %q", got)
	}
}
