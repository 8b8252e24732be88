package conversation

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"supportchat/internal/api"
	"supportchat/internal/config"
	"supportchat/internal/relay"
	"supportchat/internal/relay/relaytest"
	"supportchat/internal/service/chats"
	"supportchat/internal/storage"
	"supportchat/internal/worker"
)

type stubRegistrar struct {
	userErr error
	chatErr error

	mu      sync.Mutex
	chats   int
	deleted []string
}

func (r *stubRegistrar) EnsureUser(ctx context.Context, username string) (string, error) {
	if r.userErr != nil {
		return "", r.userErr
	}
	return "server-" + username, nil
}

func (r *stubRegistrar) CreateChat(ctx context.Context, userID, title string) (string, error) {
	if r.chatErr != nil {
		return "", r.chatErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats++
	return "server-chat-" + string(rune('0'+r.chats)), nil
}

func (r *stubRegistrar) DeleteChat(ctx context.Context, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, chatID)
	return nil
}

func TestRegisteredChatsCarryServerIDs(t *testing.T) {
	responder := &scriptedResponder{deltas: []string{"ok"}}
	reg := &stubRegistrar{}
	store, id := newLoadedStore(t, responder, WithRegistrar(reg))

	if id != "server-chat-1" {
		t.Fatalf("expected session to take the relay's chat id, got %q", id)
	}
	if err := store.Send(context.Background(), id, "hi"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	req := responder.lastRequest()
	if req.ChatID != "server-chat-1" || req.UserID != "server-user-1" {
		t.Fatalf("unexpected request ids chat=%q user=%q", req.ChatID, req.UserID)
	}

	if err := store.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if len(reg.deleted) != 1 || reg.deleted[0] != id {
		t.Fatalf("expected relay chat to be deleted, got %v", reg.deleted)
	}
}

func TestUnregisteredChatsSendNoUserID(t *testing.T) {
	cases := []struct {
		name string
		reg  *stubRegistrar
	}{
		{name: "store disabled", reg: &stubRegistrar{userErr: ErrRegistryDisabled}},
		{name: "user failed", reg: &stubRegistrar{userErr: errors.New("boom")}},
		{name: "chat failed", reg: &stubRegistrar{chatErr: errors.New("boom")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			responder := &scriptedResponder{deltas: []string{"ok"}}
			store, id := newLoadedStore(t, responder, WithRegistrar(tc.reg))
			session, _ := store.Session(id)
			if session.Synced {
				t.Fatalf("expected session to stay local")
			}
			if err := store.Send(context.Background(), id, "hi"); err != nil {
				t.Fatalf("Send error: %v", err)
			}
			if req := responder.lastRequest(); req.UserID != "" {
				t.Fatalf("expected no user id for an unregistered chat, got %q", req.UserID)
			}
			if err := store.Delete(context.Background(), id); err != nil {
				t.Fatalf("Delete error: %v", err)
			}
			if len(tc.reg.deleted) != 0 {
				t.Fatalf("expected no relay delete, got %v", tc.reg.deleted)
			}
		})
	}
}

func TestStoreWithoutRegistrarSendsLocalUserID(t *testing.T) {
	responder := &scriptedResponder{deltas: []string{"ok"}}
	store, id := newLoadedStore(t, responder)
	if err := store.Send(context.Background(), id, "hi"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if req := responder.lastRequest(); req.UserID != "user-1" {
		t.Fatalf("expected local user id, got %q", req.UserID)
	}
}

func newRelayServer(t *testing.T, withDB bool) (*httptest.Server, *sql.DB, *worker.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var (
		db         *sql.DB
		chatSvc    *chats.Service
		dispatcher *worker.Dispatcher
		opts       []relay.Option
	)
	if withDB {
		var err error
		db, err = storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		if err := storage.Migrate(db, "sqlite3"); err != nil {
			t.Fatalf("migrate db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		chatSvc = chats.NewService(db)
		dispatcher = worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 16}, chatSvc)
		opts = append(opts, relay.WithPersister(dispatcher))
	}
	model := &relaytest.Model{Chunks: []string{"I hear ", "you."}}
	handler := api.NewHandler(relay.NewService(relaytest.Source{M: model}, opts...), chatSvc, time.Minute)
	router := gin.New()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, db, dispatcher
}

func TestRemoteChatIsPersistedByRelay(t *testing.T) {
	srv, db, dispatcher := newRelayServer(t, true)
	store := NewStore("alice", NewRemoteResponder(srv.URL, srv.Client()), nil,
		WithRegistrar(NewRemoteRegistrar(srv.URL, srv.Client())))
	ctx := context.Background()
	if err := store.Load(ctx); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	active, _ := store.Active()
	if !active.Synced {
		t.Fatalf("expected active chat to be registered with the relay")
	}
	if err := store.Send(ctx, active.ID, "I feel stuck"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dispatcher.Drain(drainCtx); err != nil {
		t.Fatalf("drain dispatcher: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, active.ID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected the exchange to be stored under chat %s, got %d rows", active.ID, count)
	}

	if err := store.Delete(ctx, active.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM chats WHERE id = ?`, active.ID).Scan(&count); err != nil {
		t.Fatalf("count chats: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected relay chat to be deleted")
	}
}

func TestRemoteRelayWithoutDatabaseStaysLocal(t *testing.T) {
	srv, _, _ := newRelayServer(t, false)
	store := NewStore("alice", NewRemoteResponder(srv.URL, srv.Client()), nil,
		WithRegistrar(NewRemoteRegistrar(srv.URL, srv.Client())))
	ctx := context.Background()
	if err := store.Load(ctx); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	active, _ := store.Active()
	if active.Synced {
		t.Fatalf("expected chat to stay local when the relay has no database")
	}
	if err := store.Send(ctx, active.ID, "hello"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	session, _ := store.Session(active.ID)
	last := session.Messages[len(session.Messages)-1]
	if last.Text != "I hear you." {
		t.Fatalf("unexpected reply %q", last.Text)
	}
}
