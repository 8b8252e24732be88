// Command chatcli is a terminal front end for the support chat relay.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"supportchat/internal/config"
	"supportchat/internal/conversation"
	"supportchat/internal/models"
	"supportchat/internal/redis"
	"supportchat/internal/relay"
	"supportchat/internal/service/ai"
)

const localContextSessions = 32

func main() {
	userID := flag.String("user", "local", "user id the chat history is stored under")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("SUPPORTCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	responder, err := newResponder(ctx, cfg)
	if err != nil {
		log.Fatalf("init responder: %v", err)
	}
	storage, closeStorage, err := newStorage(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	defer closeStorage()

	printer := &streamPrinter{out: os.Stdout}
	opts := []conversation.Option{conversation.WithObserver(printer.observe)}
	if cfg.Client.UseRemote {
		opts = append(opts, conversation.WithRegistrar(conversation.NewRemoteRegistrar(cfg.Client.BaseURL, nil)))
	}
	store := conversation.NewStore(*userID, responder, storage, opts...)
	if err := store.Load(ctx); err != nil {
		log.Fatalf("load chats: %v", err)
	}

	repl(ctx, store, printer, os.Stdin)
}

func newResponder(ctx context.Context, cfg *config.Config) (conversation.Responder, error) {
	if cfg.Client.UseRemote {
		return conversation.NewRemoteResponder(cfg.Client.BaseURL, nil), nil
	}
	factory, err := ai.NewFactory(cfg.Provider)
	if err != nil {
		return nil, err
	}
	size := cfg.ContextCache.MaxSessions
	if size <= 0 {
		size = localContextSessions
	}
	contexts := relay.NewContextCache(size, time.Duration(cfg.ContextCache.IdleMinutes)*time.Minute)
	contexts.StartSweeper(ctx, relay.DefaultSweepInterval)
	return conversation.NewLocalResponder(relay.NewService(factory, relay.WithContextCache(contexts))), nil
}

func newStorage(cfg *config.Config) (conversation.SessionStorage, func(), error) {
	if !cfg.Redis.Enabled {
		return conversation.NewFileStorage(cfg.Client.StorageDir), func() {}, nil
	}
	client, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return conversation.NewRedisStorage(client), func() { client.Close() }, nil
}

func repl(ctx context.Context, store *conversation.Store, printer *streamPrinter, in io.Reader) {
	showActive(store)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, store, line); quit {
				return
			}
			continue
		}

		active, ok := store.Active()
		if !ok {
			active = store.NewChat(ctx)
		}
		printer.begin(active.ID)
		err := store.Send(ctx, active.ID, line)
		printer.end()
		if err != nil && !errors.Is(err, conversation.ErrEmptyMessage) {
			log.Printf("send failed: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func command(ctx context.Context, store *conversation.Store, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/new":
		store.NewChat(ctx)
		showActive(store)
	case "/list":
		active, _ := store.Active()
		for i, session := range store.Sessions() {
			marker := " "
			if session.ID == active.ID {
				marker = "*"
			}
			fmt.Printf("%s %d. %s (%d messages)\n", marker, i+1, session.Title, len(session.Messages))
		}
	case "/switch":
		session, ok := pick(store, fields)
		if !ok {
			return false
		}
		if err := store.Select(session.ID); err != nil {
			fmt.Println(err)
			return false
		}
		showActive(store)
	case "/delete":
		session, ok := pick(store, fields)
		if !ok {
			return false
		}
		if err := store.Delete(ctx, session.ID); err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Printf("deleted %q\n", session.Title)
	default:
		fmt.Println("commands: /new /list /switch N /delete [N] /quit")
	}
	return false
}

// pick resolves "/cmd N" to the N-th listed session, or the active one.
func pick(store *conversation.Store, fields []string) (models.ChatSession, bool) {
	if len(fields) < 2 {
		session, ok := store.Active()
		if !ok {
			fmt.Println("no active chat")
		}
		return session, ok
	}
	n, err := strconv.Atoi(fields[1])
	sessions := store.Sessions()
	if err != nil || n < 1 || n > len(sessions) {
		fmt.Println("no such chat, see /list")
		return models.ChatSession{}, false
	}
	return sessions[n-1], true
}

func showActive(store *conversation.Store) {
	session, ok := store.Active()
	if !ok {
		fmt.Println("no chats, type a message or /new to start one")
		return
	}
	fmt.Printf("== %s ==\n", session.Title)
	for _, msg := range session.Messages {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Text)
	}
}
