package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"supportchat/internal/models"
	"supportchat/internal/relay"
	"supportchat/internal/service/chats"
	"supportchat/internal/sse"
)

const defaultStreamTimeout = 2 * time.Minute

// Handler wires HTTP routes to the relay and the optional durable store.
type Handler struct {
	relay         *relay.Service
	chats         *chats.Service
	streamTimeout time.Duration
}

// NewHandler constructs a Handler instance. chatSvc may be nil, in which case
// the CRUD routes report that no database is configured.
func NewHandler(relaySvc *relay.Service, chatSvc *chats.Service, streamTimeout time.Duration) *Handler {
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	return &Handler{
		relay:         relaySvc,
		chats:         chatSvc,
		streamTimeout: streamTimeout,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	api := router.Group("/api")
	api.POST("/chat/stream", h.streamChat)
	api.POST("/users", h.createUser)
	api.POST("/chats", h.createChat)
	api.GET("/chats/:userId", h.listChats)
	api.DELETE("/chats/:chatId", h.deleteChat)
	api.GET("/messages/:chatId", h.listMessages)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) streamChat(c *gin.Context) {
	var req relay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// client disconnects cancel the request context, which aborts the provider stream
	streamCtx, cancel := context.WithTimeout(c.Request.Context(), h.streamTimeout)
	defer cancel()
	stream, err := h.relay.Open(streamCtx, req)
	if err != nil {
		if errors.Is(err, relay.ErrBadRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("relay open failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate response"})
		return
	}
	defer stream.Close()

	// providers may defer their request until the first read, so nothing is
	// committed to the client until the first fragment or a clean end
	text, err := stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("relay stream for chat %q failed before output: %v", req.ChatID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate response"})
		return
	}

	sse.SetStreamHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()

	for err == nil {
		if werr := sse.WriteRecord(c.Writer, text); werr != nil {
			return
		}
		flusher.Flush()
		text, err = stream.Next()
	}
	if !errors.Is(err, io.EOF) {
		// headers are gone already; closing the connection is the only signal
		log.Printf("relay stream for chat %q ended early: %v", req.ChatID, err)
	}
}

func (h *Handler) dbDisabled(c *gin.Context) bool {
	if h.chats != nil {
		return false
	}
	c.JSON(http.StatusNotImplemented, gin.H{"error": "db disabled"})
	return true
}

type createUserRequest struct {
	Username string `json:"username"`
}

func (h *Handler) createUser(c *gin.Context) {
	if h.dbDisabled(c) {
		return
	}
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}
	user, created, err := h.chats.EnsureUser(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, user)
}

type createChatRequest struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
}

func (h *Handler) createChat(c *gin.Context) {
	if h.dbDisabled(c) {
		return
	}
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and title are required"})
		return
	}
	chat, err := h.chats.CreateChat(c.Request.Context(), req.UserID, req.Title)
	if err != nil {
		if errors.Is(err, chats.ErrUserNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *Handler) listChats(c *gin.Context) {
	if h.chats == nil {
		c.JSON(http.StatusOK, make([]models.Chat, 0))
		return
	}
	list, err := h.chats.ListChats(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) deleteChat(c *gin.Context) {
	if h.dbDisabled(c) {
		return
	}
	chatID := c.Param("chatId")
	if err := h.chats.DeleteChat(c.Request.Context(), chatID); err != nil {
		if errors.Is(err, chats.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.relay.Forget(chatID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) listMessages(c *gin.Context) {
	if h.chats == nil {
		c.JSON(http.StatusOK, make([]models.StoredMessage, 0))
		return
	}
	list, err := h.chats.ListMessages(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}
