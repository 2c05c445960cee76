// Package server hosts the client bus: a websocket endpoint streaming
// turn events to connected browsers, a small REST API over the chat
// store, and the turn pipeline that WAL-writes every inbound user message
// before any processing happens.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/chats"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/notify"
	"github.com/aide-sh/aide/pkg/restart"
	"github.com/aide-sh/aide/pkg/sdk"
	"github.com/aide-sh/aide/pkg/wal"
)

// EventNewMessageNotification announces completed activity in a chat the
// user is not viewing.
const EventNewMessageNotification = "new_message_notification"

// Config holds the server listen configuration.
type Config struct {
	Host string
	Port int
	// HeartbeatStale overrides the session staleness window; zero means
	// the notify default.
	HeartbeatStale time.Duration
}

// Validate validates the server configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Turn is a live streaming turn accepting mid-flight input.
type Turn interface {
	Run(ctx context.Context, prompt string) (*sdk.Result, error)
	Inject(text string) error
	Interrupt()
}

// TurnRunner builds turns. The production implementation wraps an sdk
// session over the primary agent; tests substitute fakes.
type TurnRunner interface {
	NewTurn(cfg sdk.SessionConfig, sink sdk.Sink) Turn
}

// Server is the client bus and REST API host.
type Server struct {
	router   *mux.Router
	config   *Config
	server   *http.Server
	upgrader websocket.Upgrader

	wal      *wal.Log
	chats    *chats.Store
	turns    TurnRunner
	push     *notify.PushService
	sessions *Sessions
	rooms    *RoomTracker

	// OnExchange, when set, observes each completed exchange. The serve
	// command uses it to feed the memory pipelines and the titler.
	OnExchange func(ctx context.Context, chatID, userMessage, assistantMessage string)

	// Restart enables the agent-initiated restart endpoint. RestartScript
	// is spawned detached before this process terminates itself.
	Restart        *restart.Manager
	RestartScript  string
	RestartLogPath string

	// terminateSelf is stubbed in tests.
	terminateSelf func(ctx context.Context)

	mu          sync.Mutex
	clients     map[string]*client
	liveTurns   map[string]Turn
	interrupted []string
}

// NewServer wires the server. push and rooms may be nil.
func NewServer(config *Config, walLog *wal.Log, chatStore *chats.Store, turns TurnRunner, push *notify.PushService, rooms *RoomTracker) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	s := &Server{
		router:    mux.NewRouter(),
		config:    config,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		wal:       walLog,
		chats:     chatStore,
		turns:     turns,
		push:      push,
		sessions:  NewSessions(),
		rooms:     rooms,
		clients:   map[string]*client{},
		liveTurns: map[string]Turn{},
	}
	s.terminateSelf = func(ctx context.Context) {
		if err := restart.Terminate(ctx, os.Getpid()); err != nil {
			logger.G(ctx).WithError(err).Error("failed to terminate for restart")
		}
	}
	s.setupRoutes()
	return s, nil
}

// Sessions exposes the client session registry.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chats", s.handleListChats).Methods("GET")
	api.HandleFunc("/chats/{id}", s.handleGetChat).Methods("GET")
	api.HandleFunc("/chats/{id}", s.handleDeleteChat).Methods("DELETE")
	api.HandleFunc("/restart", s.handleRestart).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebsocket)
	s.router.Use(s.loggingMiddleware)
}

// RecoverOnStart clears stale WAL state from a previous process. The
// first client to connect is told its turn was interrupted.
func (s *Server) RecoverOnStart(ctx context.Context) error {
	dropped, err := s.wal.ClearStaleOnRestart()
	if err != nil {
		return errors.Wrap(err, "failed to clear stale wal entries")
	}
	if len(dropped) > 0 {
		logger.G(ctx).WithField("sessions", dropped).Info("cleared stale streaming sessions")
	}
	s.mu.Lock()
	s.interrupted = dropped
	s.mu.Unlock()
	return nil
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{Addr: address, Handler: s.router}

	logger.G(ctx).WithField("address", address).Info("starting server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.G(ctx).WithError(err).Error("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.G(r.Context()).WithFields(map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}

// client is one websocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// inbound is a client-to-server message.
type inbound struct {
	Type          string               `json:"type"`
	ChatID        string               `json:"chat_id,omitempty"`
	MsgID         string               `json:"msg_id,omitempty"`
	Content       string               `json:"content,omitempty"`
	CurrentChatID string               `json:"current_chat_id,omitempty"`
	Subscription  *notify.Subscription `json:"subscription,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.G(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 64)}

	s.mu.Lock()
	s.clients[c.id] = c
	interrupted := s.interrupted
	s.interrupted = nil
	s.mu.Unlock()
	s.sessions.Register(c.id)

	go s.writePump(c)
	if len(interrupted) > 0 {
		s.sendEvent(c, sdk.Event{Type: sdk.EventError, Text: "the previous turn was interrupted by a restart"})
	}
	s.readPump(r.Context(), c)
}

func (s *Server) writePump(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.Close()
}

func (s *Server) readPump(ctx context.Context, c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		s.sessions.Remove(c.id)
		close(c.send)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.G(ctx).WithError(err).Debug("skipping malformed client message")
			continue
		}
		s.dispatch(ctx, c, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, msg inbound) {
	switch msg.Type {
	case "message":
		s.startTurn(ctx, c, msg)
	case "heartbeat":
		s.sessions.Heartbeat(c.id, msg.CurrentChatID)
		if s.rooms != nil && msg.CurrentChatID != "" {
			if err := s.rooms.SetActive(msg.CurrentChatID); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to record active room")
			}
		}
	case "interrupt":
		s.mu.Lock()
		turn := s.liveTurns[msg.ChatID]
		s.mu.Unlock()
		if turn != nil {
			turn.Interrupt()
		}
	case "inject":
		s.mu.Lock()
		turn := s.liveTurns[msg.ChatID]
		s.mu.Unlock()
		if turn == nil {
			s.sendEvent(c, sdk.Event{Type: sdk.EventError, ChatID: msg.ChatID, Text: "no turn in progress"})
			return
		}
		if err := turn.Inject(msg.Content); err != nil {
			s.sendEvent(c, sdk.Event{Type: sdk.EventError, ChatID: msg.ChatID, Text: err.Error()})
		}
	case "subscribe_push":
		if s.push == nil || msg.Subscription == nil {
			return
		}
		if err := s.push.Subscribe(*msg.Subscription); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to register push subscription")
		}
	default:
		logger.G(ctx).WithField("type", msg.Type).Debug("unknown client message type")
	}
}

// startTurn accepts a user message. The WAL write happens before anything
// else; a crash after it leaves a replayable record.
func (s *Server) startTurn(ctx context.Context, c *client, msg inbound) {
	if msg.ChatID == "" || msg.Content == "" {
		s.sendEvent(c, sdk.Event{Type: sdk.EventError, Text: "chat_id and content are required"})
		return
	}
	if err := s.beginTurn(ctx, msg.ChatID, msg.MsgID, msg.Content, false); err != nil {
		s.sendEvent(c, sdk.Event{Type: sdk.EventError, ChatID: msg.ChatID, Text: err.Error()})
	}
}

// PostAutomatedTurn inserts a non-interactive user turn, as fired by the
// scheduler's prompt dispatcher or the restart continuation.
func (s *Server) PostAutomatedTurn(ctx context.Context, chatID, content string, silent bool) error {
	if chatID == "" || content == "" {
		return errors.New("chat id and content are required")
	}
	return s.beginTurn(ctx, chatID, "", content, silent)
}

func (s *Server) beginTurn(ctx context.Context, chatID, msgID, content string, silent bool) error {
	if msgID == "" {
		msgID = chats.NewMessageID()
	}
	sessionID := uuid.NewString()

	if _, err := s.wal.WriteMessage(msgID, sessionID, content); err != nil {
		logger.G(ctx).WithError(err).Error("wal write failed")
		return errors.New("failed to accept message")
	}
	if err := s.wal.AckMessage(msgID); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to ack message")
	}
	if _, err := s.chats.Append(chatID, chats.Message{
		ID:        msgID,
		Role:      chats.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		logger.G(ctx).WithError(err).Error("failed to append user message")
	}
	if err := s.wal.StartProcessing(msgID, chatID); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to mark message processing")
	}

	responseID := chats.NewMessageID()
	turn := s.turns.NewTurn(sdk.SessionConfig{
		ChatID:       chatID,
		MessageID:    responseID,
		WALSessionID: sessionID,
	}, s.broadcastEvent)

	s.mu.Lock()
	if s.liveTurns[chatID] != nil {
		s.mu.Unlock()
		if err := s.wal.FailMessage(msgID, "turn already in progress"); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to fail message")
		}
		return errors.New("a turn is already in progress")
	}
	s.liveTurns[chatID] = turn
	s.mu.Unlock()

	bgCtx := logger.WithLogger(context.Background(), logger.G(ctx))
	go s.runTurn(bgCtx, turn, chatID, msgID, responseID, content, silent)
	return nil
}

func (s *Server) runTurn(ctx context.Context, turn Turn, chatID, msgID, responseID, prompt string, silent bool) {
	defer func() {
		s.mu.Lock()
		delete(s.liveTurns, chatID)
		s.mu.Unlock()
	}()

	result, err := turn.Run(ctx, prompt)
	if err != nil {
		if walErr := s.wal.FailMessage(msgID, err.Error()); walErr != nil {
			logger.G(ctx).WithError(walErr).Warn("failed to fail message")
		}
		s.broadcastEvent(sdk.Event{Type: sdk.EventError, ChatID: chatID, Text: err.Error(), IsError: true})
		return
	}

	if _, err := s.chats.Append(chatID, chats.Message{
		ID:        responseID,
		Role:      chats.RoleAssistant,
		Content:   result.Text,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		logger.G(ctx).WithError(err).Error("failed to append assistant message")
	}
	if err := s.chats.AddUsage(chatID, chats.Usage{
		InputTokens:         result.Meta.Usage.InputTokens,
		OutputTokens:        result.Meta.Usage.OutputTokens,
		CacheCreationTokens: result.Meta.Usage.CacheCreationTokens,
		CacheReadTokens:     result.Meta.Usage.CacheReadTokens,
		CostUSD:             result.Meta.CostUSD,
		Turns:               1,
	}); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record usage")
	}
	if err := s.wal.CompleteMessage(msgID); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to complete message")
	}

	if s.OnExchange != nil {
		s.OnExchange(ctx, chatID, prompt, result.Text)
	}
	s.notifyActivity(ctx, chatID, result.Text, silent, false)
}

// notifyActivity applies the notification policy for new assistant
// output and fans out to the chosen channels.
func (s *Server) notifyActivity(ctx context.Context, chatID, body string, silent, critical bool) {
	decision := notify.ShouldNotify(chatID, silent, s.sessions.Snapshot(), critical, s.config.HeartbeatStale, time.Now())
	if !decision.Notify {
		return
	}
	if decision.Toast {
		s.broadcastEvent(sdk.Event{Type: EventNewMessageNotification, ChatID: chatID, Text: body})
	}
	if decision.Push && s.push != nil {
		title := "New message"
		if critical {
			title = "Urgent message"
		}
		if _, err := s.push.SendPushNotification(ctx, title, body, chatID, critical); err != nil {
			logger.G(ctx).WithError(err).Warn("push delivery failed")
		}
	}
}

func (s *Server) broadcastEvent(ev sdk.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer, drop the event rather than block the turn.
		}
	}
}

func (s *Server) sendEvent(c *client, ev sdk.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
