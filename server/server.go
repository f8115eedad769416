package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coffin399/TeamsLLMbot/pkg/bridge"
	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/teams"
)

// handleTimeout bounds one inbound message end to end, including the
// streamed reply. Streams routinely outlive the per-request LLM timeout,
// so this is deliberately generous.
const handleTimeout = 5 * time.Minute

// Server is the Bot Framework webhook endpoint. It validates and decodes
// inbound activities, applies the mention gate, and hands accepted messages
// to the bridge on a per-event goroutine so the webhook can acknowledge
// immediately.
type Server struct {
	engine *gin.Engine
	bridge *bridge.Bridge
	conn   *teams.Connector
	cfg    config.ServerConfig

	// dispatch runs one accepted activity; swapped out in tests.
	dispatch func(act teams.Activity)

	wg sync.WaitGroup
}

// New builds the server and its routes.
func New(b *bridge.Bridge, conn *teams.Connector, cfg config.ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine: gin.New(),
		bridge: b,
		conn:   conn,
		cfg:    cfg,
	}
	s.dispatch = s.handleActivity

	s.engine.Use(gin.Recovery())
	s.engine.POST("/api/messages", s.postMessages)
	s.engine.GET("/healthz", s.healthz)
	return s
}

// Handler exposes the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully and waits
// for in-flight message handlers to finish.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.wg.Wait()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) postMessages(c *gin.Context) {
	if !strings.Contains(c.ContentType(), "application/json") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "expected application/json"})
		return
	}

	var act teams.Activity
	if err := c.ShouldBindJSON(&act); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity payload"})
		return
	}

	if act.Type != teams.ActivityTypeMessage {
		slog.Debug("server_activity_ignored", "type", act.Type)
		c.Status(http.StatusOK)
		return
	}

	// In group conversations the bot only responds when @-mentioned.
	if act.IsGroup() && !act.MentionsRecipient() {
		slog.Debug("server_mention_gate", "conversation", act.Conversation.ID)
		c.Status(http.StatusOK)
		return
	}

	slog.Info("server_message_accepted",
		"conversation", act.Conversation.ID,
		"sender", act.From.Name,
		"attachments", len(act.Attachments),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(act)
	}()

	c.Status(http.StatusAccepted)
}

// handleActivity runs the bridge for one accepted activity.
func (s *Server) handleActivity(act teams.Activity) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	ev := bridge.Event{
		Text:         act.StrippedText(),
		Sender:       act.From.Name,
		Conversation: act.Conversation.ID,
	}
	for _, att := range act.Attachments {
		ev.Attachments = append(ev.Attachments, bridge.Attachment{
			ContentType: att.ContentType,
			ContentURL:  att.ContentURL,
		})
	}

	s.bridge.HandleInbound(ctx, ev, teams.NewReplier(s.conn, act))
}
