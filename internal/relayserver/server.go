// Package relayserver is the local relay daemon. It keeps each client's service session open
// across client restarts and buffers service traffic the client cannot take.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/relayproto"
)

// Config holds daemon settings.
type Config struct {
	ListenAddr      string
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	DialTimeout     time.Duration
	BufferRetention time.Duration
	SweepInterval   time.Duration
	ReplayBatch     int
}

func (c *Config) setDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BufferRetention <= 0 {
		c.BufferRetention = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = 100
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithDialer replaces the upstream websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithRegistry registers metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// Server is the relay daemon.
type Server struct {
	cfg      Config
	hub      *Hub
	buffer   Buffer
	metrics  *metrics
	registry *prometheus.Registry
	logger   zerolog.Logger
	echo     *echo.Echo
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates the daemon over buf.
func New(cfg Config, buf Buffer, logger zerolog.Logger, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:      cfg,
		buffer:   buf,
		logger:   logger.With().Str("component", "relay-server").Logger(),
		dialer:   websocket.DefaultDialer,
		shutdown: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The relay only listens on loopback.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	s.hub = newHub(buf, s.metrics, logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/relay", s.HandleWebSocket)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	s.echo = e
	return s
}

// Handler exposes the HTTP surface, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// ShutdownRequested is closed when a client sent SHUTDOWN.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// Run serves until ctx ends or a client asks the relay to shut down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("relay listening")
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.RunRetentionSweeper(gctx)
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdown:
			s.logger.Info().Msg("shutdown requested by client")
		}
		cancel()
		return s.Close()
	})

	return g.Wait()
}

// Close stops the HTTP server and drops every connection and upstream session.
func (s *Server) Close() error {
	s.cancel()
	s.hub.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
		"sessions":    s.hub.GetSessionCount(),
	})
}

// HandleWebSocket upgrades a client link. The client id comes from the query string.
func (s *Server) HandleWebSocket(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if clientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "client_id is required"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := newConnection(clientID, ws)
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	s.hub.Attach(c.Request().Context(), conn)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads frames from the client until the socket ends.
func (s *Server) readPump(conn *Connection) {
	defer s.hub.Detach(conn)

	_ = conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", conn.ClientID).Msg("relay link read failed")
			}
			return
		}
		_ = conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleFrame(conn, message)
	}
}

// writePump is the only writer of data frames on conn.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-conn.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn().Err(err).Str("client_id", conn.ClientID).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame splits client traffic into control messages the relay owns and application
// frames for the upstream session.
func (s *Server) handleFrame(conn *Connection, data []byte) {
	msg, err := relayproto.Parse(data, relayproto.IsClientType)
	if err == nil {
		s.handleControl(conn, msg)
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.metrics.parseErrors.Inc()
		s.reply(conn, relayproto.TypeMessageParseError, "", "frame is not valid JSON")
		return
	}
	if relayproto.IsRelayType(relayproto.Type(probe.Type)) {
		s.metrics.parseErrors.Inc()
		s.reply(conn, relayproto.TypeUnknownMessageType, "", fmt.Sprintf("%s is not a client message", probe.Type))
		return
	}

	if err := s.hub.Forward(s.ctx, conn.ClientID, data, s.cfg.WriteTimeout); err != nil {
		s.metrics.parseErrors.Inc()
		s.logger.Warn().Err(err).Str("client_id", conn.ClientID).Str("type", probe.Type).Msg("frame not forwarded")
		s.reply(conn, relayproto.TypeMessageParseError, "", err.Error())
	}
}

func (s *Server) handleControl(conn *Connection, msg relayproto.Message) {
	log := s.logger.With().Str("client_id", conn.ClientID).Str("type", string(msg.Type)).Logger()
	log.Debug().Msg("control message")

	switch msg.Type {
	case relayproto.TypePing:
		s.reply(conn, relayproto.TypePong, msg.ID, "")

	case relayproto.TypeShutdown:
		s.requestShutdown()

	case relayproto.TypeBlockIncomingCloudMessages:
		s.hub.Block(conn.ClientID)

	case relayproto.TypeRecoverMessages:
		go func() {
			n, err := s.hub.Replay(s.ctx, conn, s.cfg.ReplayBatch)
			if err != nil {
				log.Warn().Err(err).Int("sent", n).Msg("replay interrupted")
				return
			}
			log.Info().Int("frames", n).Msg("replay completed")
			done := relayproto.New(relayproto.TypeRecoverMessagesCompleted, conn.ClientID)
			done.Message = fmt.Sprintf("replayed %d messages", n)
			s.send(conn, done)
		}()

	case relayproto.TypeSessionStart:
		s.startSession(conn, msg)

	case relayproto.TypeSessionEnd:
		if err := s.hub.EndSession(s.ctx, conn.ClientID); err != nil {
			log.Error().Err(err).Msg("session end failed")
		}
	}
}

func (s *Server) startSession(conn *Connection, msg relayproto.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()

	up, err := dialUpstream(ctx, s.dialer, conn.ClientID, msg.Session)
	if err != nil {
		s.metrics.sessionStart.WithLabelValues("failed").Inc()
		s.logger.Warn().Err(err).Str("client_id", conn.ClientID).Msg("session start failed")
		notice, _ := json.Marshal(&protocol.ServerDisconnect{
			BaseMessage: protocol.Base(protocol.TypeServerDisconnect),
			Reason: protocol.DisconnectReason{
				Kind:    protocol.DisconnectCriticalError,
				Message: "relay could not reach the service: " + err.Error(),
			},
		})
		if dErr := s.hub.Deliver(s.ctx, conn.ClientID, notice); dErr != nil {
			s.logger.Error().Err(dErr).Msg("failed to deliver session start failure")
		}
		return
	}

	if err := s.buffer.Clear(s.ctx, conn.ClientID); err != nil {
		s.logger.Warn().Err(err).Str("client_id", conn.ClientID).Msg("failed to clear stale buffer")
	}
	if old := s.hub.setUpstream(conn.ClientID, up); old != nil {
		old.close()
	}
	s.metrics.sessionStart.WithLabelValues("ok").Inc()
	s.logger.Info().Str("client_id", conn.ClientID).Str("uri", msg.Session.URI).
		Str("conversation_id", msg.Session.ConversationID).Msg("upstream session started")

	go s.pumpUpstream(up)
}

func (s *Server) reply(conn *Connection, t relayproto.Type, id, text string) {
	msg := relayproto.New(t, conn.ClientID)
	msg.ID = id
	msg.Message = text
	s.send(conn, msg)
}

func (s *Server) send(conn *Connection, msg relayproto.Message) {
	data, err := relayproto.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode control message")
		return
	}
	if !conn.enqueue(data) {
		s.logger.Warn().Str("client_id", conn.ClientID).Str("type", string(msg.Type)).Msg("control reply dropped")
	}
}

// RunRetentionSweeper deletes buffered frames older than the retention window.
func (s *Server) RunRetentionSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepBuffer(ctx)
		}
	}
}

func (s *Server) sweepBuffer(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	removed, err := s.buffer.Sweep(sweepCtx, time.Now().Add(-s.cfg.BufferRetention))
	if err != nil {
		s.logger.Warn().Err(err).Msg("buffer retention sweep failed")
		return
	}
	if removed > 0 {
		s.metrics.sweptFrames.Add(float64(removed))
		s.logger.Info().Int64("frames", removed).Msg("expired buffered frames")
	}
}
