// Package coordinator wires the protocol, job, session, template, and
// validator packages into the WebSocket endpoint miners connect to: one
// goroutine trio (read/write/dispatch) per connection, fed by the shared
// template manager's change notifications.
package coordinator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roundnews/monerowebcoordinator/internal/daemon"
	"github.com/roundnews/monerowebcoordinator/internal/jobs"
	"github.com/roundnews/monerowebcoordinator/internal/metrics"
	"github.com/roundnews/monerowebcoordinator/internal/protocol"
	"github.com/roundnews/monerowebcoordinator/internal/session"
	"github.com/roundnews/monerowebcoordinator/internal/template"
	"github.com/roundnews/monerowebcoordinator/internal/validator"
)

// nonceOffset is the byte offset of the block header's nonce field within a
// Monero hashing blob; used only by the Share path, which patches a nonce
// into an already-issued job's blob rather than trusting a client-reported
// hash.
const (
	nonceOffset = 39
	nonceSize   = 4
)

// Config holds connection-handling tunables.
type Config struct {
	Logger             *slog.Logger
	PingInterval       time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxMessageSize     int64
	JobTTL             time.Duration
	SubmitTimeout      time.Duration
	SessionIdleTimeout time.Duration
	JobMaxAge          time.Duration
	CleanupInterval    time.Duration
	MessagesPerSecond  int
	SubmitsPerMinute   int
}

// DefaultConfig returns sane defaults for a production deployment.
func DefaultConfig() Config {
	return Config{
		Logger:             slog.Default(),
		PingInterval:       30 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxMessageSize:     8192,
		JobTTL:             120 * time.Second,
		SubmitTimeout:      10 * time.Second,
		SessionIdleTimeout: 5 * time.Minute,
		JobMaxAge:          10 * time.Minute,
		CleanupInterval:    60 * time.Second,
		MessagesPerSecond:  20,
		SubmitsPerMinute:   30,
	}
}

// Server accepts and drives WebSocket mining connections.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sessions  *session.Registry
	jobs      *jobs.Registry
	templates *template.Manager
	validator *validator.Validator
	daemon    *daemon.Client
	metrics   *metrics.Metrics
}

// NewServer assembles a Server from its already-constructed collaborators.
func NewServer(sessions *session.Registry, jobReg *jobs.Registry, templates *template.Manager, val *validator.Validator, daemonClient *daemon.Client, m *metrics.Metrics, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "coordinator"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions:  sessions,
		jobs:      jobReg,
		templates: templates,
		validator: val,
		daemon:    daemonClient,
		metrics:   m,
	}
}

// Handler returns the HTTP handler that upgrades inbound requests to
// WebSocket connections and spawns their per-connection goroutines.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", "error", err, "ip", ip)
			return
		}

		id := uuid.New().String()
		sess, ok := s.sessions.Create(id, ip)
		if !ok {
			s.logger.Debug("session admission denied", "ip", ip)
			s.rejectAndClose(wsConn, protocol.ErrRateLimit, "too many sessions")
			return
		}

		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()

		c := &connection{srv: s, conn: wsConn, session: sess, send: make(chan []byte, 32)}
		go c.run()
	}
}

// Run starts the periodic sweep that evicts idle sessions and ages out stale
// jobs. It blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.CleanupIdle(s.cfg.SessionIdleTimeout); n > 0 {
				s.logger.Info("evicted idle sessions", "count", n)
				s.metrics.ConnectionsActive.Set(float64(s.sessions.ActiveCount()))
			}
			if n := s.jobs.Cleanup(s.cfg.JobMaxAge); n > 0 {
				s.logger.Debug("cleaned up aged jobs", "count", n)
			}
			s.metrics.RPCCircuitState.Set(float64(s.daemon.State()))
		}
	}
}

func (s *Server) rejectAndClose(conn *websocket.Conn, code protocol.ErrorCode, message string) {
	data, _ := json.Marshal(protocol.NewError("", code, message))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.Close()
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		if i := strings.Index(xf, ","); i >= 0 {
			return strings.TrimSpace(xf[:i])
		}
		return strings.TrimSpace(xf)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// connection is one live WebSocket connection and the session it was
// admitted under.
type connection struct {
	srv     *Server
	conn    *websocket.Conn
	session *session.Session
	send    chan []byte
}

// run drives the connection's lifecycle: it starts the read and write
// pumps, then dispatches decoded messages and template-change notifications
// until the connection closes.
func (c *connection) run() {
	defer c.cleanup()

	incoming := make(chan *protocol.ClientMessage, 8)
	go c.readPump(incoming)
	go c.writePump()

	changed := c.srv.templates.Changed()

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			c.dispatch(msg)
		case <-changed:
			changed = c.srv.templates.Changed()
			c.pushJob()
		}
	}
}

func (c *connection) readPump(out chan<- *protocol.ClientMessage) {
	defer close(out)

	conn := c.conn
	conn.SetReadLimit(c.srv.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
		c.session.Touch()
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.logger.Debug("websocket read error", "session", c.session.ID, "error", err)
			}
			return
		}

		if !c.srv.sessions.CheckMessageLimit(c.session.ID) {
			c.srv.metrics.RateLimitHits.Inc()
			c.enqueueError("", protocol.ErrRateLimit, "message rate exceeded")
			continue
		}
		c.session.Touch()

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.enqueueError("", protocol.ErrBadFormat, err.Error())
			continue
		}
		c.srv.metrics.MessagesTotal.Inc()
		out <- msg
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) cleanup() {
	close(c.send)
	c.srv.sessions.Remove(c.session.ID)
	c.srv.metrics.ConnectionsActive.Dec()
}

func (c *connection) dispatch(msg *protocol.ClientMessage) {
	switch {
	case msg.Hello != nil:
		c.handleHello(msg.Hello)
	case msg.Submit != nil:
		c.handleSubmit(msg.Submit)
	case msg.Share != nil:
		c.handleShare(msg.Share)
	case msg.Ping != nil:
		c.enqueue(protocol.PongPayload{Type: protocol.TypePong, V: protocol.Version, ID: msg.Ping.ID})
	}
}

func (c *connection) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.srv.logger.Error("marshal outbound message failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.srv.logger.Warn("send buffer full, dropping message", "session", c.session.ID)
	}
}

func (c *connection) enqueueError(id string, code protocol.ErrorCode, message string) {
	c.enqueue(protocol.NewError(id, code, message))
}

// handleHello answers the handshake with a Job if a template has already
// been published, or Stats otherwise. Exactly one reply, never both.
func (c *connection) handleHello(h *protocol.HelloPayload) {
	c.session.SetReady(h.MinerVersion, h.Threads, h.SiteToken)
	if c.srv.templates.Current() != nil {
		c.pushJob()
		return
	}
	c.sendStats()
}

func (c *connection) sendStats() {
	var tip uint64
	if tmpl := c.srv.templates.Current(); tmpl != nil {
		tip = tmpl.Height
	}

	c.enqueue(protocol.StatsPayload{
		Type:              protocol.TypeStats,
		V:                 protocol.Version,
		SessionID:         c.session.ID,
		SubmitsPerMinute:  c.srv.cfg.SubmitsPerMinute,
		MessagesPerSecond: c.srv.cfg.MessagesPerSecond,
		Policy: protocol.PolicyPayload{
			JobTTLMs:         uint64(c.srv.cfg.JobTTL.Milliseconds()),
			MaxSubmitsPerMin: c.srv.cfg.SubmitsPerMinute,
			MaxSharesPerMin:  c.srv.cfg.SubmitsPerMinute,
		},
		ServerTimeMs: time.Now().UnixMilli(),
		TipHeight:    tip,
	})
}

// pushJob mints a fresh job from the current template for this session and
// sends it, if a template has been published yet.
func (c *connection) pushJob() {
	tmpl := c.srv.templates.Current()
	if tmpl == nil {
		return
	}

	job, err := c.srv.jobs.Create(jobs.Template{
		TemplateID:        tmpl.TemplateID,
		Height:            tmpl.Height,
		BlockTemplateBlob: tmpl.BlockTemplateBlob,
		ReservedOffset:    tmpl.ReservedOffset,
		ReserveSize:       tmpl.ReserveSize,
		Difficulty:        tmpl.Difficulty,
		SeedHash:          tmpl.SeedHash,
	}, c.session.ID)
	if err != nil {
		c.srv.logger.Error("job creation failed", "session", c.session.ID, "error", err)
		return
	}

	c.srv.metrics.JobsCreatedTotal.Inc()
	c.session.SetCurrentJob(job.JobID)

	c.enqueue(protocol.JobPayload{
		Type:             protocol.TypeJob,
		V:                protocol.Version,
		JobID:            job.JobID,
		BlobHex:          job.BlobHex,
		ReservedOffset:   job.ReservedOffset,
		ReservedValueHex: hex.EncodeToString(job.ReservedValue),
		TargetHex:        hex.EncodeToString(job.Target[:]),
		Height:           job.Height,
		SeedHash:         job.SeedHash,
		ExpiresAtMs:      job.CreatedAt.Add(c.srv.cfg.JobTTL).UnixMilli(),
		Algo:             "rx/0",
	})
}

// handleSubmit runs the full validation pipeline on a client-reconstructed
// blob: staleness, structural checks against the issuing job, RandomX
// proof-of-work, target comparison, and finally daemon submission.
func (c *connection) handleSubmit(p *protocol.SubmitPayload) {
	if !c.srv.sessions.CheckSubmitLimit(c.session.ID) {
		c.srv.metrics.RateLimitHits.Inc()
		c.enqueueError(p.ID, protocol.ErrRateLimit, "submit rate exceeded")
		return
	}

	job, ok := c.srv.jobs.Get(p.JobID)
	if !ok {
		c.respondSubmit(p.ID, protocol.StatusRejected, "Unknown job")
		return
	}
	if c.srv.jobs.IsStale(job, c.currentTemplateID()) {
		c.respondSubmit(p.ID, protocol.StatusStale, "job superseded by newer template")
		return
	}

	blob, err := c.srv.validator.ValidateStructure(p.BlobHex, job)
	if err != nil {
		c.respondSubmit(p.ID, protocol.StatusRejected, err.Error())
		return
	}

	c.verifyAndSubmit(p.ID, job, blob)
}

// handleShare is the alternate submit path for clients that report a raw
// nonce instead of round-tripping the full blob. The client's own result
// hash is never trusted; the server patches the nonce into the job's issued
// blob and recomputes the hash itself before running the same pipeline tail
// as Submit.
func (c *connection) handleShare(p *protocol.SharePayload) {
	if !c.srv.sessions.CheckSubmitLimit(c.session.ID) {
		c.srv.metrics.RateLimitHits.Inc()
		c.enqueueError(p.ID, protocol.ErrRateLimit, "submit rate exceeded")
		return
	}

	job, ok := c.srv.jobs.Get(p.JobID)
	if !ok {
		c.respondSubmit(p.ID, protocol.StatusRejected, "Unknown job")
		return
	}
	if c.srv.jobs.IsStale(job, c.currentTemplateID()) {
		c.respondSubmit(p.ID, protocol.StatusStale, "job superseded by newer template")
		return
	}

	nonce, err := hex.DecodeString(p.Nonce)
	if err != nil || len(nonce) != nonceSize {
		c.respondSubmit(p.ID, protocol.StatusRejected, "malformed nonce")
		return
	}

	blob, err := hex.DecodeString(job.BlobHex)
	if err != nil || nonceOffset+nonceSize > len(blob) {
		c.respondSubmit(p.ID, protocol.StatusError, "internal validation error")
		return
	}
	copy(blob[nonceOffset:nonceOffset+nonceSize], nonce)

	c.verifyAndSubmit(p.ID, job, blob)
}

func (c *connection) currentTemplateID() uint64 {
	if tmpl := c.srv.templates.Current(); tmpl != nil {
		return tmpl.TemplateID
	}
	return 0
}

// verifyAndSubmit runs the shared RandomX/target/daemon tail of the
// submission pipeline against an already structurally-validated blob.
func (c *connection) verifyAndSubmit(msgID string, job *jobs.Job, blob []byte) {
	if err := c.srv.validator.EnsureSeed(job.SeedHash); err != nil {
		c.srv.logger.Error("randomx seed rebuild failed", "error", err)
		c.respondSubmit(msgID, protocol.StatusError, "internal validation error")
		return
	}

	hash, err := c.srv.validator.ComputeHash(blob)
	if err != nil {
		c.srv.logger.Error("randomx hash computation failed", "error", err)
		c.respondSubmit(msgID, protocol.StatusError, "internal validation error")
		return
	}

	if !validator.CheckMeetsTarget(hash, job.Target) {
		c.respondSubmit(msgID, protocol.StatusRejected, "hash does not meet target")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.SubmitTimeout)
	defer cancel()

	status, err := c.srv.daemon.SubmitBlock(ctx, hex.EncodeToString(blob))
	if err != nil {
		c.srv.logger.Warn("daemon rejected submission", "session", c.session.ID, "height", job.Height, "error", err)
		c.srv.metrics.RPCCallsTotal.WithLabelValues("submit_block", "error").Inc()
		c.respondSubmit(msgID, protocol.StatusRejected, "daemon rejected block")
		return
	}

	c.srv.metrics.RPCCallsTotal.WithLabelValues("submit_block", "ok").Inc()
	c.srv.logger.Info("block accepted", "session", c.session.ID, "height", job.Height, "status", status)
	c.respondSubmit(msgID, protocol.StatusAccepted, status)
}

func (c *connection) respondSubmit(id string, status protocol.SubmitStatus, message string) {
	c.srv.metrics.SubmissionsTotal.WithLabelValues(string(status)).Inc()
	c.enqueue(protocol.SubmitResultPayload{
		Type:    protocol.TypeSubmitResult,
		V:       protocol.Version,
		ID:      id,
		Status:  status,
		Message: message,
	})
}
