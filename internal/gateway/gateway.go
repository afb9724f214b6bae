// Package gateway implements the Router Gateway (§4.B): a bidirectional
// asynchronous message endpoint between the orchestrator and its fleet of
// pilots, with per-message confirm/retry reliability and a thread-safe Send.
//
// A registry of live connections, each owned by its own read/write pump
// pair, is fanned out through a single hub. A connection's identity is
// bound from its first envelope's claimed Sender; every subsequent
// envelope's Sender is overridden with that bound identity rather than
// trusted from the payload again.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/envelope"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB — envelopes may carry a protocol step's params
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler processes one inbound envelope. Handlers must not block the
// transport thread for more than a few milliseconds — per §5, handlers
// that call the backend synchronously are dispatched to their own goroutine
// by the gateway, so Handler implementations may block freely.
type Handler func(e envelope.Envelope)

// SendOpts configures one outbound Send call.
type SendOpts struct {
	// Flags are attached verbatim to the outbound envelope.
	Flags map[string]bool
	// Repeat enrolls the envelope in the outbox/resend cycle, subject to
	// envelope.Envelope.Repeatable() (never for CONFIRM or NOREPEAT).
	Repeat bool
}

type conn struct {
	identity string
	ws       *websocket.Conn
	send     chan []byte
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.ws.Close()
	})
}

type outboxEntry struct {
	firstSent time.Time
	env       envelope.Envelope
}

// Config configures a Gateway.
type Config struct {
	// Identity is the orchestrator's own transport identity string (NAME).
	Identity string
	// ListenAddr is the address the websocket endpoint binds to (":MSGPORT").
	ListenAddr string
	// ResendInterval is the resend scanner's wake interval (default 5s).
	ResendInterval time.Duration
}

// Gateway is the Router Gateway: one listening endpoint, a registry of live
// pilot connections, a per-key handler registry, and an outbox/resend loop.
type Gateway struct {
	cfg     Config
	logger  *zap.Logger
	builder *envelope.Builder

	handlersMu sync.RWMutex
	handlers   map[envelope.Key]Handler

	connMu sync.RWMutex
	conns  map[string]*conn

	outboxMu sync.Mutex
	outbox   map[string]outboxEntry

	httpSrv *http.Server
	cron    gocron.Scheduler

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// New constructs a Gateway bound to cfg.Identity, not yet listening.
func New(cfg Config, logger *zap.Logger) *Gateway {
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = 5 * time.Second
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		// gocron.NewScheduler only fails on option misconfiguration; New
		// passes none, so this is unreachable in practice.
		panic(fmt.Sprintf("gateway: gocron.NewScheduler: %v", err))
	}
	return &Gateway{
		cfg:      cfg,
		logger:   logger.Named("gateway"),
		builder:  envelope.NewBuilder(cfg.Identity),
		handlers: make(map[envelope.Key]Handler),
		conns:    make(map[string]*conn),
		outbox:   make(map[string]outboxEntry),
		stopCh:   make(chan struct{}),
		cron:     cron,
	}
}

// OnMessage registers handler as the sole callback for key, per spec's "at
// most one handler per key." A later call for the same key replaces the
// prior handler.
func (g *Gateway) OnMessage(key envelope.Key, handler Handler) {
	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()
	g.handlers[key] = handler
}

// Handler returns the HTTP handler that upgrades incoming requests to
// websocket connections. Exposed so tests (and Start) can serve it behind
// any http.Server or httptest.Server.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pilots/ws", g.serveWS)
	return mux
}

// Start begins listening for pilot websocket connections and launches the
// resend scanner. Idempotent — a second Start call is a no-op.
func (g *Gateway) Start(ctx context.Context) error {
	var startErr error
	g.startOnce.Do(func() {
		g.httpSrv = &http.Server{Addr: g.cfg.ListenAddr, Handler: g.Handler()}

		go func() {
			g.logger.Info("router gateway listening", zap.String("addr", g.cfg.ListenAddr))
			if err := g.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("router gateway listen error", zap.Error(err))
			}
		}()

		if _, jobErr := g.cron.NewJob(
			gocron.DurationJob(g.cfg.ResendInterval),
			gocron.NewTask(g.scanOutbox),
			gocron.WithName("gateway-resend"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); jobErr != nil {
			startErr = fmt.Errorf("gateway: schedule resend job: %w", jobErr)
			return
		}
		g.cron.Start()
	})
	return startErr
}

// Stop shuts down the listener, resend loop, and every live connection.
// Idempotent.
func (g *Gateway) Stop() error {
	var err error
	g.stopOnce.Do(func() {
		close(g.stopCh)

		if cronErr := g.cron.Shutdown(); cronErr != nil {
			g.logger.Warn("resend scheduler shutdown error", zap.Error(cronErr))
		}

		if g.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = g.httpSrv.Shutdown(shutdownCtx)
		}

		g.connMu.Lock()
		for _, c := range g.conns {
			c.close()
		}
		g.conns = make(map[string]*conn)
		g.connMu.Unlock()
	})
	return err
}

// Send serializes and transmits an envelope to pilot identity "to". Safe to
// call from any goroutine — it never blocks on a connection's write pump;
// a full send buffer or absent connection is logged and swallowed, per
// §4.B's failure semantics, except for encode/validation errors, which
// are returned to the caller.
func (g *Gateway) Send(to string, key envelope.Key, value any, opts SendOpts) error {
	e := g.builder.New(to, key, value, opts.Flags)

	data, err := envelope.Encode(e)
	if err != nil {
		return fmt.Errorf("gateway: send: %w", err)
	}

	if opts.Repeat && e.Repeatable() {
		g.outboxMu.Lock()
		g.outbox[e.ID] = outboxEntry{firstSent: time.Now(), env: e}
		g.outboxMu.Unlock()
	}

	g.write(to, data)
	return nil
}

// write posts data to the named pilot's connection without blocking.
func (g *Gateway) write(to string, data []byte) {
	g.connMu.RLock()
	c, ok := g.conns[to]
	g.connMu.RUnlock()

	if !ok {
		g.logger.Warn("send: pilot not connected, message will rely on resend", zap.String("to", to))
		return
	}

	select {
	case c.send <- data:
	default:
		g.logger.Warn("send: connection buffer full, dropping", zap.String("to", to))
	}
}

// serveWS upgrades an incoming HTTP request to a websocket connection and
// runs its read/write pumps until it closes.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, sendBufferSize)}
	go g.writePump(c)
	g.readPump(c)
}

// readPump reads frames from the connection and dispatches them. The first
// successfully decoded envelope binds the connection's identity to its
// claimed Sender; every subsequent envelope's Sender is overridden with
// that bound identity, which is the authoritative-sender invariant (spec
// §8 invariant #2) re-expressed for a connection-oriented transport.
func (g *Gateway) readPump(c *conn) {
	defer func() {
		if c.identity != "" {
			g.connMu.Lock()
			if g.conns[c.identity] == c {
				delete(g.conns, c.identity)
			}
			g.connMu.Unlock()
		}
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		e, err := envelope.Decode(raw)
		if err != nil {
			g.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}

		if c.identity == "" {
			c.identity = e.Sender
			g.connMu.Lock()
			g.conns[c.identity] = c
			g.connMu.Unlock()
		} else {
			e.Sender = c.identity
		}

		g.dispatch(e)
	}
}

// writePump serializes all writes to one connection on a single goroutine,
// the way gorilla/websocket requires, and sends periodic pings.
func (g *Gateway) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch looks up e.Key's handler and invokes it off the read pump, then
// sends an automatic CONFIRM unless e is itself a CONFIRM or carries
// NOREPEAT — §4.B's inbound handling algorithm.
func (g *Gateway) dispatch(e envelope.Envelope) {
	if !envelope.IsKnown(e.Key) {
		g.logger.Warn("dropping unknown verb", zap.String("key", string(e.Key)), zap.String("sender", e.Sender))
		return
	}

	if e.Key == envelope.KeyConfirm {
		g.onConfirm(e)
		return
	}

	g.handlersMu.RLock()
	h, ok := g.handlers[e.Key]
	g.handlersMu.RUnlock()

	if ok {
		go g.safeInvoke(h, e)
	} else {
		g.logger.Debug("no handler registered for key", zap.String("key", string(e.Key)))
	}

	if !e.HasFlag(envelope.FlagNoRepeat) {
		confirm := g.builder.Confirm(e.Sender, e.ID)
		data, err := envelope.Encode(confirm)
		if err != nil {
			g.logger.Error("failed to encode confirm", zap.Error(err))
			return
		}
		g.write(e.Sender, data)
	}
}

// safeInvoke runs a handler, logging and recovering from any panic so a
// single pathological pilot cannot bring down the gateway.
func (g *Gateway) safeInvoke(h Handler, e envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panicked",
				zap.String("key", string(e.Key)),
				zap.String("sender", e.Sender),
				zap.Any("panic", r),
			)
		}
	}()
	h(e)
}

// onConfirm removes the matching outbox entry, per §4.B.
func (g *Gateway) onConfirm(e envelope.Envelope) {
	confirmedID, ok := e.Value.(string)
	if !ok {
		g.logger.Warn("confirm envelope with non-string value", zap.String("sender", e.Sender))
		return
	}
	g.outboxMu.Lock()
	delete(g.outbox, confirmedID)
	g.outboxMu.Unlock()
}

// scanOutbox retransmits outbox entries older than 2x ResendInterval,
// decrementing ttl; entries whose ttl reaches 0 are dropped with a warning
// instead of being resent, per §4.B's outbound reliability algorithm.
// scanOutbox is the resend job's task body, scheduled by gocron every
// ResendInterval in singleton mode — grounded in scheduler.go's
// per-policy gocron job, generalized from a cron-expression trigger to a
// fixed-duration one.
func (g *Gateway) scanOutbox() {
	threshold := 2 * g.cfg.ResendInterval
	now := time.Now()

	var toResend []outboxEntry

	g.outboxMu.Lock()
	for id, entry := range g.outbox {
		if now.Sub(entry.firstSent) <= threshold {
			continue
		}
		entry.env.TTL--
		if entry.env.TTL <= 0 {
			delete(g.outbox, id)
			g.logger.Warn("outbox entry expired, dropping",
				zap.String("id", id), zap.String("to", entry.env.To), zap.String("key", string(entry.env.Key)))
			continue
		}
		entry.firstSent = now
		g.outbox[id] = entry
		toResend = append(toResend, entry)
	}
	g.outboxMu.Unlock()

	for _, entry := range toResend {
		data, err := envelope.Encode(entry.env)
		if err != nil {
			g.logger.Error("resend: failed to re-encode envelope", zap.Error(err))
			continue
		}
		g.write(entry.env.To, data)
	}
}

// OutboxSize reports the number of unconfirmed outbox entries, for metrics.
func (g *Gateway) OutboxSize() int {
	g.outboxMu.Lock()
	defer g.outboxMu.Unlock()
	return len(g.outbox)
}

// ConnectedCount reports the number of live pilot connections, for metrics.
func (g *Gateway) ConnectedCount() int {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return len(g.conns)
}
