// Command pilotsim is a development tool that simulates one pilot device
// talking to the orchestrator over the websocket transport: it sends
// HANDSHAKE on connect, PING on an interval, CONFIRMs every inbound envelope
// other than a CONFIRM, and answers START/STOP with a STATE transition —
// enough surface to drive
// the orchestrator's Router Gateway and Run Controller without real
// hardware.
//
// Grounded in agent/internal/connection/manager.go's reconnect loop:
// dial, run until the session ends, back off with jitter, retry.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/envelope"
)

// defaultPilotName is the flag default; a literal match means the caller
// didn't pick an identity, so run() appends a uuid suffix rather than
// letting two simulator instances collide on the same pilot identity.
const defaultPilotName = "pilot_sim"

const (
	backoffInitial  = 1 * time.Second
	backoffMax      = 30 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.2
	pingInterval    = 10 * time.Second
)

type flags struct {
	serverAddr string
	pilotName  string
	ip         string
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "pilotsim",
		Short: "Simulate a pilot device against the orchestrator's gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.Flags().StringVar(&f.serverAddr, "addr", "localhost:8765", "orchestrator gateway host:port")
	root.Flags().StringVar(&f.pilotName, "name", defaultPilotName, "simulated pilot identity (uuid-suffixed if left default, so multiple instances don't collide)")
	root.Flags().StringVar(&f.ip, "ip", "127.0.0.1", "simulated pilot IP, reported in HANDSHAKE")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if f.pilotName == defaultPilotName {
		f.pilotName = fmt.Sprintf("%s_%s", defaultPilotName, uuid.NewString()[:8])
	}

	sim := &simulator{cfg: f, logger: logger.Named("pilotsim"), builder: envelope.NewBuilder(f.pilotName)}
	sim.runLoop(ctx)
	return nil
}

type simulator struct {
	cfg     *flags
	logger  *zap.Logger
	builder *envelope.Builder

	mu    sync.Mutex
	state string
}

// runLoop mirrors the connection manager's reconnect-with-backoff shape:
// connect, run until the session ends, back off, retry.
func (s *simulator) runLoop(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			s.logger.Info("simulator stopped")
			return
		}

		s.logger.Info("connecting", zap.String("addr", s.cfg.serverAddr))
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("session ended", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
	}
}

func (s *simulator) connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: s.cfg.serverAddr, Path: "/pilots/ws"}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	s.setState("IDLE")

	if err := s.send(ws, "orchestrator", envelope.KeyHandshake, map[string]any{
		"pilot": s.cfg.pilotName,
		"ip":    s.cfg.ip,
		"prefs": map[string]any{},
		"tasks": []any{},
	}); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.pingLoop(ctx, ws) }()
	go func() { errCh <- s.readLoop(ctx, ws) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *simulator) pingLoop(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.send(ws, "orchestrator", envelope.KeyPing, nil); err != nil {
				return err
			}
		}
	}
}

func (s *simulator) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		e, err := envelope.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		s.handle(ctx, ws, e)
	}
}

func (s *simulator) handle(ctx context.Context, ws *websocket.Conn, e envelope.Envelope) {
	if e.Key == envelope.KeyConfirm {
		return
	}
	if err := s.send(ws, e.Sender, envelope.KeyConfirm, e.ID); err != nil {
		s.logger.Warn("confirm send failed", zap.Error(err))
	}

	switch e.Key {
	case envelope.KeyStart:
		s.logger.Info("START received", zap.Any("task", e.Value))
		s.setState("RUNNING")
		if err := s.send(ws, "orchestrator", envelope.KeyState, map[string]any{"state": "RUNNING"}); err != nil {
			s.logger.Warn("state send failed", zap.Error(err))
		}
	case envelope.KeyStop:
		s.logger.Info("STOP received")
		s.setState("IDLE")
		if err := s.send(ws, "orchestrator", envelope.KeyState, map[string]any{"state": "IDLE"}); err != nil {
			s.logger.Warn("state send failed", zap.Error(err))
		}
	case envelope.KeyPing:
		// orchestrator liveness probe — CONFIRM above already answers it.
	default:
		s.logger.Debug("unhandled verb", zap.String("key", string(e.Key)))
	}
}

func (s *simulator) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *simulator) send(ws *websocket.Conn, to string, key envelope.Key, value any) error {
	e := s.builder.New(to, key, value, nil)
	data, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
