// Package monitor serves the broadcast server's counters and the process's
// resource usage over HTTP, as a JSON snapshot and as a websocket stream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"channel/internal/server"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
)

// Config holds the monitor settings. An empty Addr disables the monitor.
type Config struct {
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() Config {
	return Config{Interval: time.Second}
}

// Source provides the server counters.
type Source interface {
	Stats() server.Stats
}

// Snapshot is the document served on /stats and pushed on /ws.
type Snapshot struct {
	Time    time.Time    `json:"time"`
	Server  server.Stats `json:"server"`
	Process ProcessStats `json:"process"`
}

type Monitor struct {
	cfg  Config
	src  Source
	log  *slog.Logger
	self *process.Process
	mux  *http.ServeMux

	upgrader websocket.Upgrader
}

// New creates a monitor reading counters from src.
func New(cfg Config, src Source, log *slog.Logger) (*Monitor, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	self, err := newSelf()
	if err != nil {
		return nil, err
	}

	m := &Monitor{cfg: cfg, src: src, log: log, self: self, mux: http.NewServeMux()}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     m.sameOrigin,
	}
	m.mux.HandleFunc("GET /stats", m.handleStats)
	m.mux.HandleFunc("GET /ws", m.handleWS)
	return m, nil
}

// Handler returns the HTTP handler serving /stats and /ws.
func (m *Monitor) Handler() http.Handler { return m.mux }

// Snapshot collects the current counters.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		Time:    time.Now(),
		Server:  m.src.Stats(),
		Process: processStats(m.self),
	}
}

// ListenAndServe serves on cfg.Addr until ctx is done.
func (m *Monitor) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", m.cfg.Addr, err)
	}
	return m.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (m *Monitor) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           m.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.log.Warn("Failed to shut down monitor", "error", err)
		}
	})
	defer stop()

	m.log.Info("Monitor listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor serve: %w", err)
	}
	return nil
}

func (m *Monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.Snapshot()); err != nil {
		m.log.Error("Failed to write stats", "error", err)
	}
}

// sameOrigin accepts requests without an Origin header and requests whose
// origin host matches the Host header.
func (m *Monitor) sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && u.Host == r.Host {
		return true
	}
	m.log.Warn("Rejected websocket connection from foreign origin", "origin", origin, "host", r.Host)
	return false
}

// handleWS pushes a snapshot right away and then once per interval until
// the peer goes away.
func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Error("Failed to upgrade to websocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// The peer sends nothing; reading detects when it closes.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					m.log.Debug("Websocket closed", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.Interval + 5*time.Second))
		if err := conn.WriteJSON(m.Snapshot()); err != nil {
			m.log.Debug("Failed to push stats", "error", err)
			return
		}
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
