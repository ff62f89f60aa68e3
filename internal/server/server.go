package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"channel/internal/queue"
	"channel/internal/registry"
	"channel/pkg/frame"

	"golang.org/x/time/rate"
)

// ErrSetup wraps failures to create the listening socket.
var ErrSetup = errors.New("server setup failed")

// Config holds the server settings.
type Config struct {
	Listen        string        `yaml:"listen"`
	Drop          bool          `yaml:"drop"`
	QueueCapacity int           `yaml:"queue_capacity"`
	MaxFrameSize  int           `yaml:"max_frame_size"`
	AcceptPoll    time.Duration `yaml:"accept_poll"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns the compiled-in server defaults.
func DefaultConfig() Config {
	return Config{
		Listen:        ":31719",
		Drop:          true,
		QueueCapacity: 1024,
		MaxFrameSize:  4 * 1024,
		AcceptPoll:    500 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// Stats is a snapshot of the server counters.
type Stats struct {
	Clients   int    `json:"clients"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Batches   uint64 `json:"batches"`
	Coalesced uint64 `json:"coalesced"`
	SentBytes uint64 `json:"sent_bytes"`
	Accepted  uint64 `json:"accepted"`
	Evicted   uint64 `json:"evicted"`
}

// Server accepts TCP clients and broadcasts every submitted payload to all
// clients connected at the time it is sent.
type Server struct {
	cfg      Config
	log      *slog.Logger
	listener *net.TCPListener
	queue    *queue.Queue
	clients  *registry.Registry

	// ctx is canceled when a stop is requested.
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	acceptBackoff *rate.Limiter

	// Owned by the broadcaster goroutine.
	nextIndex uint64
	sentTotal uint64

	submitted atomic.Uint64
	dropped   atomic.Uint64
	batches   atomic.Uint64
	coalesced atomic.Uint64
	sentBytes atomic.Uint64
	accepted  atomic.Uint64
	evicted   atomic.Uint64

	now func() time.Time
}

// Listen creates the listening socket. Errors match ErrSetup.
func Listen(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	addr, err := net.ResolveTCPAddr("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrSetup, cfg.Listen, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %w", ErrSetup, cfg.Listen, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		log:           log,
		listener:      ln,
		queue:         queue.New(cfg.QueueCapacity, log),
		clients:       registry.New(log),
		ctx:           ctx,
		cancel:        cancel,
		acceptBackoff: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		now:           time.Now,
	}
	log.Info("Server listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Start launches the acceptor and broadcaster goroutines.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.acceptLoop()
		go s.broadcastLoop()
	})
}

// Submit wraps payload in a frame and queues it for broadcast. When drop is
// set and the queue is over capacity the oldest queued frames are dropped.
// After Shutdown the payload itself is dropped. Every drop is logged and
// counted.
func (s *Server) Submit(payload []byte, drop bool) {
	s.submitted.Add(1)
	dropped := s.queue.Enqueue(frame.Serialize(payload, s.now()), drop)
	if len(dropped) > 0 {
		s.dropped.Add(uint64(len(dropped)))
	}
}

// Shutdown stops the server. When drain is set it first waits, bounded by
// ctx, until every queued frame was handed to the broadcaster. It then
// stops both loops, closes all client connections and the listener.
// Frames still queued at that point are logged and counted as dropped.
func (s *Server) Shutdown(ctx context.Context, drain bool) error {
	var drainErr error
	if drain {
		s.log.Debug("Waiting for queue to drain", "queued", s.queue.Len())
		if err := s.queue.WaitEmpty(ctx); err != nil {
			drainErr = fmt.Errorf("drain queue (%d messages left): %w", s.queue.Len(), err)
		}
	}

	s.stopOnce.Do(func() {
		s.cancel()
		left := s.queue.Stop()
		s.clients.Stop()
		s.wg.Wait()

		for _, b := range left {
			s.log.Warn("Dropped undelivered message at shutdown",
				"bytes", len(b), "payload", string(frame.Payload(b)))
		}
		s.dropped.Add(uint64(len(left)))

		s.clients.CloseAll()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("Failed to close listener", "error", err)
		}
		s.log.Debug("Server stopped")
	})
	return drainErr
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Clients:   s.clients.Len(),
		Queued:    s.queue.Len(),
		Submitted: s.submitted.Load(),
		Dropped:   s.dropped.Load(),
		Batches:   s.batches.Load(),
		Coalesced: s.coalesced.Load(),
		SentBytes: s.sentBytes.Load(),
		Accepted:  s.accepted.Load(),
		Evicted:   s.evicted.Load(),
	}
}

func (s *Server) stopping() bool { return s.ctx.Err() != nil }

// acceptLoop polls the listener with a deadline so a stop request is seen
// at least once per AcceptPoll.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for !s.stopping() {
		if err := s.listener.SetDeadline(time.Now().Add(s.cfg.AcceptPoll)); err != nil {
			s.log.Error("Failed to set accept deadline", "error", err)
			return
		}
		nc, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Failed to accept client", "error", err)
			// Pace retries when accept keeps failing, e.g. out of file descriptors.
			_ = s.acceptBackoff.Wait(s.ctx)
			continue
		}

		c := s.clients.Add(nc)
		s.accepted.Add(1)
		s.log.Info("Client connected", "clientID", c.ID, "remote", c.Remote, "clients", s.clients.Len())
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		if !s.clients.WaitNotEmpty() {
			return
		}
		if !s.queue.WaitNotEmpty() {
			return
		}
		batch, ok := s.queue.DrainUpTo(s.cfg.MaxFrameSize)
		if !ok {
			continue
		}
		s.send(batch)
	}
}

// send stamps the batch and writes it to every registered client in
// parallel. Clients whose write fails or is short are evicted.
func (s *Server) send(b queue.Batch) {
	s.sentTotal += uint64(len(b.Data))
	frame.Stamp(b.Data, s.nextIndex, s.now(), s.sentTotal)
	s.nextIndex++

	s.batches.Add(1)
	s.sentBytes.Store(s.sentTotal)
	if b.Messages > 1 {
		s.coalesced.Add(uint64(b.Messages - 1))
	}

	conns := s.clients.Snapshot()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.Write(b.Data, s.cfg.WriteTimeout)
			if err == nil && n != len(b.Data) {
				err = fmt.Errorf("short write: %d of %d bytes", n, len(b.Data))
			}
			if err != nil {
				s.evict(c, err)
			}
		}()
	}
	wg.Wait()

	s.log.Debug("Sent batch",
		"index", s.nextIndex-1, "bytes", len(b.Data), "messages", b.Messages,
		"sendBytes", s.sentTotal, "clients", len(conns))
}

func (s *Server) evict(c *registry.Conn, cause error) {
	_ = c.Close()
	s.clients.Remove(c)
	s.evicted.Add(1)
	s.log.Info("Client disconnected", "clientID", c.ID, "remote", c.Remote, "error", cause, "clients", s.clients.Len())
}
