// Package client implements the receiving side of the channel protocol: it
// reads frames from the server, checks them and hands the payloads on.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"channel/pkg/frame"
	"channel/pkg/hist"

	"github.com/google/uuid"
)

var (
	// ErrSetup wraps failures to connect to the server.
	ErrSetup = errors.New("client setup failed")

	// ErrFraming is returned when a frame is truncated or cannot be buffered.
	// The connection is unusable afterwards.
	ErrFraming = errors.New("framing failure")

	// ErrConsistency marks a frame that was read completely but failed the
	// ordering or timestamp checks. Such frames are dropped.
	ErrConsistency = errors.New("consistency violation")
)

const (
	SendDelay     = "send delay"
	GenerateDelay = "generate delay"
)

// Config holds the client settings.
type Config struct {
	Address         string          `yaml:"address"`
	DialTimeout     time.Duration   `yaml:"dial_timeout"`
	MaxPayload      int             `yaml:"max_payload"`
	HistogramBounds []time.Duration `yaml:"histogram_bounds"`
}

// DefaultConfig returns the compiled-in client defaults.
func DefaultConfig() Config {
	return Config{
		Address:     "127.0.0.1:31719",
		DialTimeout: 5 * time.Second,
		MaxPayload:  16 << 20,
		HistogramBounds: []time.Duration{
			10 * time.Microsecond,
			50 * time.Microsecond,
			100 * time.Microsecond,
			500 * time.Microsecond,
			time.Millisecond,
			5 * time.Millisecond,
			10 * time.Millisecond,
			50 * time.Millisecond,
			100 * time.Millisecond,
			500 * time.Millisecond,
			time.Second,
		},
	}
}

// Dial connects to the server. Errors match ErrSetup.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %w", ErrSetup, cfg.Address, err)
	}
	return conn, nil
}

// State is the position of a Reader in its per-frame cycle.
type State int

const (
	Connecting State = iota
	HeaderRead
	BodyRead
	Validate
	Emit
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HeaderRead:
		return "header-read"
	case BodyRead:
		return "body-read"
	case Validate:
		return "validate"
	case Emit:
		return "emit"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stats counts what a Reader has seen.
type Stats struct {
	Frames        uint64 `json:"frames"`
	ReceivedBytes uint64 `json:"received_bytes"`
	Dropped       uint64 `json:"dropped"`
	LastIndex     uint64 `json:"last_index"`
	LastSendBytes uint64 `json:"last_send_bytes"`
}

// Reader reads frames from one server connection. Next and Run must be
// called from a single goroutine; Stats and Histograms may be called from
// any goroutine.
type Reader struct {
	id    string
	src   io.Reader
	conn  net.Conn
	stop  func() bool
	out   io.Writer
	cfg   Config
	log   *slog.Logger
	state State
	buf   []byte

	// mu guards stats and the histograms against concurrent readers.
	mu            sync.Mutex
	sendDelay     *hist.Histogram[time.Duration]
	generateDelay *hist.Histogram[time.Duration]
	stats         Stats

	now func() time.Time
}

// NewReader creates a Reader over src writing validated payloads to out.
func NewReader(src io.Reader, out io.Writer, cfg Config, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Reader{
		id:            id,
		src:           src,
		out:           out,
		cfg:           cfg,
		log:           log.With("sessionID", id),
		state:         HeaderRead,
		buf:           make([]byte, frame.HeaderSize+4096+1),
		sendDelay:     hist.New(SendDelay, cfg.HistogramBounds...),
		generateDelay: hist.New(GenerateDelay, cfg.HistogramBounds...),
		now:           time.Now,
	}
}

// Connect dials the server and returns a Reader over the new connection.
// The connection is closed when ctx is done or Close is called.
func Connect(ctx context.Context, cfg Config, out io.Writer, log *slog.Logger) (*Reader, error) {
	r := NewReader(nil, out, cfg, log)
	r.state = Connecting
	r.log.Debug("Connecting to server", "address", cfg.Address, "state", r.state)
	conn, err := Dial(ctx, cfg)
	if err != nil {
		r.state = Closed
		return nil, err
	}
	r.src = conn
	r.conn = conn
	r.state = HeaderRead
	r.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	r.log.Info("Connected to server", "address", cfg.Address, "local", conn.LocalAddr().String())
	return r, nil
}

// Close closes the connection opened by Connect.
func (r *Reader) Close() error {
	r.state = Closed
	if r.conn == nil {
		return nil
	}
	r.stop()
	return r.conn.Close()
}

// State returns the current state.
func (r *Reader) State() State { return r.state }

// Stats returns the current counters.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Histograms returns snapshots of the send and generate delay histograms.
func (r *Reader) Histograms() []hist.Snapshot[time.Duration] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []hist.Snapshot[time.Duration]{r.sendDelay.Snapshot(), r.generateDelay.Snapshot()}
}

// Run reads frames and writes every validated payload to the output until
// the connection ends. A clean close by the server between frames returns
// nil.
func (r *Reader) Run() error {
	for {
		payload, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Info("Server closed connection", "frames", r.stats.Frames, "bytes", r.stats.ReceivedBytes)
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			continue
		}
		if _, err := r.out.Write(payload); err != nil {
			r.state = Closed
			return fmt.Errorf("write payload: %w", err)
		}
	}
}

// Next returns the payload of the next frame that passes validation. Frames
// failing the consistency checks are logged and skipped. Any other error
// leaves the Reader in the Closed state. io.EOF is returned unwrapped when
// the stream ends exactly on a frame boundary.
//
// The returned slice is only valid until the next call.
func (r *Reader) Next() ([]byte, error) {
	for {
		payload, err := r.readFrame()
		if errors.Is(err, ErrConsistency) {
			r.mu.Lock()
			r.stats.Dropped++
			r.mu.Unlock()
			r.log.Warn("Dropped frame", "error", err)
			continue
		}
		if err != nil {
			r.state = Closed
			return nil, err
		}
		return payload, nil
	}
}

func (r *Reader) readFrame() ([]byte, error) {
	if r.state == Closed {
		return nil, fmt.Errorf("%w: reader is closed", ErrFraming)
	}

	r.state = HeaderRead
	n, err := io.ReadFull(r.src, r.buf[:frame.HeaderSize])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: read header (%d of %d bytes): %w", ErrFraming, n, frame.HeaderSize, err)
	}
	h, err := frame.ParseHeader(r.buf[:frame.HeaderSize])
	if err != nil {
		r.log.Error("Rejected frame header",
			"version", frame.FormatVersion(h.Version), "headerSize", h.HeaderSize,
			"index", h.Index, "length", h.Length, "error", err)
		return nil, err
	}

	r.state = BodyRead
	if h.Length > uint64(r.cfg.MaxPayload) {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrFraming, h.Length, r.cfg.MaxPayload)
	}
	length := int(h.Length)
	if need := frame.HeaderSize + length + 1; need > len(r.buf) {
		grown := make([]byte, need)
		copy(grown, r.buf[:frame.HeaderSize])
		r.buf = grown
		r.log.Debug("Grew receive buffer", "bytes", need)
	}
	body := r.buf[frame.HeaderSize : frame.HeaderSize+length]
	if n, err := io.ReadFull(r.src, body); err != nil {
		return nil, fmt.Errorf("%w: read body (%d of %d bytes): %w", ErrFraming, n, length, err)
	}
	r.buf[frame.HeaderSize+length] = 0
	received := r.now()

	r.state = Validate
	if err := r.validate(h, received); err != nil {
		return nil, err
	}

	r.state = Emit
	r.mu.Lock()
	r.stats.Frames++
	r.stats.ReceivedBytes += uint64(frame.HeaderSize + length)
	r.stats.LastIndex = h.Index
	r.stats.LastSendBytes = h.SendBytes
	r.sendDelay.Add(received.Sub(h.SendTime()))
	r.generateDelay.Add(received.Sub(h.GenerateTime()))
	r.mu.Unlock()
	r.log.Debug("Received frame", "index", h.Index, "length", length, "sendBytes", h.SendBytes, "receivedBytes", r.stats.ReceivedBytes)
	return body, nil
}

// validate checks ordering and causality. send_bytes is compared with the
// send_bytes of the last accepted frame, not with the local receive total:
// the server counts bytes per channel, so a client that joined late has
// received fewer bytes than the server reports.
func (r *Reader) validate(h frame.Header, received time.Time) error {
	if h.SendBytes <= r.stats.LastSendBytes {
		return fmt.Errorf("%w: send_bytes %d not above previous %d (index %d)",
			ErrConsistency, h.SendBytes, r.stats.LastSendBytes, h.Index)
	}

	recv := received.UnixNano()
	gen := int64(h.GenerateTimestamp)
	sent := int64(h.SendTimestamp)
	switch {
	case gen > recv:
		return fmt.Errorf("%w: generated %dns after receive (index %d)", ErrConsistency, gen-recv, h.Index)
	case sent < 0 || sent > recv:
		return fmt.Errorf("%w: sent %dns after receive (index %d)", ErrConsistency, sent-recv, h.Index)
	case gen > sent:
		return fmt.Errorf("%w: generated %dns after send (index %d)", ErrConsistency, gen-sent, h.Index)
	}
	return nil
}
