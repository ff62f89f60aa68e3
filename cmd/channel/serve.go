package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channel/internal/monitor"
	"channel/internal/producer"
	"channel/internal/server"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	listenAddr    string
	noDrop        bool
	queueCapacity int
	maxFrameSize  int
	echo          bool
	inputPath     string
	monitorAddr   string
	drainTimeout  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Read lines and broadcast them to all listeners",
	Long: `Start the broadcast server. Every non-empty input line is sent to all
connected listeners. On end of input or SIGINT/SIGTERM the queue is drained
for up to --drain-timeout; a second signal stops at once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyServeFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return serve(cmd.Context())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&listenAddr, "listen", "", "TCP address to listen on (default from config, :31719)")
	f.BoolVarP(&noDrop, "no-drop", "d", false, "Never drop queued messages when the queue is full")
	f.IntVar(&queueCapacity, "queue-capacity", 0, "Queue length above which the oldest messages are dropped")
	f.IntVar(&maxFrameSize, "max-frame-size", 0, "Upper bound in bytes for coalescing queued messages into one frame")
	f.BoolVar(&echo, "echo", false, "Copy every submitted line to stdout")
	f.StringVarP(&inputPath, "input", "i", "-", "Read lines from this file; - is stdin")
	f.StringVar(&monitorAddr, "monitor", "", "Serve /stats and /ws on this HTTP address")
	f.DurationVar(&drainTimeout, "drain-timeout", 0, "How long to wait for queued messages on shutdown")
}

func applyServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = listenAddr
	}
	if flags.Changed("no-drop") {
		cfg.Server.Drop = !noDrop
	}
	if flags.Changed("queue-capacity") {
		cfg.Server.QueueCapacity = queueCapacity
	}
	if flags.Changed("max-frame-size") {
		cfg.Server.MaxFrameSize = maxFrameSize
	}
	if flags.Changed("drain-timeout") {
		cfg.Server.DrainTimeout = drainTimeout
	}
	if flags.Changed("monitor") {
		cfg.Monitor.Addr = monitorAddr
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	srv, err := server.Listen(cfg.Server, logger)
	if err != nil {
		return err
	}
	srv.Start()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if cfg.Monitor.Addr != "" {
		mon, err := monitor.New(cfg.Monitor, srv, logger)
		if err != nil {
			logger.Warn("Monitor disabled", "error", err)
		} else {
			go func() {
				if err := mon.ListenAndServe(ctx); err != nil {
					logger.Error("Monitor failed", "error", err)
				}
			}()
		}
	}
	go watchLogLevel(ctx)

	opts := producer.Options{Drop: cfg.Server.Drop, Log: logger}
	if echo {
		opts.Echo = os.Stdout
	}
	inputCtx, stopInput := context.WithCancel(ctx)
	defer stopInput()
	inputDone := make(chan struct{})
	var inputErr error
	go func() {
		defer close(inputDone)
		inputErr = producer.Run(inputCtx, in, srv, opts)
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("Failed to notify systemd", "error", err)
	} else if ok {
		logger.Debug("Notified systemd")
	}
	logger.Info("Serving", "addr", srv.Addr().String(), "drop", cfg.Server.Drop, "input", inputPath)
	if (inputPath == "" || inputPath == "-") && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "Reading lines from the terminal, end with Ctrl-D.")
	}

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case <-inputDone:
		if inputErr != nil {
			runErr = inputErr
			logger.Error("Input failed", "error", inputErr)
		} else {
			logger.Info("End of input, shutting down")
		}
	case <-parent.Done():
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer drainCancel()
	go func() {
		select {
		case sig := <-sigs:
			logger.Warn("Received second signal, aborting drain", "signal", sig.String())
			drainCancel()
		case <-drainCtx.Done():
		}
	}()

	err = shutdown(drainCtx, srv, stopInput, inputDone, logger)
	cancel()

	st := srv.Stats()
	logger.Info("Server stopped",
		"submitted", st.Submitted, "dropped", st.Dropped, "batches", st.Batches,
		"sentBytes", st.SentBytes, "accepted", st.Accepted, "evicted", st.Evicted)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Queue not drained", "error", err)
	}
	return runErr
}

// inputGrace bounds how long shutdown waits for the producer to notice it
// was stopped. A read blocked on a terminal or pipe cannot be interrupted;
// lines it returns later are rejected and logged by the server.
var inputGrace = 200 * time.Millisecond

// shutdown stops the input before draining so the drain does not chase a
// queue that is still being filled.
func shutdown(drainCtx context.Context, srv *server.Server, stopInput context.CancelFunc, inputDone <-chan struct{}, log *slog.Logger) error {
	stopInput()
	select {
	case <-inputDone:
	case <-time.After(inputGrace):
		log.Debug("Input still blocked in read, later lines will be dropped")
	}
	return srv.Shutdown(drainCtx, true)
}
