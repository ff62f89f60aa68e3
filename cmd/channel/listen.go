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

	"channel/internal/client"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	address       string
	maxPayload    int
	showHistogram bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to a server and print the broadcast payloads",
	Long: `Connect to a channel server and write every payload to stdout.

SIGUSR1 prints the send and generate delay histograms to stderr. They are
printed on exit as well when --histogram is set or the log level is debug.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("address") {
			cfg.Client.Address = address
		}
		if flags.Changed("max-payload") {
			cfg.Client.MaxPayload = maxPayload
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return listen(cmd.Context(), os.Stdout, os.Stderr)
	},
}

func init() {
	listenCmd.Flags().StringVarP(&address, "address", "a", "", "Server address (default from config, 127.0.0.1:31719)")
	listenCmd.Flags().IntVar(&maxPayload, "max-payload", 0, "Largest payload in bytes accepted from the server")
	listenCmd.Flags().BoolVar(&showHistogram, "histogram", false, "Print delay histograms on exit")
}

func listen(parent context.Context, stdout *os.File, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := client.NewDisplay(stdout, term.IsTerminal(int(stdout.Fd())))
	r, err := client.Connect(ctx, cfg.Client, out, logger)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	go watchLogLevel(ctx)

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for {
			select {
			case <-usr1:
				printHistograms(stderr, r)
			case <-ctx.Done():
				return
			}
		}
	}()

	err = r.Run()
	if ctx.Err() != nil && errors.Is(err, client.ErrFraming) {
		logger.Info("Interrupted")
		err = nil
	}

	if showHistogram || levelVar.Level() <= slog.LevelDebug {
		printHistograms(stderr, r)
	}
	st := r.Stats()
	logger.Debug("Listener stopped", "frames", st.Frames, "bytes", st.ReceivedBytes, "dropped", st.Dropped)
	return err
}

func printHistograms(w io.Writer, r *client.Reader) {
	for _, h := range r.Histograms() {
		fmt.Fprint(w, h.String())
	}
}
