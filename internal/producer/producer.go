// Package producer feeds lines from an input stream into the broadcast
// server.
package producer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Submitter accepts payloads for broadcast.
type Submitter interface {
	Submit(payload []byte, drop bool)
}

// Options controls Run.
type Options struct {
	// Drop is passed to every Submit call.
	Drop bool
	// Echo, when set, receives a copy of every submitted line.
	Echo io.Writer
	Log  *slog.Logger
}

// Run reads newline-separated lines from r and submits each non-empty line,
// terminated by '\n', to sink. Lines have no length limit. A last line
// without a trailing newline is submitted too. Run returns nil at EOF and
// ctx.Err() when ctx is done; cancellation is observed between lines.
func Run(ctx context.Context, r io.Reader, sink Submitter, opts Options) error {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			submit(line, sink, opts, log)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("Input closed")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
	}
}

func submit(line []byte, sink Submitter, opts Options, log *slog.Logger) {
	if line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if len(line) == 1 {
		return
	}
	log.Debug("Submitting message", "bytes", len(line))
	if opts.Echo != nil {
		if _, err := opts.Echo.Write(line); err != nil {
			log.Warn("Failed to echo message", "error", err)
		}
	}
	sink.Submit(line, opts.Drop)
}
