package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"channel/internal/producer"
	"channel/internal/server"

	"github.com/stretchr/testify/require"
)

// endless yields "x\n" lines forever.
type endless struct{}

func (endless) Read(p []byte) (int, error) {
	for i := range p {
		if i%2 == 0 {
			p[i] = 'x'
		} else {
			p[i] = '\n'
		}
	}
	return len(p) - len(p)%2, nil
}

func TestShutdown_StopsInputBeforeDrain(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	scfg := server.DefaultConfig()
	scfg.Listen = "127.0.0.1:0"
	scfg.AcceptPoll = 20 * time.Millisecond
	scfg.QueueCapacity = 16
	srv, err := server.Listen(scfg, log)
	require.NoError(t, err)
	srv.Start()

	inputCtx, stopInput := context.WithCancel(context.Background())
	defer stopInput()
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		_ = producer.Run(inputCtx, endless{}, srv, producer.Options{Drop: true, Log: log})
	}()
	require.Eventually(t, func() bool { return srv.Stats().Submitted > 100 }, 2*time.Second, 5*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Nobody is connected, so the drain times out.
	require.Error(t, shutdown(drainCtx, srv, stopInput, inputDone, log))

	select {
	case <-inputDone:
	default:
		t.Fatal("producer still running after shutdown")
	}

	// Without clients nothing was sent: every message was dropped and counted.
	st := srv.Stats()
	require.Zero(t, st.Queued)
	require.Zero(t, st.Batches)
	require.Equal(t, st.Submitted, st.Dropped)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, st.Submitted, srv.Stats().Submitted)
}
