package producer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	payloads []string
	drops    []bool
}

func (r *recorder) Submit(payload []byte, drop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
	r.drops = append(r.drops, drop)
}

func TestRun_SubmitsLines(t *testing.T) {
	rec := &recorder{}
	input := "hello\n\nworld\nno newline"
	err := Run(context.Background(), strings.NewReader(input), rec, Options{Drop: true})
	require.NoError(t, err)
	require.Equal(t, []string{"hello\n", "world\n", "no newline\n"}, rec.payloads)
	require.Equal(t, []bool{true, true, true}, rec.drops)
}

func TestRun_LongLine(t *testing.T) {
	rec := &recorder{}
	long := strings.Repeat("a", 1<<20)
	require.NoError(t, Run(context.Background(), strings.NewReader(long+"\n"), rec, Options{}))
	require.Len(t, rec.payloads, 1)
	require.Len(t, rec.payloads[0], 1<<20+1)
	require.Equal(t, []bool{false}, rec.drops)
}

func TestRun_Echo(t *testing.T) {
	rec := &recorder{}
	var echo bytes.Buffer
	require.NoError(t, Run(context.Background(), strings.NewReader("a\nb\n"), rec, Options{Echo: &echo}))
	require.Equal(t, "a\nb\n", echo.String())
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	err := Run(ctx, strings.NewReader("a\n"), rec, Options{})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, rec.payloads)
}

func TestRun_ReadError(t *testing.T) {
	rec := &recorder{}
	r := io.MultiReader(strings.NewReader("partial\nmore"), errReader{})
	err := Run(context.Background(), r, rec, Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "read input")
	require.Equal(t, []string{"partial\n", "more\n"}, rec.payloads)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("device gone") }
