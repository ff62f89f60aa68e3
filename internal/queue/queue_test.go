package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"channel/pkg/frame"

	"github.com/stretchr/testify/require"
)

func entry(s string) []byte {
	return frame.Serialize([]byte(s), time.Unix(0, 1))
}

func payloads(entries [][]byte) []string {
	var out []string
	for _, e := range entries {
		out = append(out, string(frame.Payload(e)))
	}
	return out
}

func TestEnqueue_DropOldest(t *testing.T) {
	const capacity = 5
	q := New(capacity, nil)

	var dropped [][]byte
	for i := 0; i < capacity+3; i++ {
		dropped = append(dropped, q.Enqueue(entry(fmt.Sprintf("m%d", i)), true)...)
		require.LessOrEqual(t, q.Len(), capacity)
	}

	require.Equal(t, []string{"m0", "m1", "m2"}, payloads(dropped))

	var survivors []string
	for {
		b, ok := q.DrainUpTo(frame.HeaderSize + 2)
		if !ok {
			break
		}
		survivors = append(survivors, string(frame.Payload(b.Data)))
	}
	require.Equal(t, []string{"m3", "m4", "m5", "m6", "m7"}, survivors)
}

func TestEnqueue_NoDropGrowsUnbounded(t *testing.T) {
	q := New(2, nil)
	for i := 0; i < 10; i++ {
		require.Empty(t, q.Enqueue(entry("x"), false))
	}
	require.Equal(t, 10, q.Len())
}

func TestDrainUpTo_Coalesces(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(entry("m1-"), true)
	q.Enqueue(entry("m2--"), true)
	q.Enqueue(entry("m3---"), true)

	b, ok := q.DrainUpTo(4096)
	require.True(t, ok)
	require.Equal(t, 3, b.Messages)
	require.Len(t, b.Data, frame.HeaderSize+12)

	h, err := frame.ParseHeader(b.Data)
	require.NoError(t, err)
	require.Equal(t, uint64(3+4+5), h.Length)
	require.Equal(t, "m1-m2--m3---", string(frame.Payload(b.Data)))
	require.True(t, q.IsEmpty())
}

func TestDrainUpTo_StopsBeforeLimit(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(entry("aaaa"), true)
	q.Enqueue(entry("bbbb"), true)
	q.Enqueue(entry("cccc"), true)

	// Room for the first frame and one more payload, not two.
	b, ok := q.DrainUpTo(frame.HeaderSize + 8)
	require.True(t, ok)
	require.Equal(t, 2, b.Messages)
	require.Equal(t, "aaaabbbb", string(frame.Payload(b.Data)))
	require.Equal(t, 1, q.Len())

	b, ok = q.DrainUpTo(frame.HeaderSize + 8)
	require.True(t, ok)
	require.Equal(t, "cccc", string(frame.Payload(b.Data)))
	require.Equal(t, uint64(4), frame.PayloadLength(b.Data))
}

func TestDrainUpTo_OversizedEntryAlone(t *testing.T) {
	q := New(10, nil)
	big := make([]byte, 100)
	q.Enqueue(frame.Serialize(big, time.Now()), true)
	q.Enqueue(entry("small"), true)

	b, ok := q.DrainUpTo(16)
	require.True(t, ok)
	require.Equal(t, 1, b.Messages)
	require.Len(t, b.Data, frame.HeaderSize+100)
	require.Equal(t, 1, q.Len())
}

func TestDrainUpTo_Empty(t *testing.T) {
	q := New(10, nil)
	_, ok := q.DrainUpTo(4096)
	require.False(t, ok)
}

func TestDrainUpTo_KeepsFirstGenerateTimestamp(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(frame.Serialize([]byte("a"), time.Unix(0, 100)), true)
	q.Enqueue(frame.Serialize([]byte("b"), time.Unix(0, 200)), true)

	b, _ := q.DrainUpTo(4096)
	h, err := frame.ParseHeader(b.Data)
	require.NoError(t, err)
	require.Equal(t, uint64(100), h.GenerateTimestamp)
}

func TestWaitNotEmpty_WakesOnEnqueue(t *testing.T) {
	q := New(10, nil)
	done := make(chan bool)
	go func() { done <- q.WaitNotEmpty() }()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(entry("x"), true)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitNotEmpty did not wake up")
	}
}

func TestWaitNotEmpty_WakesOnStop(t *testing.T) {
	q := New(10, nil)
	done := make(chan bool)
	go func() { done <- q.WaitNotEmpty() }()

	time.Sleep(20 * time.Millisecond)
	q.Stop()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitNotEmpty did not observe Stop")
	}
}

func TestStop_ReturnsQueued(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(entry("a"), true)
	q.Enqueue(entry("b"), true)

	left := q.Stop()
	require.Len(t, left, 2)
	require.Equal(t, "a", string(frame.Payload(left[0])))
	require.Equal(t, "b", string(frame.Payload(left[1])))
	require.True(t, q.IsEmpty())
	require.Empty(t, q.Stop())
}

func TestEnqueue_AfterStopRejects(t *testing.T) {
	var buf bytes.Buffer
	q := New(10, slog.New(slog.NewTextHandler(&buf, nil)))
	q.Stop()

	late := entry("late")
	dropped := q.Enqueue(late, false)
	require.Equal(t, [][]byte{late}, dropped)
	require.True(t, q.IsEmpty())
	require.Contains(t, buf.String(), "Queue stopped, rejected message")
	require.Contains(t, buf.String(), "payload=late")
}

func TestWaitEmpty_WakesOnDrain(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(entry("x"), true)

	done := make(chan error)
	go func() { done <- q.WaitEmpty(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	_, ok := q.DrainUpTo(4096)
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitEmpty did not wake up")
	}
}

func TestWaitEmpty_ContextCanceled(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(entry("x"), true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := q.WaitEmpty(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, q.Len())
}

func TestWaitEmpty_AlreadyEmpty(t *testing.T) {
	q := New(10, nil)
	require.NoError(t, q.WaitEmpty(context.Background()))
}
