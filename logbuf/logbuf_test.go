package logbuf

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(level Level, msg string) Entry {
	return Entry{Time: time.Now(), Level: level, Message: msg}
}

func messages(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func TestPushEvictsOldestFirst(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Push(entry(LevelInfo, fmt.Sprintf("line %d", i)))
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, messages(b.Entries(LevelDebug, 0)))
}

func TestEntriesLevelFilter(t *testing.T) {
	b := New(10)
	b.Push(entry(LevelDebug, "d"))
	b.Push(entry(LevelInfo, "i"))
	b.Push(entry(LevelWarn, "w"))
	b.Push(entry(LevelError, "e"))

	cases := []struct {
		min Level
		exp []string
	}{
		{LevelDebug, []string{"d", "i", "w", "e"}},
		{LevelInfo, []string{"i", "w", "e"}},
		{LevelWarn, []string{"w", "e"}},
		{LevelError, []string{"e"}},
	}
	for _, c := range cases {
		t.Run(c.min.String(), func(t *testing.T) {
			assert.Equal(t, c.exp, messages(b.Entries(c.min, 0)))
		})
	}
}

func TestEntriesLimitPrefersMostRecent(t *testing.T) {
	b := New(10)
	b.Push(entry(LevelWarn, "old warn"))
	b.Push(entry(LevelInfo, "info"))
	b.Push(entry(LevelWarn, "mid warn"))
	b.Push(entry(LevelError, "new error"))

	got := b.Entries(LevelWarn, 2)
	assert.Equal(t, []string{"mid warn", "new error"}, messages(got))
}

func TestClear(t *testing.T) {
	b := New(10)
	b.Push(entry(LevelInfo, "x"))
	b.Clear()
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Entries(LevelDebug, 0))
}

func TestDetectLevel(t *testing.T) {
	cases := []struct {
		line string
		exp  Level
	}{
		{"Error: connection refused", LevelError},
		{"build FAILED after 2s", LevelError},
		{"WARN chunk size exceeds limit", LevelWarn},
		{"debug: resolving modules", LevelDebug},
		{"VITE ready in 253 ms", LevelInfo},
		{"", LevelInfo},
	}
	for _, c := range cases {
		assert.Equal(t, c.exp, DetectLevel(c.line), "line %q", c.line)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel("WARN")
	require.True(t, ok)
	assert.Equal(t, LevelWarn, lvl)

	lvl, ok = ParseLevel("warning")
	require.True(t, ok)
	assert.Equal(t, LevelWarn, lvl)

	_, ok = ParseLevel("loud")
	assert.False(t, ok)
}

func TestSubscribeReceivesPushedEntries(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Push(entry(LevelInfo, "hello"))

	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed entry")
	}
}

func TestSlowSubscriberDoesNotBlockPush(t *testing.T) {
	b := New(100)
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Push(entry(LevelInfo, "spam"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked on a slow subscriber")
	}
	assert.Equal(t, 50, b.Len())
}

func TestCanceledSubscriberStopsReceiving(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(4)
	cancel()
	b.Push(entry(LevelInfo, "after cancel"))

	_, open := <-ch
	assert.False(t, open)
}
