package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/miszen/internal/event"
)

type sliceSink struct {
	mu     sync.Mutex
	events []event.Event
	limit  int
}

func (s *sliceSink) Enqueue(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.events) >= s.limit {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *sliceSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func (s *sliceSink) find(kind event.Kind, path string) (event.Event, bool) {
	for _, ev := range s.all() {
		if p, _ := ev.Payload.String(event.FieldFilePath); ev.Kind == kind && p == path {
			return ev, true
		}
	}
	return event.Event{}, false
}

func TestLines(t *testing.T) {
	input := strings.Join([]string{
		`{"kind": "file_created", "payload": {"extension": ".py"}}`,
		``,
		`not json`,
		`{"event_type": "error_detected", "data": {"severity": "critical"}, "metadata": {"correlation_id": "c9", "source": "mis"}}`,
		`{"payload": {}}`,
	}, "\n")

	sink := &sliceSink{}
	err := NewLines(strings.NewReader(input), "stdin", nil).Run(context.Background(), sink)
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, event.KindFileCreated, events[0].Kind)
	assert.Equal(t, "stdin", events[0].Metadata.Source)
	assert.Equal(t, event.KindErrorDetected, events[1].Kind)
	assert.Equal(t, "c9", events[1].CorrelationID)
	assert.Equal(t, "mis", events[1].Metadata.Source)
}

func TestLines_SinkClosed(t *testing.T) {
	input := strings.Repeat(`{"kind": "test_failed"}`+"\n", 10)

	sink := &sliceSink{limit: 3}
	err := NewLines(strings.NewReader(input), "file", nil).Run(context.Background(), sink)
	require.NoError(t, err)
	assert.Len(t, sink.all(), 3)
}

func TestLines_ContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sink := &sliceSink{}
	go func() { done <- NewLines(r, "pipe", nil).Run(ctx, sink) }()

	_, err := w.Write([]byte(`{"kind": "test_failed"}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCountLines(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"one", 1},
		{"one\n", 1},
		{"one\ntwo", 2},
		{"a\nb\nc\n", 3},
	}
	for i, tt := range tests {
		path := filepath.Join(dir, string(rune('a'+i)))
		require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
		n, ok := countLines(path)
		require.True(t, ok)
		assert.Equal(t, tt.want, n, "content %q", tt.content)
	}

	_, ok := countLines(dir)
	assert.False(t, ok)
}

func TestHidden(t *testing.T) {
	root := filepath.FromSlash("/repo")
	assert.True(t, hidden(root, filepath.FromSlash("/repo/.git/HEAD")))
	assert.True(t, hidden(root, filepath.FromSlash("/repo/src/.swp")))
	assert.False(t, hidden(root, filepath.FromSlash("/repo/src/app.py")))
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.go")
	require.NoError(t, os.WriteFile(existing, []byte("a\nb\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))

	w := NewWatcher(root, nil)
	w.debounce = 50 * time.Millisecond
	ready := make(chan struct{})
	w.ready = func() { close(ready) }

	sink := &sliceSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sink) }()

	<-ready
	created := filepath.Join(root, "new.py")
	require.NoError(t, os.WriteFile(created, []byte("x\n"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := sink.find(event.KindFileCreated, created)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	ev, _ := sink.find(event.KindFileCreated, created)
	assert.Equal(t, ".py", ev.Payload["extension"])

	require.NoError(t, os.WriteFile(existing, []byte("a\nb\nc\nd\ne\n"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := sink.find(event.KindCodeChanged, existing)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	changed, _ := sink.find(event.KindCodeChanged, existing)
	assert.Equal(t, 3, changed.Payload[event.FieldLinesChanged])

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0o644))

	require.NoError(t, os.Remove(created))
	require.Eventually(t, func() bool {
		_, ok := sink.find(event.KindFileDeleted, created)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, ev := range sink.all() {
		p, _ := ev.Payload.String(event.FieldFilePath)
		assert.NotContains(t, p, ".git")
	}
}
