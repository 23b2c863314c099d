package chatsession

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/murmur/pkg/backend"
	"github.com/go-go-golems/murmur/pkg/fallback"
	"github.com/go-go-golems/murmur/pkg/session"
)

// scriptedBackend answers each Chat call with the next canned body.
type scriptedBackend struct {
	mu       sync.Mutex
	bodies   []string
	requests []backend.ChatRequest
}

func (b *scriptedBackend) Chat(_ context.Context, req backend.ChatRequest) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if len(b.bodies) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	body := b.bodies[0]
	b.bodies = b.bodies[1:]
	return io.NopCloser(strings.NewReader(body)), nil
}

// pipeBackend streams whatever the test writes and aborts the body when the
// request context is cancelled, like an HTTP transport does.
type pipeBackend struct {
	pw    *io.PipeWriter
	reads atomic.Int32
	ready chan struct{}
}

type countingBody struct {
	r     *io.PipeReader
	reads *atomic.Int32
}

func (c *countingBody) Read(p []byte) (int, error) {
	c.reads.Add(1)
	return c.r.Read(p)
}

func (c *countingBody) Close() error {
	return c.r.Close()
}

func (b *pipeBackend) Chat(ctx context.Context, _ backend.ChatRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	b.pw = pw
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	close(b.ready)
	return &countingBody{r: pr, reads: &b.reads}, nil
}

type staticRoster struct {
	res fallback.Resolution
	err error
}

func (s staticRoster) ResolveModelList(context.Context) (fallback.Resolution, error) {
	return s.res, s.err
}

type fixedCounter int

func (f fixedCounter) Count(string) (int, error) { return int(f), nil }

func record(t *testing.T, content string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"message": map[string]string{"role": "assistant", "content": content}})
	require.NoError(t, err)
	return string(b) + "\n"
}

func newController(be ChatBackend, opts ...Option) *Controller {
	c := NewController(be, opts...)
	c.SelectModel("llama3")
	return c
}

func TestSubmit_CommitsStreamedContent(t *testing.T) {
	var updates []Update
	be := &scriptedBackend{bodies: []string{
		record(t, "Hel") + "not json\n" + record(t, "lo") + `{"done":true,"eval_count":7,"message":{"role":"assistant","content":""}}`,
	}}
	c := newController(be, WithObserver(func(u Update) { updates = append(updates, u) }))

	res, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)
	require.NoError(t, res.Err)
	require.Equal(t, "Hello", res.Content)
	require.Equal(t, 7, res.Tokens)
	require.Equal(t, 3, res.Records)
	require.Equal(t, 1, res.Dropped)
	require.Equal(t, StateIdle, c.State())
	require.False(t, c.IsStreaming())

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, session.RoleUser, msgs[0].Role)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, session.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hello", msgs[1].Content)
	require.Equal(t, res.MessageID, msgs[1].ID)

	// placeholder first, then full accumulator snapshots; the first fragment replaces the marker
	var contents []string
	for _, u := range updates {
		if u.State == StateStreaming {
			contents = append(contents, u.Content)
		}
	}
	require.Equal(t, []string{ThinkingMarker, "Hel", "Hello"}, contents)
	require.Equal(t, StateCommitted, updates[len(updates)-1].State)

	require.Len(t, be.requests, 1)
	require.Equal(t, "llama3", be.requests[0].Model)
	require.True(t, be.requests[0].Stream)
	require.Len(t, be.requests[0].Messages, 1)
}

func TestSubmit_CancelMidStream(t *testing.T) {
	be := &pipeBackend{ready: make(chan struct{})}
	streamed := make(chan string, 16)
	c := newController(be, WithObserver(func(u Update) {
		if u.State == StateStreaming {
			streamed <- u.Content
		}
	}))

	type outcome struct {
		res TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Submit(context.Background(), "hi")
		done <- outcome{res, err}
	}()

	<-be.ready
	_, err := be.pw.Write([]byte(record(t, "Hello ")))
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for got := ""; got != "Hello "; {
		select {
		case got = <-streamed:
		case <-deadline:
			t.Fatal("timeout waiting for first fragment")
		}
	}

	require.True(t, c.IsStreaming())
	_, err = c.Submit(context.Background(), "again")
	require.ErrorIs(t, err, ErrTurnInFlight)
	require.ErrorIs(t, c.Clear(), ErrTurnInFlight)
	_, err = c.RegenerateFrom("anything")
	require.ErrorIs(t, err, ErrTurnInFlight)

	// the streaming tail cannot be edited, earlier messages can
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	_, err = c.Edit(msgs[1].ID, "mine")
	require.ErrorIs(t, err, ErrMessageStreaming)
	edited, err := c.Edit(msgs[0].ID, "hi")
	require.NoError(t, err)
	require.True(t, edited)

	require.True(t, c.Cancel())

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for cancelled turn")
	}
	require.NoError(t, out.err)
	require.Equal(t, StateCancelled, out.res.State)
	require.NoError(t, out.res.Err)
	require.Equal(t, "Hello \n[generation terminated]", out.res.Content)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello \n[generation terminated]", msgs[1].Content)

	// the transfer is gone and nothing reads from it anymore
	reads := be.reads.Load()
	_, err = be.pw.Write([]byte(record(t, "late")))
	require.Error(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, reads, be.reads.Load())
	require.False(t, c.Cancel())
	require.Equal(t, StateIdle, c.State())
}

func TestSubmit_MissingModelFromBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"x\" not found"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewController(backend.NewClient(srv.URL))
	c.SelectModel("x")
	res, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.True(t, backend.IsMissingModel(res.Err))

	var mm *backend.MissingModelError
	require.ErrorAs(t, res.Err, &mm)
	require.Equal(t, "x", mm.Model)
	require.Contains(t, mm.Remediation(), "ollama pull x")

	// no placeholder is left behind
	require.Len(t, c.Messages(), 1)
	require.Equal(t, StateIdle, c.State())
}

func TestSubmit_GenericFailureIsNotMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"out of memory"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewController(backend.NewClient(srv.URL))
	c.SelectModel("llama3")
	res, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.False(t, backend.IsMissingModel(res.Err))
	var se *backend.StatusError
	require.ErrorAs(t, res.Err, &se)
	require.Equal(t, http.StatusInternalServerError, se.StatusCode)

	// resubmission is allowed after a failure
	_, err = c.Submit(context.Background(), "again")
	require.NoError(t, err)
}

func TestSubmit_ModelNotInRosterNeverContactsBackend(t *testing.T) {
	be := &scriptedBackend{}
	roster := staticRoster{res: fallback.Resolution{
		Models: []backend.ModelDescriptor{{Name: "phi3:latest"}},
		Source: fallback.SourceCache,
	}}
	c := newController(be, WithRoster(roster))

	res, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.True(t, backend.IsMissingModel(res.Err))
	require.Empty(t, be.requests)

	c.SelectModel("phi3")
	res, err = c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)
	require.Len(t, be.requests, 1)

	_, err = NewController(be, WithRoster(staticRoster{err: fallback.ErrNoModelsAvailable})).Submit(context.Background(), "hi")
	require.NoError(t, err)
}

func TestSubmit_InStreamErrors(t *testing.T) {
	be := &scriptedBackend{bodies: []string{
		`{"error":"model 'llama3' not found, try pulling it first"}` + "\n",
		record(t, "part") + `{"error":"connection reset"}` + "\n",
	}}
	c := newController(be)

	res, err := c.Submit(context.Background(), "one")
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.True(t, backend.IsMissingModel(res.Err))
	require.Len(t, c.Messages(), 1)

	res, err = c.Submit(context.Background(), "two")
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.False(t, backend.IsMissingModel(res.Err))
	msgs := c.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "part", msgs[2].Content)
}

func TestSubmit_RejectsEmptyInput(t *testing.T) {
	c := newController(&scriptedBackend{})
	_, err := c.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyInput)
	require.Empty(t, c.Messages())
}

func TestSubmit_TokenCounterFallback(t *testing.T) {
	be := &scriptedBackend{bodies: []string{record(t, "some words")}}
	c := newController(be, WithTokenCounter(fixedCounter(42)))
	res, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, 42, res.Tokens)
}

func TestRegenerateFromEdit(t *testing.T) {
	be := &scriptedBackend{bodies: []string{
		record(t, "a1"),
		record(t, "a2"),
		record(t, "a3"),
	}}
	c := newController(be)
	ctx := context.Background()

	_, err := c.Submit(ctx, "q1")
	require.NoError(t, err)
	_, err = c.Submit(ctx, "q2")
	require.NoError(t, err)
	msgs := c.Messages()
	require.Len(t, msgs, 4)

	_, err = c.RegenerateFromEdit(ctx, msgs[1].ID, "nope")
	require.ErrorIs(t, err, ErrNotUserMessage)
	_, err = c.RegenerateFromEdit(ctx, "missing", "nope")
	require.ErrorIs(t, err, ErrUnknownMessage)

	c.SetEditing(msgs[0].ID, true)
	res, err := c.RegenerateFromEdit(ctx, msgs[0].ID, "q1 edited")
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	got := c.Messages()
	require.Len(t, got, 2)
	require.Equal(t, msgs[0].ID, got[0].ID)
	require.Equal(t, "q1 edited", got[0].Content)
	require.False(t, got[0].IsEditing)
	require.Equal(t, "a3", got[1].Content)

	last := be.requests[len(be.requests)-1]
	require.Len(t, last.Messages, 1)
	require.Equal(t, "q1 edited", last.Messages[0].Content)
}

func TestRegenerate(t *testing.T) {
	be := &scriptedBackend{bodies: []string{record(t, "first"), record(t, "second")}}
	c := newController(be)
	ctx := context.Background()

	_, err := NewController(be).Regenerate(ctx)
	require.ErrorIs(t, err, ErrEmptyInput)

	_, err = c.Submit(ctx, "q")
	require.NoError(t, err)
	res, err := c.Regenerate(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", res.Content)
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "second", msgs[1].Content)
}

func TestController_ClearAndStateHelpers(t *testing.T) {
	c := newController(&scriptedBackend{bodies: []string{record(t, "x")}})
	_, err := c.Submit(context.Background(), "q")
	require.NoError(t, err)
	require.NoError(t, c.Clear())
	require.Empty(t, c.Messages())
	require.False(t, c.Cancel())
	require.Equal(t, "llama3", c.SelectedModel())
	require.Equal(t, "cancelled", StateCancelled.String())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateStreaming.Terminal())
}
