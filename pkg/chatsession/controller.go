package chatsession

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/murmur/pkg/backend"
	"github.com/go-go-golems/murmur/pkg/fallback"
	"github.com/go-go-golems/murmur/pkg/session"
	"github.com/go-go-golems/murmur/pkg/streamdecode"
)

var (
	ErrEmptyInput       = errors.New("empty input")
	ErrTurnInFlight     = errors.New("a turn is already in flight")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrNotUserMessage   = errors.New("only user messages can be regenerated from")
	ErrMessageStreaming = errors.New("message is still streaming")
)

// ChatBackend opens a streaming chat response.
type ChatBackend interface {
	Chat(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
}

// RosterResolver returns the roster the selected model is validated against.
type RosterResolver interface {
	ResolveModelList(ctx context.Context) (fallback.Resolution, error)
}

type TokenCounter interface {
	Count(text string) (int, error)
}

// Controller runs chat turns over a session store. It owns the store: every
// read and write goes through the controller's mutex, and at most one turn
// is in flight at a time.
type Controller struct {
	chat     ChatBackend
	roster   RosterResolver
	counter  TokenCounter
	onUpdate UpdateFunc

	mu        sync.Mutex
	store     *session.Store
	state     State
	turnID    string
	cancel    context.CancelFunc
	cancelled bool
	// assistant message receiving the current stream
	streamingID string
}

type Option func(*Controller)

func WithRoster(r RosterResolver) Option {
	return func(c *Controller) { c.roster = r }
}

func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Controller) { c.counter = tc }
}

// WithObserver registers fn to receive updates. fn is called without the
// controller lock held, from the goroutine running the turn.
func WithObserver(fn UpdateFunc) Option {
	return func(c *Controller) { c.onUpdate = fn }
}

// WithStore makes the controller own an existing store, e.g. a restored transcript.
func WithStore(s *session.Store) Option {
	return func(c *Controller) {
		if s != nil {
			c.store = s
		}
	}
}

func NewController(chat ChatBackend, opts ...Option) *Controller {
	c := &Controller{chat: chat, store: session.NewStore()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit appends a user message and runs one turn to its terminal state.
// The returned error is only set when the turn could not start; how a started
// turn ended is reported in TurnResult.
func (c *Controller) Submit(ctx context.Context, input string, images ...string) (TurnResult, error) {
	if strings.TrimSpace(input) == "" && len(images) == 0 {
		return TurnResult{}, ErrEmptyInput
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnInFlight
	}
	c.store.Append(session.Message{Role: session.RoleUser, Content: input, Images: images})
	turnCtx := c.beginLocked(ctx)
	c.mu.Unlock()

	return c.run(turnCtx), nil
}

// RegenerateFromEdit replaces the content of user message id, drops everything
// after it and runs a fresh turn over the truncated log.
func (c *Controller) RegenerateFromEdit(ctx context.Context, id string, content string) (TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return TurnResult{}, ErrEmptyInput
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnInFlight
	}
	msg, ok := c.store.Get(id)
	if !ok {
		c.mu.Unlock()
		return TurnResult{}, errors.Wrap(ErrUnknownMessage, id)
	}
	if msg.Role != session.RoleUser {
		c.mu.Unlock()
		return TurnResult{}, ErrNotUserMessage
	}
	c.store.Edit(id, content)
	c.store.RegenerateFrom(id)
	turnCtx := c.beginLocked(ctx)
	c.mu.Unlock()

	return c.run(turnCtx), nil
}

// Regenerate drops the reply to the last user message and asks again.
func (c *Controller) Regenerate(ctx context.Context) (TurnResult, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnInFlight
	}
	var lastUser string
	for _, m := range c.store.Messages() {
		if m.Role == session.RoleUser {
			lastUser = m.ID
		}
	}
	if lastUser == "" {
		c.mu.Unlock()
		return TurnResult{}, ErrEmptyInput
	}
	c.store.RegenerateFrom(lastUser)
	turnCtx := c.beginLocked(ctx)
	c.mu.Unlock()

	return c.run(turnCtx), nil
}

func (c *Controller) beginLocked(ctx context.Context) context.Context {
	turnCtx, cancel := context.WithCancel(ctx)
	c.state = StateSubmitting
	c.turnID = uuid.NewString()
	c.cancel = cancel
	c.cancelled = false
	return turnCtx
}

// Cancel aborts the turn in flight. It reports whether there was one.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil || c.state == StateIdle {
		return false
	}
	c.cancelled = true
	c.cancel()
	return true
}

// IsStreaming reports whether a turn is in flight; input should be disabled while true.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateSubmitting || c.state == StateStreaming
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Messages()
}

// Edit replaces the content of message id. Other messages may be edited while a
// turn is in flight, but the assistant message being streamed is rejected with
// ErrMessageStreaming since the stream would overwrite the edit.
func (c *Controller) Edit(id string, content string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamingID != "" && id == c.streamingID {
		return false, ErrMessageStreaming
	}
	return c.store.Edit(id, content), nil
}

func (c *Controller) SetEditing(id string, flag bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.SetEditing(id, flag)
}

// RegenerateFrom truncates the log after id. It is rejected while a turn is in flight.
func (c *Controller) RegenerateFrom(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false, ErrTurnInFlight
	}
	return c.store.RegenerateFrom(id), nil
}

// Clear empties the log. It is rejected while a turn is in flight.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrTurnInFlight
	}
	c.store.Clear()
	return nil
}

func (c *Controller) SelectModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.SetSelectedModel(model)
}

func (c *Controller) SelectedModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.SelectedModel()
}

func (c *Controller) SetParams(p session.GenerationParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.SetParams(p)
}

// Snapshot calls fn with the store under the controller lock. fn must not
// mutate the store or call back into the controller.
func (c *Controller) Snapshot(fn func(s *session.Store)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.store)
}

var _ fallback.SelectionSource = (*Controller)(nil)

type turn struct {
	id      string
	model   string
	started time.Time

	prevID    string
	messageID string
	acc       strings.Builder
	records   int
	dropped   int
	evalCount int
}

func (c *Controller) run(ctx context.Context) TurnResult {
	c.mu.Lock()
	t := &turn{id: c.turnID, model: c.store.SelectedModel(), started: time.Now()}
	req := backend.ChatRequestFromMessages(t.model, c.store.Messages(), c.store.Params())
	if tail, ok := c.store.Tail(); ok {
		t.prevID = tail.ID
	}
	cancel := c.cancel
	c.mu.Unlock()
	defer cancel()

	logger := log.With().Str("component", "chatsession").Str("turn_id", t.id).Str("model", t.model).Logger()
	logger.Debug().Msg("turn submitting")
	c.notify(Update{TurnID: t.id, State: StateSubmitting})

	if err := c.validateModel(ctx, t.model); err != nil {
		if c.wasCancelled(ctx) {
			return c.finish(t, StateCancelled, nil)
		}
		return c.finish(t, StateFailed, err)
	}

	body, err := c.chat.Chat(ctx, req)
	if err != nil {
		if c.wasCancelled(ctx) {
			return c.finish(t, StateCancelled, nil)
		}
		return c.finish(t, StateFailed, err)
	}
	defer func() { _ = body.Close() }()

	c.mu.Lock()
	placeholder := c.store.Append(session.Message{Role: session.RoleAssistant, Content: ThinkingMarker})
	t.messageID = placeholder.ID
	c.streamingID = placeholder.ID
	c.state = StateStreaming
	c.mu.Unlock()
	logger.Debug().Msg("turn streaming")
	c.notify(Update{TurnID: t.id, State: StateStreaming, MessageID: t.messageID, Content: ThinkingMarker})

	sink := func(segment []byte, err error) {
		t.dropped++
		logger.Warn().Err(err).Int("bytes", len(segment)).Msg("dropping malformed stream record")
	}
	for rec, err := range streamdecode.Records[backend.ChatRecord](body, streamdecode.WithErrorSink(sink)) {
		if err != nil {
			if c.wasCancelled(ctx) {
				return c.finish(t, StateCancelled, nil)
			}
			return c.finish(t, StateFailed, errors.Wrap(err, "read chat stream"))
		}
		t.records++
		if rec.Error != "" {
			return c.finish(t, StateFailed, backend.RecordError(t.model, rec))
		}
		if frag := rec.Content(); frag != "" {
			t.acc.WriteString(frag)
			c.replaceTail(t, StateStreaming)
		}
		if rec.EvalCount > 0 {
			t.evalCount = rec.EvalCount
		}
		if c.wasCancelled(ctx) {
			return c.finish(t, StateCancelled, nil)
		}
	}
	return c.finish(t, StateCommitted, nil)
}

func (c *Controller) validateModel(ctx context.Context, model string) error {
	if model == "" {
		return &backend.MissingModelError{Detail: "no model selected"}
	}
	if c.roster == nil {
		return nil
	}
	res, err := c.roster.ResolveModelList(ctx)
	if err != nil {
		return &backend.MissingModelError{Model: model, Detail: err.Error()}
	}
	if !res.Contains(model) {
		return &backend.MissingModelError{Model: model, Detail: "not in the " + res.Source.String() + " roster"}
	}
	return nil
}

func (c *Controller) wasCancelled(ctx context.Context) bool {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	return cancelled || ctx.Err() != nil
}

func (c *Controller) replaceTail(t *turn, state State) {
	content := t.acc.String()
	c.mu.Lock()
	c.store.ReplaceTail(content)
	c.mu.Unlock()
	c.notify(Update{TurnID: t.id, State: state, MessageID: t.messageID, Content: content})
}

func (c *Controller) finish(t *turn, state State, err error) TurnResult {
	if t.messageID != "" {
		switch state {
		case StateCancelled:
			t.acc.WriteString(CancelSentinel)
			c.commitTail(t)
		case StateCommitted:
			c.commitTail(t)
		case StateFailed:
			if t.acc.Len() == 0 {
				c.dropPlaceholder(t)
			}
		}
	}

	res := TurnResult{
		TurnID:    t.id,
		State:     state,
		Err:       err,
		MessageID: t.messageID,
		Content:   t.acc.String(),
		Tokens:    c.tokens(t),
		Records:   t.records,
		Dropped:   t.dropped,
		Duration:  time.Since(t.started),
	}

	c.mu.Lock()
	c.state = StateIdle
	c.cancel = nil
	c.cancelled = false
	c.streamingID = ""
	c.mu.Unlock()

	ev := log.Debug()
	if state == StateFailed {
		ev = log.Warn().Err(err).Bool("missing_model", backend.IsMissingModel(err))
	}
	ev.Str("component", "chatsession").Str("turn_id", t.id).Str("state", state.String()).
		Int("records", t.records).Int("dropped", t.dropped).Dur("duration", res.Duration).Msg("turn finished")
	c.notify(Update{TurnID: t.id, State: state, MessageID: t.messageID, Content: res.Content})
	return res
}

func (c *Controller) commitTail(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.ReplaceTail(t.acc.String())
}

// dropPlaceholder removes an assistant placeholder that never received content.
func (c *Controller) dropPlaceholder(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tail, ok := c.store.Tail()
	if !ok || tail.ID != t.messageID {
		return
	}
	if t.prevID == "" || !c.store.RegenerateFrom(t.prevID) {
		c.store.Clear()
	}
	t.messageID = ""
}

func (c *Controller) tokens(t *turn) int {
	if t.evalCount > 0 {
		return t.evalCount
	}
	if c.counter == nil || t.acc.Len() == 0 {
		return 0
	}
	n, err := c.counter.Count(t.acc.String())
	if err != nil {
		log.Debug().Err(err).Str("component", "chatsession").Msg("token count failed")
		return 0
	}
	return n
}

func (c *Controller) notify(u Update) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}
