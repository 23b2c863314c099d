package cmds

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/murmur/pkg/backend"
	"github.com/go-go-golems/murmur/pkg/chatsession"
	"github.com/go-go-golems/murmur/pkg/fallback"
	"github.com/go-go-golems/murmur/pkg/persistence/transcripts"
	"github.com/go-go-golems/murmur/pkg/session"
	"github.com/go-go-golems/murmur/pkg/tokens"
)

type ChatCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ChatCommand)(nil)

type ChatSettings struct {
	Prompt    string   `glazed:"prompt"`
	SessionID string   `glazed:"session-id"`
	Images    []string `glazed:"images"`
	NoSave    bool     `glazed:"no-save"`
}

func NewChatCommand() (*ChatCommand, error) {
	sections, err := allSections()
	if err != nil {
		return nil, err
	}
	return &ChatCommand{
		CommandDescription: cmds.NewCommandDescription(
			"chat",
			cmds.WithShort("Chat with a model, interactively or one prompt at a time"),
			cmds.WithLong("Streams answers from the backend. Ctrl-C cancels the answer being generated; at the prompt it exits."),
			cmds.WithArguments(
				fields.New("prompt", fields.TypeString, fields.WithHelp("Prompt to send; starts an interactive session when empty"), fields.WithDefault("")),
			),
			cmds.WithFlags(
				fields.New("session-id", fields.TypeString, fields.WithHelp("Resume or create the transcript with this id"), fields.WithDefault("")),
				fields.New("images", fields.TypeStringList, fields.WithHelp("Image files attached to the first prompt"), fields.WithDefault([]string{})),
				fields.New("no-save", fields.TypeBool, fields.WithHelp("Do not persist the transcript"), fields.WithDefault(false)),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

type chatSession struct {
	w         io.Writer
	ctrl      *chatsession.Controller
	resolver  *fallback.Resolver
	store     transcripts.Store
	sessionID string

	// attached to the next submitted prompt only
	pendingImages []string
}

func (c *ChatCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	cs := &ChatSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return errors.Wrap(err, "decode chat settings")
	}
	s, err := decodeSettings(parsed)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := newRuntime(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	eg, ctx := errgroup.WithContext(ctx)
	if err := rt.startWorker(ctx, eg); err != nil {
		// the cache is an optimization, chatting works without it
		log.Warn().Err(err).Msg("model cache unavailable")
	}

	images, err := loadImages(cs.Images)
	if err != nil {
		return err
	}
	sess := &chatSession{w: w, sessionID: strings.TrimSpace(cs.SessionID), pendingImages: images}
	if sess.sessionID == "" {
		sess.sessionID = uuid.NewString()
	}
	store := session.NewStore()
	store.SetSelectedModel(s.Backend.Model)
	store.SetParams(s.Backend.Params())
	if !cs.NoSave {
		ts, err := rt.openTranscripts()
		if err != nil {
			log.Warn().Err(err).Msg("transcripts unavailable, not saving")
		} else {
			defer func() { _ = ts.Close() }()
			sess.store = ts
			if err := restoreTranscript(ctx, ts, sess.sessionID, store, s.Backend.Model); err != nil {
				return err
			}
		}
	}

	opts := []chatsession.Option{
		chatsession.WithStore(store),
		chatsession.WithObserver(newStreamPrinter(w).Update),
	}
	if counter, err := tokens.Default(); err != nil {
		log.Debug().Err(err).Msg("token counter unavailable")
	} else {
		opts = append(opts, chatsession.WithTokenCounter(counter))
	}
	var ctrl *chatsession.Controller
	sess.resolver = rt.resolver(fallback.SelectionFunc(func() string { return ctrl.SelectedModel() }))
	opts = append(opts, chatsession.WithRoster(sess.resolver))
	ctrl = chatsession.NewController(rt.client, opts...)
	sess.ctrl = ctrl

	if ctrl.SelectedModel() == "" {
		sess.pickDefaultModel(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				if ctrl.Cancel() {
					continue
				}
				cancel()
				return
			}
		}
	}()

	eg.Go(func() error {
		defer cancel()
		if cs.Prompt != "" || !isatty.IsTerminal(os.Stdin.Fd()) {
			return sess.oneShot(ctx, cs)
		}
		return sess.interactive(ctx)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func restoreTranscript(ctx context.Context, ts transcripts.Store, id string, store *session.Store, modelFlag string) error {
	t, err := ts.Load(ctx, id)
	if errors.Is(err, transcripts.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load transcript")
	}
	t.Apply(store)
	if modelFlag != "" {
		store.SetSelectedModel(modelFlag)
	}
	log.Info().Str("session_id", id).Int("messages", len(t.Messages)).Msg("resumed transcript")
	return nil
}

func (cs *chatSession) pickDefaultModel(ctx context.Context) {
	res, err := cs.resolver.ResolveModelList(ctx)
	if err != nil || len(res.Models) == 0 {
		_, _ = fmt.Fprintln(cs.w, "no models available; start the backend or pass --model")
		return
	}
	cs.ctrl.SelectModel(res.Models[0].Name)
	_, _ = fmt.Fprintf(cs.w, "using model %s (%s)\n", res.Models[0].Name, res.Source)
}

func (cs *chatSession) oneShot(ctx context.Context, s *ChatSettings) error {
	prompt := s.Prompt
	if prompt == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "read prompt from stdin")
		}
		prompt = string(b)
	}
	res, err := cs.submit(ctx, prompt)
	if err != nil {
		return err
	}
	cs.report(res)
	cs.save(ctx)
	if res.State == chatsession.StateFailed {
		return res.Err
	}
	return nil
}

func (cs *chatSession) interactive(ctx context.Context) error {
	ui := &input.UI{Writer: cs.w, Reader: os.Stdin}
	_, _ = fmt.Fprintf(cs.w, "session %s, /help for commands\n", cs.sessionID)
	for ctx.Err() == nil {
		line, err := ui.Ask(">", &input.Options{HideOrder: true})
		if errors.Is(err, input.ErrInterrupted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !errors.Is(err, input.ErrEmpty) {
			return errors.Wrap(err, "read prompt")
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := parseChatCommand(line)
		if err != nil {
			_, _ = fmt.Fprintln(cs.w, err)
			continue
		}
		if cmd.kind == chatQuit {
			return nil
		}
		if err := cs.dispatch(ctx, cmd); err != nil {
			_, _ = fmt.Fprintln(cs.w, "error:", err)
		}
	}
	return nil
}

func (cs *chatSession) dispatch(ctx context.Context, cmd chatCommand) error {
	var (
		res chatsession.TurnResult
		err error
	)
	switch cmd.kind {
	case chatHelp:
		_, _ = fmt.Fprintln(cs.w, chatHelpText)
		return nil
	case chatHistory:
		for i, m := range cs.ctrl.Messages() {
			_, _ = fmt.Fprintf(cs.w, "%3d %-9s %s\n", i+1, m.Role, oneLine(m.Content, 72))
		}
		return nil
	case chatClear:
		if err := cs.ctrl.Clear(); err != nil {
			return err
		}
		cs.save(ctx)
		return nil
	case chatModel:
		return cs.model(ctx, cmd.text)
	case chatRegen:
		res, err = cs.ctrl.Regenerate(ctx)
	case chatEdit:
		msgs := cs.ctrl.Messages()
		if cmd.index > len(msgs) {
			return errors.Errorf("no message %d, the conversation has %d", cmd.index, len(msgs))
		}
		res, err = cs.ctrl.RegenerateFromEdit(ctx, msgs[cmd.index-1].ID, cmd.text)
	case chatPrompt:
		res, err = cs.submit(ctx, cmd.text)
	case chatQuit:
		return nil
	}
	if err != nil {
		return err
	}
	cs.report(res)
	cs.save(ctx)
	return nil
}

func (cs *chatSession) submit(ctx context.Context, prompt string) (chatsession.TurnResult, error) {
	res, err := cs.ctrl.Submit(ctx, prompt, cs.pendingImages...)
	if err == nil {
		cs.pendingImages = nil
	}
	return res, err
}

func (cs *chatSession) model(ctx context.Context, name string) error {
	if name != "" {
		cs.ctrl.SelectModel(name)
		_, _ = fmt.Fprintf(cs.w, "model set to %s\n", name)
		return nil
	}
	res, err := cs.resolver.ResolveModelList(ctx)
	if err != nil {
		return err
	}
	selected := cs.ctrl.SelectedModel()
	_, _ = fmt.Fprintf(cs.w, "models (%s):\n", res.Source)
	for _, m := range res.Models {
		marker := " "
		if m.Name == selected {
			marker = "*"
		}
		_, _ = fmt.Fprintf(cs.w, " %s %s\n", marker, m.Name)
	}
	return nil
}

func (cs *chatSession) report(res chatsession.TurnResult) {
	log.Debug().Str("turn_id", res.TurnID).Str("state", res.State.String()).Int("tokens", res.Tokens).
		Dur("duration", res.Duration).Msg("turn done")
	if res.State != chatsession.StateFailed {
		return
	}
	var mm *backend.MissingModelError
	if errors.As(res.Err, &mm) {
		_, _ = fmt.Fprintf(cs.w, "error: %v\n%s\n", mm, mm.Remediation())
		return
	}
	_, _ = fmt.Fprintf(cs.w, "error: %v\n", res.Err)
}

func (cs *chatSession) save(ctx context.Context) {
	if cs.store == nil {
		return
	}
	var t transcripts.Transcript
	cs.ctrl.Snapshot(func(s *session.Store) {
		t = transcripts.FromStore(cs.sessionID, s)
	})
	if err := cs.store.Save(ctx, t); err != nil {
		log.Warn().Err(err).Str("session_id", cs.sessionID).Msg("could not save transcript")
	}
}

func loadImages(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read image %s", p)
		}
		out = append(out, base64.StdEncoding.EncodeToString(b))
	}
	return out, nil
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}
