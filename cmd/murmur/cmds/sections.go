package cmds

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/murmur/pkg/backend"
	"github.com/go-go-golems/murmur/pkg/ondevice"
	"github.com/go-go-golems/murmur/pkg/redisstream"
	"github.com/go-go-golems/murmur/pkg/session"
)

const (
	BackendSlug = "backend"
	CacheSlug   = "cache"
)

type BackendSettings struct {
	BackendURL    string  `glazed:"backend-url"`
	Model         string  `glazed:"model"`
	Temperature   float64 `glazed:"temperature"`
	TopP          float64 `glazed:"top-p"`
	TopK          int     `glazed:"top-k"`
	NumCtx        int     `glazed:"num-ctx"`
	NumPredict    int     `glazed:"num-predict"`
	RepeatPenalty float64 `glazed:"repeat-penalty"`
	Seed          int     `glazed:"seed"`
}

func (s BackendSettings) Params() session.GenerationParams {
	return session.GenerationParams{
		Temperature:   s.Temperature,
		TopP:          s.TopP,
		TopK:          s.TopK,
		NumCtx:        s.NumCtx,
		NumPredict:    s.NumPredict,
		RepeatPenalty: s.RepeatPenalty,
		Seed:          s.Seed,
	}
}

type CacheSettings struct {
	CacheDB       string `glazed:"cache-db"`
	TranscriptsDB string `glazed:"transcripts-db"`
}

func NewBackendSection() (schema.Section, error) {
	return schema.NewSection(
		BackendSlug,
		"Chat backend",
		schema.WithFields(
			fields.New("backend-url", fields.TypeString, fields.WithDefault(backend.DefaultBaseURL), fields.WithHelp("Base URL of the Ollama-compatible backend")),
			fields.New("model", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Model to chat with")),
			fields.New("temperature", fields.TypeFloat, fields.WithDefault(0.0), fields.WithHelp("Sampling temperature (0 = backend default)")),
			fields.New("top-p", fields.TypeFloat, fields.WithDefault(0.0), fields.WithHelp("Nucleus sampling (0 = backend default)")),
			fields.New("top-k", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Top-k sampling (0 = backend default)")),
			fields.New("num-ctx", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Context window size (0 = backend default)")),
			fields.New("num-predict", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Maximum tokens to generate (0 = backend default)")),
			fields.New("repeat-penalty", fields.TypeFloat, fields.WithDefault(0.0), fields.WithHelp("Penalty for repeated tokens (0 = backend default)")),
			fields.New("seed", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Sampling seed (0 = random)")),
		),
	)
}

func NewCacheSection() (schema.Section, error) {
	return schema.NewSection(
		CacheSlug,
		"Local persistence",
		schema.WithFields(
			fields.New("cache-db", fields.TypeString, fields.WithDefault("~/.murmur/cache.db"), fields.WithHelp("SQLite file of the model cache")),
			fields.New("transcripts-db", fields.TypeString, fields.WithDefault("~/.murmur/transcripts.db"), fields.WithHelp("SQLite file of saved chat transcripts")),
		),
	)
}

// allSections returns the backend, cache, redis and on-device sections shared by the commands.
func allSections() ([]schema.Section, error) {
	builders := []func() (schema.Section, error){
		NewBackendSection,
		NewCacheSection,
		redisstream.NewSection,
		ondevice.NewSection,
	}
	out := make([]schema.Section, 0, len(builders))
	for _, b := range builders {
		s, err := b()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type Settings struct {
	Backend  BackendSettings
	Cache    CacheSettings
	Redis    redisstream.Settings
	OnDevice ondevice.Settings
}

func decodeSettings(parsed *values.Values) (*Settings, error) {
	s := &Settings{}
	if err := parsed.DecodeSectionInto(BackendSlug, &s.Backend); err != nil {
		return nil, errors.Wrap(err, "decode backend settings")
	}
	if err := parsed.DecodeSectionInto(CacheSlug, &s.Cache); err != nil {
		return nil, errors.Wrap(err, "decode cache settings")
	}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &s.Redis); err != nil {
		return nil, errors.Wrap(err, "decode redis settings")
	}
	if err := parsed.DecodeSectionInto(ondevice.SectionSlug, &s.OnDevice); err != nil {
		return nil, errors.Wrap(err, "decode ondevice settings")
	}
	return s, nil
}

// expandPath resolves a leading ~ and makes sure the parent directory exists.
func expandPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolve home directory")
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", errors.Wrapf(err, "create directory for %s", p)
	}
	return p, nil
}
