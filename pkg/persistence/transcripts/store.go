package transcripts

import (
	"context"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/murmur/pkg/session"
)

// ErrNotFound is returned by Load for an unknown session id.
var ErrNotFound = errors.New("transcript not found")

// Transcript is a saved session log.
type Transcript struct {
	SessionID   string                   `json:"session_id" yaml:"session_id"`
	Model       string                   `json:"model" yaml:"model"`
	Params      session.GenerationParams `json:"params" yaml:"params"`
	Messages    []session.Message        `json:"messages" yaml:"messages"`
	CreatedAtMs int64                    `json:"created_at_ms" yaml:"created_at_ms"`
	UpdatedAtMs int64                    `json:"updated_at_ms" yaml:"updated_at_ms"`
}

// Summary is one row of List.
type Summary struct {
	SessionID    string `json:"session_id"`
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// ListQuery filters List results.
type ListQuery struct {
	Model string
	Limit int
}

// Store persists session transcripts.
type Store interface {
	Save(ctx context.Context, t Transcript) error
	Load(ctx context.Context, sessionID string) (Transcript, error)
	List(ctx context.Context, q ListQuery) ([]Summary, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// FromStore snapshots a session store under sessionID.
func FromStore(sessionID string, s *session.Store) Transcript {
	return Transcript{
		SessionID: sessionID,
		Model:     s.SelectedModel(),
		Params:    s.Params(),
		Messages:  s.Messages(),
	}
}

// Apply restores t into s, replacing its log, model and parameters.
func (t Transcript) Apply(s *session.Store) {
	s.Restore(t.Messages)
	s.SetSelectedModel(t.Model)
	s.SetParams(t.Params)
}

// ExportYAML renders the transcript for export.
func ExportYAML(t Transcript) ([]byte, error) {
	b, err := yaml.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal transcript yaml")
	}
	return b, nil
}
