package session

import (
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation log.
type Message struct {
	ID        string   `json:"id" yaml:"id"`
	Role      Role     `json:"role" yaml:"role"`
	Content   string   `json:"content" yaml:"content"`
	Images    []string `json:"images,omitempty" yaml:"images,omitempty"`
	IsEditing bool     `json:"is_editing,omitempty" yaml:"is_editing,omitempty"`
}

func (m Message) clone() Message {
	if m.Images != nil {
		m.Images = append([]string(nil), m.Images...)
	}
	return m
}

// GenerationParams are the numeric sampling knobs sent with each chat request.
// Zero values mean "use the backend default" and are omitted on the wire.
type GenerationParams struct {
	Temperature   float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty" yaml:"num_ctx,omitempty"`
	NumPredict    int     `json:"num_predict,omitempty" yaml:"num_predict,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" yaml:"repeat_penalty,omitempty"`
	Seed          int     `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Store is the ordered message log of a session together with the selected
// model and generation parameters.
//
// Store does no locking. It is owned by a single controller which serializes
// every call; all mutations are visible to readers as soon as they return.
type Store struct {
	messages []Message
	model    string
	params   GenerationParams
}

func NewStore() *Store {
	return &Store{}
}

// Append assigns a fresh id when msg has none and appends it to the log.
// An id that already exists in the log is replaced too, so ids stay unique.
func (s *Store) Append(msg Message) Message {
	msg = msg.clone()
	if strings.TrimSpace(msg.ID) == "" || s.indexOf(msg.ID) >= 0 {
		msg.ID = uuid.NewString()
	}
	s.messages = append(s.messages, msg)
	return msg.clone()
}

// ReplaceTail overwrites the content of the last message. No-op on an empty log.
func (s *Store) ReplaceTail(content string) {
	if len(s.messages) == 0 {
		return
	}
	s.messages[len(s.messages)-1].Content = content
}

// Edit sets the content of message id and ends its editing state.
func (s *Store) Edit(id string, content string) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.messages[i].Content = content
	s.messages[i].IsEditing = false
	return true
}

// SetEditing sets the editing flag of message id and clears it on every other
// message, so at most one message is ever being edited.
func (s *Store) SetEditing(id string, flag bool) {
	for i := range s.messages {
		s.messages[i].IsEditing = flag && s.messages[i].ID == id
	}
}

// RegenerateFrom truncates the log so that message id becomes the last entry.
func (s *Store) RegenerateFrom(id string) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	for j := i + 1; j < len(s.messages); j++ {
		s.messages[j] = Message{}
	}
	s.messages = s.messages[:i+1]
	return true
}

func (s *Store) Clear() {
	s.messages = nil
}

// Messages returns a copy of the log.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

func (s *Store) Len() int {
	return len(s.messages)
}

func (s *Store) Tail() (Message, bool) {
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1].clone(), true
}

func (s *Store) Get(id string) (Message, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return Message{}, false
	}
	return s.messages[i].clone(), true
}

// Editing returns the message currently being edited, if any.
func (s *Store) Editing() (Message, bool) {
	for _, m := range s.messages {
		if m.IsEditing {
			return m.clone(), true
		}
	}
	return Message{}, false
}

func (s *Store) SelectedModel() string {
	return s.model
}

func (s *Store) SetSelectedModel(model string) {
	s.model = strings.TrimSpace(model)
}

func (s *Store) Params() GenerationParams {
	return s.params
}

func (s *Store) SetParams(p GenerationParams) {
	s.params = p
}

// Restore replaces the log wholesale, e.g. when resuming a persisted session.
// Missing or duplicate ids are reassigned and at most the first editing flag survives.
func (s *Store) Restore(msgs []Message) {
	s.messages = nil
	editing := false
	for _, m := range msgs {
		if m.IsEditing {
			if editing {
				m.IsEditing = false
			}
			editing = true
		}
		s.Append(m)
	}
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}
