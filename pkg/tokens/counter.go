package tokens

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates token counts for generated text. Local models ship their
// own vocabularies, so the count is an approximation using a BPE codec.
type Counter struct {
	codec tokenizer.Codec
}

var (
	defaultOnce    sync.Once
	defaultCounter *Counter
	defaultErr     error
)

// DefaultEncoding picks a codec for a model name.
func DefaultEncoding(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "text-davinci-002"), strings.HasPrefix(model, "text-davinci-003"):
		return tokenizer.P50kBase
	default:
		return tokenizer.Cl100kBase
	}
}

func NewCounter(enc tokenizer.Encoding) (*Counter, error) {
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, errors.Wrapf(err, "load codec %s", enc)
	}
	return &Counter{codec: codec}, nil
}

// Default returns a shared cl100k_base counter.
func Default() (*Counter, error) {
	defaultOnce.Do(func() {
		defaultCounter, defaultErr = NewCounter(tokenizer.Cl100kBase)
	})
	return defaultCounter, defaultErr
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "encode text")
	}
	return len(ids), nil
}
