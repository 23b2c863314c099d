package cmds

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/murmur/pkg/chatsession"
)

// streamPrinter turns full-accumulator updates back into deltas for a terminal.
type streamPrinter struct {
	w io.Writer

	mu        sync.Mutex
	messageID string
	printed   string
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w}
}

func (p *streamPrinter) Update(u chatsession.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.MessageID != p.messageID {
		p.messageID = u.MessageID
		p.printed = ""
	}
	if u.MessageID != "" && u.Content != chatsession.ThinkingMarker {
		if strings.HasPrefix(u.Content, p.printed) {
			_, _ = io.WriteString(p.w, u.Content[len(p.printed):])
		} else {
			_, _ = fmt.Fprintf(p.w, "\n%s", u.Content)
		}
		p.printed = u.Content
	}
	if u.State.Terminal() {
		if p.printed != "" {
			_, _ = io.WriteString(p.w, "\n")
		}
		p.messageID = ""
		p.printed = ""
	}
}
