package cmds

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type chatCommandKind int

const (
	chatPrompt chatCommandKind = iota
	chatQuit
	chatClear
	chatModel
	chatRegen
	chatEdit
	chatHistory
	chatHelp
)

type chatCommand struct {
	kind  chatCommandKind
	text  string
	index int
}

const chatHelpText = `/edit <n> <text>  replace message n and regenerate from it
/regen            regenerate the last answer
/clear            clear the conversation
/model [name]     show the roster or select a model
/history          list the conversation
/quit             leave`

// parseChatCommand interprets one line typed at the chat prompt.
func parseChatCommand(line string) (chatCommand, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return chatCommand{kind: chatPrompt, text: line}, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return chatCommand{kind: chatQuit}, nil
	case "/clear":
		return chatCommand{kind: chatClear}, nil
	case "/model":
		return chatCommand{kind: chatModel, text: rest}, nil
	case "/regen":
		return chatCommand{kind: chatRegen}, nil
	case "/history":
		return chatCommand{kind: chatHistory}, nil
	case "/help":
		return chatCommand{kind: chatHelp}, nil
	case "/edit":
		n, text, _ := strings.Cut(rest, " ")
		idx, err := strconv.Atoi(n)
		if err != nil || idx < 1 {
			return chatCommand{}, errors.Errorf("usage: /edit <n> <text>, got %q", rest)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return chatCommand{}, errors.New("usage: /edit <n> <text>")
		}
		return chatCommand{kind: chatEdit, index: idx, text: text}, nil
	default:
		return chatCommand{}, errors.Errorf("unknown command %s, try /help", name)
	}
}
