package pipelines

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/chats"
	"github.com/aide-sh/aide/pkg/llm"
	"github.com/aide-sh/aide/pkg/logger"
)

// TitleMaxWords caps generated chat titles.
const TitleMaxWords = 6

// Titler names new chats from their first exchange.
type Titler struct {
	chats  *chats.Store
	caller llm.StructuredCaller

	// Timeout bounds the naming call.
	Timeout time.Duration
}

// NewTitler wires a Titler.
func NewTitler(chatStore *chats.Store, caller llm.StructuredCaller) *Titler {
	return &Titler{chats: chatStore, caller: caller, Timeout: 30 * time.Second}
}

type titleOutput struct {
	Title string `json:"title" jsonschema:"description=A short title for the conversation,maxLength=60"`
}

// Name generates and stores a title for the chat. It is a no-op when the
// chat already has one.
func (t *Titler) Name(ctx context.Context, chatID, userMessage, assistantMessage string) error {
	chat, err := t.chats.Load(chatID)
	if err != nil {
		return err
	}
	if chat.Title != "" {
		return nil
	}

	var out titleOutput
	err = t.caller.Structured(ctx, llm.StructuredRequest{
		Model:        "haiku",
		SystemPrompt: fmt.Sprintf("Produce a title of at most %d words for the conversation. No quotes, no trailing punctuation.", TitleMaxWords),
		UserPrompt:   fmt.Sprintf("User: %s\n\nAssistant: %s", clip(userMessage, 500), clip(assistantMessage, 500)),
		Schema:       llm.GenerateSchema[titleOutput](),
		Timeout:      t.Timeout,
	}, &out)
	if err != nil {
		return errors.Wrap(err, "failed to generate title")
	}

	title := clampWords(strings.TrimSpace(out.Title), TitleMaxWords)
	if title == "" {
		return errors.New("model returned an empty title")
	}
	if err := t.chats.SetTitle(chatID, title); err != nil {
		return errors.Wrap(err, "failed to store title")
	}
	logger.G(ctx).WithFields(map[string]any{"chat_id": chatID, "title": title}).Debug("chat titled")
	return nil
}

func clampWords(s string, max int) string {
	words := strings.Fields(s)
	if len(words) > max {
		words = words[:max]
	}
	return strings.Join(words, " ")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
