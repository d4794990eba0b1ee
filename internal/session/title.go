package session

import (
	"context"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/waveterm-ai/wave/internal/event"
	"github.com/waveterm-ai/wave/internal/provider"
	"github.com/waveterm-ai/wave/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful

Examples:
"debug 500 errors in production" → Debugging production 500 errors
"refactor user service" → Refactoring user service
"implement rate limiting" → Implementing rate limiting`

const defaultTitlePrefix = "New Session"

// isDefaultTitle checks if a title is the default "New Session" title.
func isDefaultTitle(title string) bool {
	return title == "" || title == defaultTitlePrefix || strings.HasPrefix(title, defaultTitlePrefix)
}

// EnsureTitle generates a title for the session if it's still using the
// default title. Should only be called on the first user message of a
// root session — child sessions (forks, compressions) inherit no title of
// their own and are skipped.
func EnsureTitle(ctx context.Context, sess *types.Session, userContent string, providerReg *provider.Registry) {
	if sess.ParentSessionID != nil && *sess.ParentSessionID != "" {
		return
	}
	if !isDefaultTitle(sess.Title) {
		return
	}

	model, err := providerReg.DefaultModel()
	if err != nil {
		return
	}
	prov, err := providerReg.Get(model.ProviderID)
	if err != nil {
		return
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: titleSystemPrompt},
			{Role: schema.User, Content: "Generate a title for this conversation:\n\n" + userContent},
		},
		MaxTokens: 50,
	})
	if err != nil {
		return
	}
	defer stream.Close()

	var title strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		title.WriteString(msg.Content)
	}

	titleText := strings.TrimSpace(title.String())
	for _, line := range strings.Split(titleText, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			titleText = line
			break
		}
	}
	if len(titleText) > 100 {
		titleText = titleText[:97] + "..."
	}
	if titleText == "" {
		return
	}

	sess.Title = titleText
	event.PublishSync(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: sess},
	})
}
