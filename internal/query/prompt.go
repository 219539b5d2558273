package query

import (
	"context"
	"errors"
	"strings"

	"github.com/agentmem/memory-service/internal/model"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/working"
)

// PromptRequest hydrates a user query with session history and relevant
// long-term memories.
type PromptRequest struct {
	Query          string         `json:"query"`
	Session        *PromptSession `json:"session,omitempty"`
	LongTermSearch *SearchRequest `json:"longTermSearch,omitempty"`
}

// PromptSession selects the working memory to fold into the prompt.
type PromptSession struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
	RecentLimit int    `json:"recentMessagesLimit,omitempty"`
}

// PromptMessage is one chat message ready to send to a model.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptResponse is the hydrated message list.
type PromptResponse struct {
	Messages []PromptMessage `json:"messages"`
}

// MemoryPrompt composes the hydrated prompt: the session's running
// summary, its recent messages, a block of relevant long-term memories,
// then the query itself.
func (s *Service) MemoryPrompt(ctx context.Context, wmSvc *working.Service, req PromptRequest) (*PromptResponse, error) {
	if req.Query == "" {
		return nil, &registryvector.ValidationError{Field: "query", Message: "must not be empty"}
	}
	if req.Session == nil && req.LongTermSearch == nil {
		return nil, &registryvector.ValidationError{Field: "session", Message: "either session or longTermSearch must be provided"}
	}

	var messages []PromptMessage

	if req.Session != nil {
		key := model.SessionKey{
			Namespace: req.Session.Namespace,
			UserID:    req.Session.UserID,
			SessionID: req.Session.SessionID,
		}
		wm, err := wmSvc.Get(ctx, key, req.Session.RecentLimit)
		if err != nil {
			var nf *registrysession.NotFoundError
			if !errors.As(err, &nf) {
				return nil, err
			}
			// missing session contributes nothing
		} else {
			if wm.Context != "" {
				messages = append(messages, PromptMessage{
					Role:    "system",
					Content: "## A summary of the conversation so far:\n" + wm.Context,
				})
			}
			for _, m := range wm.Messages {
				role := "assistant"
				if m.Role == model.RoleUser {
					role = "user"
				}
				messages = append(messages, PromptMessage{Role: role, Content: m.Content})
			}
		}
	}

	if req.LongTermSearch != nil {
		search := *req.LongTermSearch
		if search.Text == "" {
			search.Text = req.Query
		}
		resp, err := s.Search(ctx, search)
		if err != nil {
			return nil, err
		}
		if len(resp.Results) > 0 {
			var b strings.Builder
			for _, r := range resp.Results {
				b.WriteString("- ")
				b.WriteString(r.Record.Text)
				b.WriteString("\n")
			}
			messages = append(messages, PromptMessage{
				Role:    "system",
				Content: "## Long term memories related to the user's query\n" + b.String(),
			})
		}
	}

	messages = append(messages, PromptMessage{Role: "user", Content: req.Query})
	return &PromptResponse{Messages: messages}, nil
}
