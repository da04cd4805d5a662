// Package conversations imports AI chat exports (ChatGPT, Claude, or a
// generic message list) as searchable transcript items.
package conversations

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/prsnl-app/prsnl/pkg/models"
)

// Parsed is one conversation pulled out of an export payload.
type Parsed struct {
	Title    string
	Platform models.ConversationPlatform
	Messages []models.ConversationMessage
}

// Parse dispatches on platform. Generic payloads use the simple
// {title, messages: [{role, content}]} shape.
func Parse(platform models.ConversationPlatform, payload []byte) (*Parsed, error) {
	switch platform {
	case models.PlatformChatGPT:
		return parseChatGPT(payload)
	case models.PlatformClaude:
		return parseClaude(payload)
	case models.PlatformGeneric, "":
		return parseGeneric(payload)
	default:
		return nil, fmt.Errorf("unknown conversation platform %q", platform)
	}
}

type genericExport struct {
	Title    string `json:"title"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func parseGeneric(payload []byte) (*Parsed, error) {
	var export genericExport
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, fmt.Errorf("parse generic export: %w", err)
	}
	out := &Parsed{Title: export.Title, Platform: models.PlatformGeneric}
	for _, m := range export.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out.Messages = append(out.Messages, models.ConversationMessage{
			Role:    normalizeRole(m.Role),
			Content: strings.TrimSpace(m.Content),
		})
	}
	return finishParsed(out)
}

// chatGPTExport mirrors the conversations.json structure: each conversation
// is a tree of nodes keyed by ID, with parent/children links.
type chatGPTExport struct {
	Title   string                    `json:"title"`
	Mapping map[string]chatGPTNode    `json:"mapping"`
}

type chatGPTNode struct {
	ID      string   `json:"id"`
	Parent  string   `json:"parent"`
	Message *struct {
		Author struct {
			Role string `json:"role"`
		} `json:"author"`
		Content struct {
			ContentType string   `json:"content_type"`
			Parts       []any    `json:"parts"`
		} `json:"content"`
		CreateTime float64 `json:"create_time"`
	} `json:"message"`
}

// parseChatGPT walks the mapping tree along the main branch (root to leaf,
// following the first child at each level is unreliable; instead nodes are
// ordered by create_time which matches the visible conversation).
func parseChatGPT(payload []byte) (*Parsed, error) {
	var export chatGPTExport
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, fmt.Errorf("parse chatgpt export: %w", err)
	}
	if len(export.Mapping) == 0 {
		return nil, errors.New("chatgpt export has no message mapping")
	}

	type timed struct {
		at   float64
		role string
		text string
	}
	var turns []timed
	for _, node := range export.Mapping {
		if node.Message == nil {
			continue
		}
		role := node.Message.Author.Role
		if role == "system" || role == "tool" {
			continue
		}
		if node.Message.Content.ContentType != "" && node.Message.Content.ContentType != "text" {
			continue
		}
		var parts []string
		for _, p := range node.Message.Content.Parts {
			if s, ok := p.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		if len(parts) == 0 {
			continue
		}
		turns = append(turns, timed{
			at:   node.Message.CreateTime,
			role: normalizeRole(role),
			text: strings.Join(parts, "\n"),
		})
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].at < turns[j].at })

	out := &Parsed{Title: export.Title, Platform: models.PlatformChatGPT}
	for _, turn := range turns {
		out.Messages = append(out.Messages, models.ConversationMessage{
			Role:    turn.role,
			Content: turn.text,
		})
	}
	return finishParsed(out)
}

// claudeExport mirrors the Claude data export: chat_messages with sender
// "human"/"assistant" and ISO timestamps.
type claudeExport struct {
	Name         string `json:"name"`
	ChatMessages []struct {
		Sender    string `json:"sender"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
	} `json:"chat_messages"`
}

func parseClaude(payload []byte) (*Parsed, error) {
	var export claudeExport
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, fmt.Errorf("parse claude export: %w", err)
	}

	type timed struct {
		at   time.Time
		role string
		text string
	}
	var turns []timed
	for _, m := range export.ChatMessages {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		at, _ := time.Parse(time.RFC3339, m.CreatedAt)
		turns = append(turns, timed{at: at, role: normalizeRole(m.Sender), text: strings.TrimSpace(m.Text)})
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].at.Before(turns[j].at) })

	out := &Parsed{Title: export.Name, Platform: models.PlatformClaude}
	for _, turn := range turns {
		out.Messages = append(out.Messages, models.ConversationMessage{
			Role:    turn.role,
			Content: turn.text,
		})
	}
	return finishParsed(out)
}

func finishParsed(p *Parsed) (*Parsed, error) {
	if len(p.Messages) == 0 {
		return nil, errors.New("export contains no messages")
	}
	for i := range p.Messages {
		p.Messages[i].Sequence = i
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = deriveTitle(p.Messages)
	}
	return p, nil
}

// normalizeRole maps platform-specific role names onto user/assistant.
func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "human", "user":
		return "user"
	case "assistant", "ai", "model":
		return "assistant"
	case "":
		return "user"
	default:
		return strings.ToLower(strings.TrimSpace(role))
	}
}

// deriveTitle takes the first user message, truncated to something readable.
func deriveTitle(messages []models.ConversationMessage) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		title := strings.TrimSpace(m.Content)
		if idx := strings.IndexByte(title, '\n'); idx > 0 {
			title = title[:idx]
		}
		if len(title) > 80 {
			title = title[:77] + "..."
		}
		if title != "" {
			return title
		}
	}
	return "Imported conversation"
}
