// Package types defines the message model exchanged with the conversation pipeline.
package types

import (
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the chat context. A user turn message is created by
// the pipeline once speech recognition finalizes an utterance and may be
// mutated before it is forwarded to inference.
type Message struct {
	ID        string        `json:"id,omitempty"`
	Role      string        `json:"role"`
	Parts     []ContentPart `json:"parts"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
	// Interrupted marks assistant replies cut short by the user.
	Interrupted bool `json:"interrupted,omitempty"`
}

// NewUserMessage creates a user message with a single text part.
func NewUserMessage(text string) *Message {
	return &Message{
		Role:      RoleUser,
		Parts:     []ContentPart{NewTextPart(text)},
		Timestamp: time.Now(),
	}
}

// AddPart appends a content part.
func (m *Message) AddPart(part ContentPart) {
	m.Parts = append(m.Parts, part)
}

// Text joins every text part with a single space.
func (m *Message) Text() string {
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == ContentTypeText && p.Text != nil {
			texts = append(texts, *p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// ImageParts returns the image parts in order.
func (m *Message) ImageParts() []ContentPart {
	var images []ContentPart
	for _, p := range m.Parts {
		if p.Type == ContentTypeImage {
			images = append(images, p)
		}
	}
	return images
}

// ChatContext is the ordered conversation history handed to the turn hook.
type ChatContext struct {
	Items []Message `json:"items"`
}

// Append adds a message to the history.
func (c *ChatContext) Append(m Message) {
	c.Items = append(c.Items, m)
}

// LastAssistant returns the most recent assistant message, if any.
func (c *ChatContext) LastAssistant() (Message, bool) {
	for i := len(c.Items) - 1; i >= 0; i-- {
		if c.Items[i].Role == RoleAssistant {
			return c.Items[i], true
		}
	}
	return Message{}, false
}
