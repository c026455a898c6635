// Package llm defines the language-model client contract the core
// consumes. The real multi-endpoint HTTP caller (weighted routing, EMA
// latency rebalancing, health probing) is out of scope; this package
// defines the narrow interface, a long-lived conversational session handle
// the planner owns, and HTTPClient, a single-endpoint implementation of the
// interface.
package llm

import "context"

// Role labels the speaker of a Message, following the OpenAI-compatible
// chat-completions shape the sandbox's own llmConfig targets (endpoints
// terminating in "/v1").
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role    Role
	Content string
}

// Client is the simple contract the core consumes from the language-model
// layer: a batch of messages in, text and a token count out.
type Client interface {
	Complete(ctx context.Context, messages []Message) (text string, tokens int, err error)
}

// Session is a stateful conversational handle owned by the planner. It
// accumulates history across turns and disposes cleanly on Close, per the
// design note that the underlying model API should never be exposed
// directly to callers.
type Session struct {
	client  Client
	system  string
	history []Message
	closed  bool
}

// NewSession starts a session with the given system prompt.
func NewSession(client Client, systemPrompt string) *Session {
	return &Session{client: client, system: systemPrompt}
}

// Prompt appends text as a user turn, sends the full accumulated history,
// and appends the assistant's reply to history before returning it.
func (s *Session) Prompt(ctx context.Context, text string) (string, int, error) {
	if s.closed {
		return "", 0, ErrSessionClosed
	}
	s.history = append(s.history, Message{Role: RoleUser, Content: text})

	messages := make([]Message, 0, len(s.history)+1)
	if s.system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: s.system})
	}
	messages = append(messages, s.history...)

	reply, tokens, err := s.client.Complete(ctx, messages)
	if err != nil {
		return "", 0, err
	}
	s.history = append(s.history, Message{Role: RoleAssistant, Content: reply})
	return reply, tokens, nil
}

// Close disposes the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closed = true
	s.history = nil
}

// ErrSessionClosed is returned by Prompt after Close.
var ErrSessionClosed = sessionClosedError{}

type sessionClosedError struct{}

func (sessionClosedError) Error() string { return "llm: session is closed" }
