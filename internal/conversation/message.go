package conversation

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Author of a message
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

const (
	// ConversationID is the id of the single conversation the server synthesizes
	ConversationID = "1"
	// ConversationTitle is its display title ("conversation")
	ConversationTitle = "گفتگو"
)

// Message is one entry of the thread
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    Author    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	HasError  bool      `json:"has_error,omitempty"`
}

// IsUser reports whether the user wrote the message
func (m Message) IsUser() bool { return m.Author == AuthorUser }

// Conversation is the single thread of a session
type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Messages        []Message `json:"messages"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// State of the chat view
type State int

const (
	StateLoading State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "loading"
}

// Phase of the most recent send cycle
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseSettled
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseSettled:
		return "settled"
	case PhaseErrored:
		return "errored"
	default:
		return "idle"
	}
}

// Snapshot is an immutable view of the machine
type Snapshot struct {
	State        State
	Phase        Phase
	Typing       bool
	Messages     []Message
	Conversation Conversation
}

// Errored returns the messages currently flagged as failed, oldest first
func (s Snapshot) Errored() []Message {
	var out []Message
	for _, m := range s.Messages {
		if m.HasError {
			out = append(out, m)
		}
	}
	return out
}

// Empty reports whether the thread has no messages
func (s Snapshot) Empty() bool { return len(s.Messages) == 0 }

// Greeting is the empty-thread text shown instead of a message list:
// "Hello {firstName} 👋" and "How can I help?".
func Greeting(firstName string) (headline, prompt string) {
	return "سلام " + firstName + " 👋", "چه کمکی از دستم برمیاد؟"
}

// NewID returns a fresh, time-ordered message id
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func withAppended(msgs []Message, m ...Message) []Message {
	return append(slices.Clone(msgs), m...)
}

func withoutID(msgs []Message, id string) []Message {
	return slices.DeleteFunc(slices.Clone(msgs), func(m Message) bool { return m.ID == id })
}

func withError(msgs []Message, id string, hasError bool) []Message {
	out := slices.Clone(msgs)
	for i := range out {
		if out[i].ID == id {
			out[i].HasError = hasError
		}
	}
	return out
}
