// Package chat runs conversations with the chat service.
package chat

import (
	"fmt"
	"slices"
)

// FailureText is shown in place of a reply that could not be obtained.
const FailureText = "Sorry, I'm having trouble connecting. Please try again."

// Author identifies who wrote a message.
type Author int

const (
	User Author = iota
	Assistant
)

func (a Author) String() string {
	switch a {
	case User:
		return "user"
	case Assistant:
		return "assistant"
	default:
		return fmt.Sprintf("Author(%d)", int(a))
	}
}

func (a Author) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Author) UnmarshalText(text []byte) error {
	switch string(text) {
	case "user":
		*a = User
	case "assistant":
		*a = Assistant
	default:
		return fmt.Errorf("unknown author %q", text)
	}
	return nil
}

// Message is one entry of a conversation. ID is its position in the
// conversation. An assistant message is mutable until Final is set.
type Message struct {
	ID     int    `json:"id"`
	Text   string `json:"text"`
	Author Author `json:"author"`
	Final  bool   `json:"final"`
	Failed bool   `json:"failed,omitempty"`
}

// State is the state of the outstanding request of a conversation.
type State int

const (
	// Idle means no request is outstanding.
	Idle State = iota
	// Sending means the request was issued and the response is pending.
	Sending
	// Streaming means reply text is arriving.
	Streaming
	// Completed means the reply ended normally or softly.
	Completed
	// Failed means the request failed.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Busy reports whether a request is outstanding.
func (s State) Busy() bool {
	return s == Sending || s == Streaming
}

var transitions = map[State][]State{
	Idle:      {Sending},
	Sending:   {Streaming, Completed, Failed, Idle},
	Streaming: {Streaming, Completed, Failed, Idle},
	Completed: {Sending, Idle},
	Failed:    {Sending, Idle},
}

// CanTransition reports whether moving from s to next is allowed. Moving
// back to Idle from a busy state is a cancellation.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}
