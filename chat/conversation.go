package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-authgate/chat-cli/client"
	"github.com/go-authgate/chat-cli/sse"
)

var (
	// ErrBusy means a reply is still outstanding.
	ErrBusy = errors.New("a reply is still in progress")
	// ErrEmptyMessage means the message has no text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrCancelled means the reply was cancelled by Cancel or Reset.
	ErrCancelled = errors.New("reply cancelled")
)

// EventKind identifies a conversation event.
type EventKind int

const (
	// EventState reports a state change.
	EventState EventKind = iota
	// EventDelta reports text appended to the assistant message.
	EventDelta
	// EventDone reports a finished assistant message.
	EventDone
	// EventFailed reports a failed request.
	EventFailed
)

// Event is delivered to observers as the conversation progresses.
type Event struct {
	Kind    EventKind
	State   State
	Message Message
	Delta   string
	Outcome sse.Outcome
	Err     error
}

// Conversation holds the messages of one chat and drives at most one
// outstanding request at a time. It is safe for concurrent use: Send
// usually runs on its own goroutine while Cancel and Messages are called
// from the UI.
type Conversation struct {
	sender Sender
	stream bool
	logger zerolog.Logger

	mu       sync.Mutex
	id       string
	messages []Message
	state    State
	gen      int
	reply    *Reply
	cancel   context.CancelFunc
	observe  func(Event)
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithStreaming selects whether replies are requested as a stream.
func WithStreaming(stream bool) ConversationOption {
	return func(c *Conversation) { c.stream = stream }
}

// WithObserver registers fn to receive events. fn is called without the
// conversation lock held.
func WithObserver(fn func(Event)) ConversationOption {
	return func(c *Conversation) { c.observe = fn }
}

// WithMessages seeds the conversation, usually from History.
func WithMessages(msgs []Message) ConversationOption {
	return func(c *Conversation) {
		c.messages = slices.Clone(msgs)
		for i := range c.messages {
			c.messages[i].ID = i
			c.messages[i].Final = true
		}
	}
}

// WithConversationLogger sets the logger.
func WithConversationLogger(l zerolog.Logger) ConversationOption {
	return func(c *Conversation) { c.logger = l }
}

// NewConversation creates an empty conversation that sends through s.
func NewConversation(s Sender, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		sender: s,
		stream: true,
		logger: zerolog.Nop(),
		id:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID identifies the current chat. Reset starts a new one.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the state of the current request.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the messages.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Send appends text as a user message and reads the reply into a new
// assistant message, which it returns once final. A reply that ends without
// the completion sentinel is kept as it is. On failure the assistant message
// carries FailureText, except when the session expired or the reply was
// cancelled; then the partial message is dropped.
func (c *Conversation) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state.Busy() {
		c.mu.Unlock()
		return Message{}, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.append(Message{Text: text, Author: User, Final: true})
	events := []Event{c.setState(Sending)}
	c.mu.Unlock()
	c.emit(events...)

	reply, err := c.sender.Send(ctx, text, c.stream)
	if err != nil {
		return c.fail(gen, -1, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		reply.Close()
		return Message{}, ErrCancelled
	}
	c.reply = reply
	idx := c.append(Message{Author: Assistant})
	c.mu.Unlock()

	for delta, err := range reply.Deltas() {
		if err != nil {
			return c.fail(gen, idx, err)
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			break
		}
		c.messages[idx].Text += delta
		msg := c.messages[idx]
		events := []Event{c.setState(Streaming), {Kind: EventDelta, State: Streaming, Message: msg, Delta: delta}}
		c.mu.Unlock()
		c.emit(events...)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return Message{}, ErrCancelled
	}
	outcome := reply.Outcome()
	if outcome == sse.Interrupted {
		c.logger.Warn().Str("reason", reply.Reason()).Msg("reply stream interrupted")
	}
	c.messages[idx].Final = true
	msg := c.messages[idx]
	c.reply = nil
	c.cancel = nil
	events = []Event{
		c.setState(Completed),
		{Kind: EventDone, State: Completed, Message: msg, Outcome: outcome},
	}
	c.mu.Unlock()
	c.emit(events...)

	return msg, nil
}

// fail ends the request of generation gen. idx is the assistant message
// index, or -1 when none was created.
func (c *Conversation) fail(gen, idx int, err error) (Message, error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return Message{}, ErrCancelled
	}
	c.reply = nil
	c.cancel = nil

	var msg Message
	if errors.Is(err, client.ErrSessionExpired) {
		if idx >= 0 {
			c.messages = c.messages[:idx]
		}
	} else {
		if idx < 0 {
			idx = c.append(Message{Author: Assistant})
		}
		c.messages[idx].Text = FailureText
		c.messages[idx].Final = true
		c.messages[idx].Failed = true
		msg = c.messages[idx]
	}
	events := []Event{
		c.setState(Failed),
		{Kind: EventFailed, State: Failed, Message: msg, Err: err},
	}
	c.mu.Unlock()

	c.logger.Debug().Err(err).Msg("chat request failed")
	c.emit(events...)
	return msg, err
}

// Cancel stops the outstanding request, closing its stream. The partial
// assistant message is discarded and the conversation returns to Idle.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	ev, ok := c.cancelLocked()
	c.mu.Unlock()
	if ok {
		c.emit(ev)
	}
}

// Reset cancels any outstanding request and starts a new, empty chat.
func (c *Conversation) Reset() {
	c.mu.Lock()
	ev, ok := c.cancelLocked()
	c.messages = nil
	c.id = uuid.NewString()
	c.state = Idle
	c.mu.Unlock()
	if ok {
		c.emit(ev)
	}
}

func (c *Conversation) cancelLocked() (Event, bool) {
	if !c.state.Busy() {
		return Event{}, false
	}
	c.gen++
	if c.reply != nil {
		c.reply.Close()
		c.reply = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if n := len(c.messages); n > 0 && c.messages[n-1].Author == Assistant && !c.messages[n-1].Final {
		c.messages = c.messages[:n-1]
	}
	return c.setState(Idle), true
}

// append adds m with the next ID and returns its index.
func (c *Conversation) append(m Message) int {
	m.ID = len(c.messages)
	c.messages = append(c.messages, m)
	return m.ID
}

func (c *Conversation) setState(next State) Event {
	if !c.state.CanTransition(next) {
		c.logger.Error().
			Stringer("from", c.state).
			Stringer("to", next).
			Msg("invalid conversation state transition")
	}
	c.state = next
	return Event{Kind: EventState, State: next}
}

func (c *Conversation) emit(events ...Event) {
	if c.observe == nil {
		return
	}
	for _, ev := range events {
		c.observe(ev)
	}
}
