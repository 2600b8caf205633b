package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/go-authgate/chat-cli/client"
	"github.com/go-authgate/chat-cli/sse"
)

const (
	defaultPath = "/api/chat"

	maxReplyBody = 4 << 20
)

// ReplyKind tells how the chat service answered.
type ReplyKind int

const (
	// Single is a whole reply in one JSON body.
	Single ReplyKind = iota
	// Streamed is a reply arriving as an event stream.
	Streamed
)

func (k ReplyKind) String() string {
	if k == Streamed {
		return "streamed"
	}
	return "single"
}

// Reply is the chat service's answer to one message. Both kinds are read
// through Deltas; a single reply yields its whole text as one delta.
type Reply struct {
	kind   ReplyKind
	stream *sse.Reader
	text   string
}

// Kind returns how the reply was delivered.
func (r *Reply) Kind() ReplyKind {
	return r.kind
}

// Deltas returns the reply text as a lazy sequence of fragments.
func (r *Reply) Deltas() iter.Seq2[string, error] {
	if r.kind == Streamed {
		return r.stream.Deltas()
	}
	return func(yield func(string, error) bool) {
		if r.text != "" {
			yield(r.text, nil)
		}
	}
}

// Close stops a streamed reply. It is safe to call from another goroutine.
func (r *Reply) Close() error {
	if r.stream != nil {
		return r.stream.Close()
	}
	return nil
}

// Outcome reports how the reply ended.
func (r *Reply) Outcome() sse.Outcome {
	if r.kind == Streamed {
		return r.stream.Outcome()
	}
	return sse.Completed
}

// Reason is the server's error text when a stream was interrupted.
func (r *Reply) Reason() string {
	if r.kind == Streamed {
		return r.stream.Reason()
	}
	return ""
}

// Sender sends one chat message and opens its reply.
type Sender interface {
	Send(ctx context.Context, text string, stream bool) (*Reply, error)
}

// Service sends messages to the chat service through an authenticated
// client.
type Service struct {
	client *client.Client
	path   string
	logger zerolog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPath overrides the message endpoint path.
func WithPath(path string) ServiceOption {
	return func(s *Service) { s.path = path }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service on top of c, which must point at the chat
// service.
func NewService(c *client.Client, opts ...ServiceOption) *Service {
	s := &Service{
		client: c,
		path:   defaultPath,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type messageRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

type messageResponse struct {
	UserMessage  string `json:"user_message"`
	BotResponse  string `json:"bot_response"`
	ResponseText string `json:"responseText"`
	Role         string `json:"role"`
	Timestamp    string `json:"timestamp"`
}

// Send posts text and returns the open reply. The caller must drain or
// Close the reply. A response that is not an event stream is read whole,
// even when stream was requested.
func (s *Service) Send(ctx context.Context, text string, stream bool) (*Reply, error) {
	header := http.Header{}
	if stream {
		header.Set("Accept", "text/event-stream, application/json")
	}

	resp, err := s.client.Do(ctx, &client.Request{
		Method: http.MethodPost,
		Path:   s.path,
		Body:   messageRequest{Message: text, Stream: stream},
		Header: header,
	})
	if err != nil {
		return nil, err
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		s.logger.Debug().Msg("reading streamed reply")
		return &Reply{
			kind:   Streamed,
			stream: sse.NewReader(resp.Body, sse.WithLogger(s.logger)),
		}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, &client.NetworkError{Op: "read reply", Err: err}
	}

	var msg messageResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse reply: %w", err)
	}

	reply := msg.BotResponse
	if reply == "" {
		reply = msg.ResponseText
	}
	return &Reply{kind: Single, text: reply}, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}
