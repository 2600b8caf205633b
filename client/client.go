// Package client sends authenticated requests to the backend services.
//
// A Client attaches the stored bearer token to every request. When a request
// is rejected with 401 it asks the shared Refresher for a new access token and
// re-sends the request once. Unrecoverable authentication failures clear the
// session and surface as ErrSessionExpired.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/chat-cli/session"
)

const (
	// maxAttempts bounds the sends of one logical request: the original
	// attempt plus one retry after a refresh.
	maxAttempts = 2

	maxErrorBody = 64 << 10
)

// Doer sends HTTP requests. The go-httpretry client satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// PlainDoer adapts an *http.Client to Doer without any retry logic.
type PlainDoer struct {
	Client *http.Client
}

func (p PlainDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	return c.Do(req.WithContext(ctx))
}

// IdempotentDoer sends GET and HEAD requests through Retry and every other
// request through Plain, so a message or a credential is never sent twice
// by the transport.
type IdempotentDoer struct {
	Retry Doer
	Plain Doer
}

func (d IdempotentDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		return d.Retry.DoWithContext(ctx, req)
	}
	return d.Plain.DoWithContext(ctx, req)
}

// Request describes one logical call to a backend service.
type Request struct {
	Method string
	Path   string
	// Body is JSON-encoded when non-nil.
	Body   any
	Header http.Header
	// Public requests carry no bearer token and never trigger a refresh.
	Public bool
}

// Client is the authenticated request client for one service base URL.
type Client struct {
	baseURL   string
	store     *session.Store
	refresher *Refresher
	doer      Doer
	logger    zerolog.Logger
	onExpired func(error)
}

// Option configures a Client.
type Option func(*Client)

// WithDoer sets the HTTP transport.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSessionExpiredHandler registers fn to be called whenever the session
// is cleared because authentication cannot be recovered. The CLI uses it to
// send the user back to login.
func WithSessionExpiredHandler(fn func(error)) Option {
	return func(c *Client) { c.onExpired = fn }
}

// New creates a Client for baseURL. All clients of one process should share
// the same store and refresher.
func New(baseURL string, store *session.Store, refresher *Refresher, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		store:     store,
		refresher: refresher,
		doer:      PlainDoer{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the token store the client reads from.
func (c *Client) Store() *session.Store {
	return c.store
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends req and returns the 2xx response; the caller must close its body.
//
// Non-2xx responses are returned as *StatusError, transport failures as
// *NetworkError and unrecoverable authentication failures as
// *SessionExpiredError.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	logger := c.logger.With().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.Path).
		Logger()

	var refreshed string
	for attempt := 0; ; attempt++ {
		var token string
		if !req.Public {
			token = refreshed
			if token == "" {
				token, _ = c.store.AccessToken(ctx)
			}
		}

		resp, err := c.send(ctx, req, body, token, requestID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.Debug().Err(err).Int("attempt", attempt).Msg("request failed")
			return nil, &NetworkError{Op: req.Method + " " + req.Path, Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && !req.Public {
			drainAndClose(resp)

			if attempt+1 >= maxAttempts {
				logger.Warn().Int("attempt", attempt).Msg("request rejected after token refresh")
				return nil, c.expire(ctx, ErrAuthorizationFailed)
			}

			logger.Debug().Msg("access token rejected, refreshing")
			refreshed, err = c.refresher.Refresh(ctx, token)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return nil, err
				}
				return nil, c.expire(ctx, err)
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			logger.Debug().Int("status", resp.StatusCode).Msg("request returned error status")
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: data}
		}

		return resp, nil
	}
}

// DoJSON sends req and decodes the JSON response into out (if non-nil).
func (c *Client) DoJSON(ctx context.Context, req *Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "read response", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) send(
	ctx context.Context,
	req *Request,
	body []byte,
	token, requestID string,
) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", requestID)

	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	}

	return c.doer.DoWithContext(ctx, httpReq)
}

// expire clears the session and wraps cause as a session-expired error.
func (c *Client) expire(ctx context.Context, cause error) error {
	c.store.Clear(context.WithoutCancel(ctx))
	err := &SessionExpiredError{Cause: cause}
	c.logger.Info().Err(cause).Msg("session expired")
	if c.onExpired != nil {
		c.onExpired(err)
	}
	return err
}

func encodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return data, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
