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
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/chat-cli/session"
)

const (
	refreshTokenTimeout = 10 * time.Second
	refreshFlightKey    = "refresh"
)

// Refresher runs the token refresh protocol. Concurrent callers share a
// single in-flight refresh; at most one refresh call is issued per failure
// episode and a failed refresh ends the session.
type Refresher struct {
	url     string
	store   *session.Store
	doer    Doer
	timeout time.Duration
	logger  zerolog.Logger

	group singleflight.Group
	calls atomic.Int64
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshDoer sets the transport used for the refresh call. It should
// not retry on its own.
func WithRefreshDoer(d Doer) RefresherOption {
	return func(r *Refresher) { r.doer = d }
}

// WithRefreshTimeout bounds a single refresh call.
func WithRefreshTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.timeout = d }
}

// WithRefreshLogger sets the logger.
func WithRefreshLogger(l zerolog.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// NewRefresher creates a Refresher posting to the refresh endpoint at url.
func NewRefresher(url string, store *session.Store, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		url:     url,
		store:   store,
		doer:    PlainDoer{},
		timeout: refreshTokenTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Calls returns the number of refresh calls sent to the server.
func (r *Refresher) Calls() int64 {
	return r.calls.Load()
}

// Refresh returns a new access token to replace stale, the token that was
// just rejected. If another refresh already replaced stale, the current token
// is returned without a network call.
//
// A cancelled ctx stops the caller from waiting but does not abort the
// shared refresh other callers are waiting on.
func (r *Refresher) Refresh(ctx context.Context, stale string) (string, error) {
	if current, ok := r.store.AccessToken(ctx); ok && current != stale {
		return current, nil
	}

	ch := r.group.DoChan(refreshFlightKey, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), stale)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context, stale string) (string, error) {
	sess, ok := r.store.Session(ctx)
	if ok && sess.AccessToken() != "" && sess.AccessToken() != stale {
		return sess.AccessToken(), nil
	}

	refreshToken := sess.RefreshToken()
	if !ok || refreshToken == "" {
		r.store.Clear(context.WithoutCancel(ctx))
		return "", ErrNoRefreshToken
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.calls.Add(1)
	token, err := r.exchange(ctx, refreshToken)
	if err != nil {
		// ctx may be the one that just timed out
		r.store.Clear(context.WithoutCancel(ctx))
		r.logger.Warn().Err(err).Msg("token refresh failed, session cleared")
		return "", fmt.Errorf("%w: %w", ErrRefreshDenied, err)
	}

	// Rotation mode: the server returns a new refresh token.
	// Fixed mode: it does not, so the old one stays valid.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	r.store.SetToken(ctx, token, sess.Persistence)
	r.logger.Debug().Stringer("persistence", sess.Persistence).Msg("access token refreshed")
	return token.AccessToken, nil
}

// refreshResponse accepts both the simplejwt ("access"/"refresh") and the
// OAuth ("access_token"/"refresh_token") field names.
type refreshResponse struct {
	Access       string `json:"access"`
	AccessToken  string `json:"access_token"`
	Refresh      string `json:"refresh"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	payload, err := json.Marshal(map[string]string{
		"refresh":       refreshToken,
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, &NetworkError{Op: "refresh request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		}
	}

	var tokenResp refreshResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	access := firstNonEmpty(tokenResp.Access, tokenResp.AccessToken)
	if err := validateTokenResponse(access, tokenResp.TokenType, tokenResp.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: firstNonEmpty(tokenResp.Refresh, tokenResp.RefreshToken),
		TokenType:    "Bearer",
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return token, nil
}

// validateTokenResponse checks a token response at the service boundary.
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access token is empty")
	}

	if expiresIn < 0 {
		return fmt.Errorf("expires_in must not be negative, got: %d", expiresIn)
	}

	// token_type is optional, but if present must be Bearer
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
