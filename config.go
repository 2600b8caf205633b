package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"

	"github.com/go-authgate/chat-cli/chat"
	"github.com/go-authgate/chat-cli/client"
	"github.com/go-authgate/chat-cli/session"
)

const (
	defaultAuthURL     = "http://localhost:8000"
	defaultChatURL     = "http://localhost:8001"
	defaultTokenFile   = ".chat-cli-tokens.json"
	defaultHistoryFile = ".chat-cli-history.json"
	defaultLogLevel    = "warn"

	tokenStoreFile  = "file"
	tokenStoreRedis = "redis"
)

// Timeout configuration
const (
	refreshTokenTimeout = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
)

// transportRetries is how many times the transport re-sends an idempotent
// request that got no response. Status codes are never retried here; the
// client owns the single re-send after a token refresh.
const transportRetries = 1

// options holds the raw flag values. Empty means "not set on the command line".
type options struct {
	authURL     string
	chatURL     string
	tokenFile   string
	tokenStore  string
	redisURL    string
	historyFile string
	logLevel    string
}

// config is the resolved configuration of one invocation.
type config struct {
	AuthURL     string
	ChatURL     string
	TokenFile   string
	TokenStore  string
	RedisURL    string
	HistoryFile string
	LogLevel    zerolog.Level
}

// loadConfig resolves every setting with priority flag > env > default and
// validates the result. Warnings go to w.
func loadConfig(o *options, w io.Writer) (*config, error) {
	cfg := &config{
		AuthURL:     getConfig(o.authURL, "AUTH_URL", defaultAuthURL),
		ChatURL:     getConfig(o.chatURL, "CHAT_URL", defaultChatURL),
		TokenFile:   getConfig(o.tokenFile, "TOKEN_FILE", defaultTokenFile),
		TokenStore:  strings.ToLower(getConfig(o.tokenStore, "TOKEN_STORE", tokenStoreFile)),
		RedisURL:    getConfig(o.redisURL, "REDIS_URL", ""),
		HistoryFile: getConfig(o.historyFile, "HISTORY_FILE", defaultHistoryFile),
	}

	if err := validateServerURL(cfg.AuthURL); err != nil {
		return nil, fmt.Errorf("invalid AUTH_URL: %w", err)
	}
	if err := validateServerURL(cfg.ChatURL); err != nil {
		return nil, fmt.Errorf("invalid CHAT_URL: %w", err)
	}

	switch cfg.TokenStore {
	case tokenStoreFile:
	case tokenStoreRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL must be set when TOKEN_STORE is redis")
		}
	default:
		return nil, fmt.Errorf(
			"TOKEN_STORE must be %q or %q, got: %s",
			tokenStoreFile, tokenStoreRedis, cfg.TokenStore,
		)
	}

	level, err := zerolog.ParseLevel(getConfig(o.logLevel, "LOG_LEVEL", defaultLogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	// Warn if using HTTP instead of HTTPS
	if isPlainHTTP(cfg.AuthURL) || isPlainHTTP(cfg.ChatURL) {
		fmt.Fprintln(
			w,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(w, "⚠️  This is only safe for local development. Use HTTPS in production.")
		fmt.Fprintln(w)
	}

	return cfg, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func isPlainHTTP(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(rawURL), "http://")
}

// app wires the services of one invocation.
type app struct {
	cfg    *config
	logger zerolog.Logger
	store  *session.Store
	auth   *client.AuthService
	chat   *chat.Service

	closers []io.Closer

	mu        sync.Mutex
	onExpired func(error)
}

// newApp builds the token store, the refresh coordinator and the clients of
// both services. Logs go to logOut.
func newApp(cfg *config, logOut io.Writer) (*app, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: logOut, TimeFormat: time.Kitchen}).
		Level(cfg.LogLevel).
		With().
		Timestamp().
		Logger()

	a := &app{cfg: cfg, logger: logger}

	durable, err := a.durableBackend()
	if err != nil {
		return nil, err
	}
	a.store = session.NewStore(
		durable,
		session.NewMemoryBackend(),
		session.WithLogger(logger.With().Str("component", "session").Logger()),
	)

	baseHTTPClient := newBaseHTTPClient()

	// Wrap with retry logic using go-httpretry. Only idempotent reads go
	// through it, at most once more and only when no response arrived.
	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(transportRetries),
		retry.WithRetryableChecker(retryOnNetworkError),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	transport := client.IdempotentDoer{
		Retry: retryClient,
		Plain: client.PlainDoer{Client: baseHTTPClient},
	}

	endpoints := client.DefaultEndpoints()
	// The refresh call is never retried: one failure episode is one call.
	refresher := client.NewRefresher(
		cfg.AuthURL+endpoints.Refresh,
		a.store,
		client.WithRefreshDoer(client.PlainDoer{Client: baseHTTPClient}),
		client.WithRefreshTimeout(refreshTokenTimeout),
		client.WithRefreshLogger(logger.With().Str("component", "refresh").Logger()),
	)

	onExpired := func(err error) {
		logger.Info().Err(err).Msg("session cleared, login required")
		a.mu.Lock()
		fn := a.onExpired
		a.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
	authClient := client.New(cfg.AuthURL, a.store, refresher,
		client.WithDoer(transport),
		client.WithLogger(logger.With().Str("component", "auth").Logger()),
		client.WithSessionExpiredHandler(onExpired),
	)
	chatClient := client.New(cfg.ChatURL, a.store, refresher,
		client.WithDoer(transport),
		client.WithLogger(logger.With().Str("component", "chat").Logger()),
		client.WithSessionExpiredHandler(onExpired),
	)

	a.auth = client.NewAuthService(authClient, endpoints)
	a.chat = chat.NewService(chatClient,
		chat.WithServiceLogger(logger.With().Str("component", "chat").Logger()),
	)
	return a, nil
}

func (a *app) durableBackend() (session.Backend, error) {
	// Tokens are kept per auth service, so several servers can share one store.
	profile := a.cfg.AuthURL

	if a.cfg.TokenStore == tokenStoreRedis {
		rb, err := session.NewRedisBackend(session.RedisConfig{
			URL:     a.cfg.RedisURL,
			Profile: profile,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rb)
		return rb, nil
	}
	return session.NewFileBackend(a.cfg.TokenFile, profile), nil
}

// OnSessionExpired sets fn to be called when either client clears the
// session. A nil fn removes the previous one.
func (a *app) OnSessionExpired(fn func(error)) {
	a.mu.Lock()
	a.onExpired = fn
	a.mu.Unlock()
}

// retryOnNetworkError is the go-httpretry checker: only requests that got
// no response at all are re-sent.
func retryOnNetworkError(err error, _ *http.Response) bool {
	return err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Close releases backend connections.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newBaseHTTPClient() *http.Client {
	// No client timeout: reply streams stay open for as long as the model
	// writes. Requests are bounded by their contexts.
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     idleConnTimeout,
			TLSHandshakeTimeout: tlsHandshakeTimeout,
			DisableKeepAlives:   false,
		},
	}
}
