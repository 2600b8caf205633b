package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AUTH_URL", "CHAT_URL", "TOKEN_FILE", "TOKEN_STORE",
		"REDIS_URL", "HISTORY_FILE", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestGetConfig_Priority(t *testing.T) {
	t.Setenv("CHAT_CLI_TEST_KEY", "from-env")

	if got := getConfig("from-flag", "CHAT_CLI_TEST_KEY", "default"); got != "from-flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := getConfig("", "CHAT_CLI_TEST_KEY", "default"); got != "from-env" {
		t.Errorf("env should win over default, got %q", got)
	}
	if got := getConfig("", "CHAT_CLI_TEST_UNSET", "default"); got != "default" {
		t.Errorf("default expected, got %q", got)
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantErr     bool
		errContains string
	}{
		{name: "https", url: "https://chat.example.com", wantErr: false},
		{name: "http with port", url: "http://localhost:8000", wantErr: false},
		{name: "empty", url: "", wantErr: true, errContains: "cannot be empty"},
		{name: "bad scheme", url: "ftp://example.com", wantErr: true, errContains: "scheme must be http or https"},
		{name: "no host", url: "http://", wantErr: true, errContains: "must include a host"},
		{name: "unparsable", url: "http://[::1", wantErr: true, errContains: "invalid URL format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("validateServerURL(%q) expected error but got nil", tt.url)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("validateServerURL(%q) error = %v, want error containing %q",
						tt.url, err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("validateServerURL(%q) unexpected error = %v", tt.url, err)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	var warnings bytes.Buffer
	cfg, err := loadConfig(&options{}, &warnings)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.AuthURL != defaultAuthURL || cfg.ChatURL != defaultChatURL {
		t.Errorf("unexpected URLs: %s %s", cfg.AuthURL, cfg.ChatURL)
	}
	if cfg.TokenStore != tokenStoreFile {
		t.Errorf("TokenStore = %s, want %s", cfg.TokenStore, tokenStoreFile)
	}
	if cfg.LogLevel != zerolog.WarnLevel {
		t.Errorf("LogLevel = %s, want warn", cfg.LogLevel)
	}
	if !strings.Contains(warnings.String(), "Using HTTP instead of HTTPS") {
		t.Errorf("expected plaintext warning, got %q", warnings.String())
	}
}

func TestLoadConfig_EnvAndFlags(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AUTH_URL", "https://auth.example.com")
	t.Setenv("CHAT_URL", "https://chat.example.com")
	t.Setenv("TOKEN_STORE", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	var warnings bytes.Buffer
	cfg, err := loadConfig(&options{logLevel: "debug", tokenFile: "tokens.json"}, &warnings)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.AuthURL != "https://auth.example.com" {
		t.Errorf("AuthURL = %s", cfg.AuthURL)
	}
	if cfg.TokenStore != tokenStoreRedis {
		t.Errorf("TokenStore = %s, want redis", cfg.TokenStore)
	}
	if cfg.TokenFile != "tokens.json" {
		t.Errorf("TokenFile = %s, want flag value", cfg.TokenFile)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if warnings.Len() != 0 {
		t.Errorf("no warning expected for https, got %q", warnings.String())
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		opts        options
		errContains string
	}{
		{name: "bad auth url", opts: options{authURL: "localhost"}, errContains: "invalid AUTH_URL"},
		{name: "bad chat url", opts: options{chatURL: "ws://chat"}, errContains: "invalid CHAT_URL"},
		{name: "unknown store", opts: options{tokenStore: "memcached"}, errContains: "TOKEN_STORE must be"},
		{name: "redis without url", opts: options{tokenStore: "redis"}, errContains: "REDIS_URL must be set"},
		{name: "bad log level", opts: options{logLevel: "loud"}, errContains: "invalid LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			_, err := loadConfig(&tt.opts, &bytes.Buffer{})
			if err == nil {
				t.Fatal("loadConfig() expected error but got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("loadConfig() error = %v, want error containing %q", err, tt.errContains)
			}
		})
	}
}

func TestRetryOnNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		resp *http.Response
		want bool
	}{
		{"connection reset", errors.New("read: connection reset by peer"), nil, true},
		{"server error", nil, &http.Response{StatusCode: http.StatusInternalServerError}, false},
		{"unavailable", nil, &http.Response{StatusCode: http.StatusServiceUnavailable}, false},
		{"rate limited", nil, &http.Response{StatusCode: http.StatusTooManyRequests}, false},
		{"cancelled", fmt.Errorf("get: %w", context.Canceled), nil, false},
		{"deadline", context.DeadlineExceeded, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryOnNetworkError(tt.err, tt.resp); got != tt.want {
				t.Errorf("retryOnNetworkError() = %v, want %v", got, tt.want)
			}
		})
	}
}
