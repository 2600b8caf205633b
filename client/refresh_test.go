package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/chat-cli/session"
)

func TestRefresh_RotationMode(t *testing.T) {
	tests := []struct {
		name                 string
		oldRefreshToken      string
		responseRefreshToken string // Empty string means server doesn't return refresh
		expectedRefreshToken string
	}{
		{
			name:                 "rotation mode - server returns new refresh token",
			oldRefreshToken:      "old-refresh-token",
			responseRefreshToken: "new-refresh-token",
			expectedRefreshToken: "new-refresh-token",
		},
		{
			name:                 "fixed mode - server doesn't return refresh token",
			oldRefreshToken:      "old-refresh-token",
			responseRefreshToken: "",
			expectedRefreshToken: "old-refresh-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if r.URL.Path != "/auth/token/refresh/" {
						http.NotFound(w, r)
						return
					}

					var body map[string]string
					if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
						http.Error(w, "Invalid body", http.StatusBadRequest)
						return
					}
					if body["refresh"] != tt.oldRefreshToken {
						http.Error(w, "Invalid refresh token", http.StatusUnauthorized)
						return
					}

					response := map[string]any{"access": "new-access-token"}
					if tt.responseRefreshToken != "" {
						response["refresh"] = tt.responseRefreshToken
					}

					w.Header().Set("Content-Type", "application/json")
					json.NewEncoder(w).Encode(response)
				}),
			)
			defer server.Close()

			ctx := context.Background()
			store := session.NewStore(nil, nil)
			store.Set(ctx, "old-access-token", tt.oldRefreshToken, session.Durable)

			r := NewRefresher(server.URL+"/auth/token/refresh/", store)
			access, err := r.Refresh(ctx, "old-access-token")
			if err != nil {
				t.Fatalf("Refresh() error = %v", err)
			}

			if access != "new-access-token" {
				t.Errorf("Expected access token 'new-access-token', got %s", access)
			}

			sess, ok := store.Session(ctx)
			if !ok {
				t.Fatal("Expected a stored session after refresh")
			}
			if got := sess.RefreshToken(); got != tt.expectedRefreshToken {
				t.Errorf("Expected refresh token %s, got %s", tt.expectedRefreshToken, got)
			}
			if sess.Persistence != session.Durable {
				t.Errorf("Expected persistence to stay durable, got %s", sess.Persistence)
			}
		})
	}
}

func TestRefresh_ValidationErrors(t *testing.T) {
	tests := []struct {
		name         string
		responseBody map[string]any
		errContains  string
	}{
		{
			name: "invalid - empty access token",
			responseBody: map[string]any{
				"access": "",
			},
			errContains: "access token is empty",
		},
		{
			name: "invalid - negative expires_in",
			responseBody: map[string]any{
				"access":     "valid-token-123456",
				"expires_in": -1,
			},
			errContains: "expires_in must not be negative",
		},
		{
			name: "invalid - wrong token type",
			responseBody: map[string]any{
				"access":     "valid-token-123456",
				"token_type": "Basic",
			},
			errContains: "unexpected token_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					json.NewEncoder(w).Encode(tt.responseBody)
				}),
			)
			defer server.Close()

			ctx := context.Background()
			store := session.NewStore(nil, nil)
			store.Set(ctx, "old", "test-refresh-token", session.Ephemeral)

			_, err := NewRefresher(server.URL, store).Refresh(ctx, "old")
			if err == nil {
				t.Fatal("Refresh() expected error but got nil")
			}
			if !errors.Is(err, ErrRefreshDenied) {
				t.Errorf("Expected ErrRefreshDenied, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Refresh() error = %v, want error containing %q", err, tt.errContains)
			}
			if _, ok := store.Session(ctx); ok {
				t.Error("Expected session to be cleared after a failed refresh")
			}
		})
	}
}

func TestRefresh_RejectedReturnsRetrieveError(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Token is invalid or expired","code":"token_not_valid"}`))
		}),
	)
	defer server.Close()

	ctx := context.Background()
	store := session.NewStore(nil, nil)
	store.Set(ctx, "old", "refresh", session.Durable)

	_, err := NewRefresher(server.URL, store).Refresh(ctx, "old")

	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		t.Fatalf("Expected *oauth2.RetrieveError, got %T: %v", err, err)
	}
	if retrieveErr.Response.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", retrieveErr.Response.StatusCode)
	}
}

func TestRefresh_NoRefreshTokenMakesNoCall(t *testing.T) {
	var calls int
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}),
	)
	defer server.Close()

	ctx := context.Background()
	store := session.NewStore(nil, nil)
	store.Set(ctx, "access", "", session.Durable)

	r := NewRefresher(server.URL, store)
	_, err := r.Refresh(ctx, "access")
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("Expected ErrNoRefreshToken, got %v", err)
	}
	if calls != 0 || r.Calls() != 0 {
		t.Errorf("Expected no refresh call, got %d", calls)
	}
	if _, ok := store.Session(ctx); ok {
		t.Error("Expected session to be cleared")
	}
}

func TestRefresh_TimeoutStillClearsStoredTokens(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}),
	)
	defer server.Close()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := session.NewStore(session.NewFileBackend(path, "default"), nil)
	store.Set(ctx, "old", "refresh", session.Durable)

	r := NewRefresher(server.URL, store, WithRefreshTimeout(50*time.Millisecond))
	_, err := r.Refresh(ctx, "old")
	if !errors.Is(err, ErrRefreshDenied) {
		t.Fatalf("Expected ErrRefreshDenied, got %v", err)
	}

	token, err := session.NewFileBackend(path, "default").Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if token != nil {
		t.Errorf("Expected token file to be cleared after a timed-out refresh, got %+v", token)
	}
}

func TestRefresh_StaleTokenAlreadyReplaced(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("refresh endpoint should not be called")
		}),
	)
	defer server.Close()

	ctx := context.Background()
	store := session.NewStore(nil, nil)
	store.Set(ctx, "fresh", "refresh", session.Durable)

	r := NewRefresher(server.URL, store)
	access, err := r.Refresh(ctx, "stale")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if access != "fresh" {
		t.Errorf("Expected current token 'fresh', got %s", access)
	}
}

func TestRefresh_CancelledWaiterDoesNotAbortSharedRefresh(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access":"new-access"}`))
		}),
	)
	defer server.Close()

	ctx := context.Background()
	store := session.NewStore(nil, nil)
	store.Set(ctx, "old", "refresh", session.Durable)
	r := NewRefresher(server.URL, store)

	patient := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx, "old")
		patient <- err
	}()

	cancelCtx, cancel := context.WithCancel(ctx)
	impatient := make(chan error, 1)
	go func() {
		_, err := r.Refresh(cancelCtx, "old")
		impatient <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-impatient; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled for the cancelled waiter, got %v", err)
	}

	close(release)
	if err := <-patient; err != nil {
		t.Fatalf("Expected shared refresh to succeed, got %v", err)
	}
	if access, _ := store.AccessToken(ctx); access != "new-access" {
		t.Errorf("Expected stored token 'new-access', got %s", access)
	}
	if r.Calls() != 1 {
		t.Errorf("Expected 1 refresh call, got %d", r.Calls())
	}
}

func TestValidateTokenResponse(t *testing.T) {
	tests := []struct {
		name        string
		accessToken string
		tokenType   string
		expiresIn   int
		wantErr     bool
		errContains string
	}{
		{
			name:        "valid token response",
			accessToken: "valid-access-token-123456",
			tokenType:   "Bearer",
			expiresIn:   3600,
		},
		{
			name:        "valid token with empty type (optional field)",
			accessToken: "valid-access-token-123456",
		},
		{
			name:        "lowercase bearer",
			accessToken: "valid-access-token-123456",
			tokenType:   "bearer",
		},
		{
			name:        "empty access token",
			accessToken: "",
			tokenType:   "Bearer",
			expiresIn:   3600,
			wantErr:     true,
			errContains: "access token is empty",
		},
		{
			name:        "negative expires_in",
			accessToken: "valid-access-token-123456",
			tokenType:   "Bearer",
			expiresIn:   -3600,
			wantErr:     true,
			errContains: "expires_in must not be negative",
		},
		{
			name:        "invalid token type",
			accessToken: "valid-access-token-123456",
			tokenType:   "Basic",
			expiresIn:   3600,
			wantErr:     true,
			errContains: "unexpected token_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTokenResponse(tt.accessToken, tt.tokenType, tt.expiresIn)

			if tt.wantErr {
				if err == nil {
					t.Errorf("validateTokenResponse() expected error but got nil")
					return
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf(
						"validateTokenResponse() error = %v, want error containing %q",
						err,
						tt.errContains,
					)
				}
			} else if err != nil {
				t.Errorf("validateTokenResponse() unexpected error = %v", err)
			}
		})
	}
}
