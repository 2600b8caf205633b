package session

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// MemoryBackend keeps tokens for the lifetime of the process.
type MemoryBackend struct {
	mu    sync.Mutex
	token *oauth2.Token
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(_ context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, nil
	}
	t := *m.token
	return &t, nil
}

func (m *MemoryBackend) Save(_ context.Context, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == nil {
		m.token = nil
		return nil
	}
	t := *token
	m.token = &t
	return nil
}

func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	return nil
}
