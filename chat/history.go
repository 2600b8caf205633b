package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// History keeps the finalized messages of the last chat in a JSON file.
type History struct {
	path string
}

// NewHistory creates a History stored at path.
func NewHistory(path string) *History {
	return &History{path: path}
}

// Path returns the history file path.
func (h *History) Path() string {
	return h.path
}

// Load reads the saved messages. A missing file is an empty history; an
// unreadable one returns the error with an empty history.
func (h *History) Load() ([]Message, error) {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chat history: %w", err)
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to parse chat history: %w", err)
	}
	return msgs, nil
}

// Save replaces the saved history with the final messages of msgs.
func (h *History) Save(msgs []Message) error {
	final := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Final {
			m.ID = len(final)
			final = append(final, m)
		}
	}

	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal chat history: %w", err)
	}

	if dir := filepath.Dir(h.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	tempFile := h.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, h.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Clear removes the saved history.
func (h *History) Clear() error {
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove chat history: %w", err)
	}
	return nil
}
