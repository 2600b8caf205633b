package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// storedToken is the on-disk form of one profile's tokens.
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// tokenFile holds tokens for several profiles; key = profile.
type tokenFile struct {
	Profiles map[string]*storedToken `json:"profiles"`
}

// FileBackend stores tokens in a JSON file shared by several profiles.
// Writes are atomic and guarded by a lock file.
type FileBackend struct {
	path    string
	profile string
}

// NewFileBackend returns a FileBackend for profile stored at path.
func NewFileBackend(path, profile string) *FileBackend {
	return &FileBackend{path: path, profile: profile}
}

// Path returns the token file location.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Load(_ context.Context) (*oauth2.Token, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	st, ok := tf.Profiles[f.profile]
	if !ok || st == nil {
		return nil, nil
	}
	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
		Expiry:       st.ExpiresAt,
	}, nil
}

func (f *FileBackend) Save(ctx context.Context, token *oauth2.Token) error {
	return f.update(ctx, func(tf *tokenFile) {
		if token == nil {
			delete(tf.Profiles, f.profile)
			return
		}
		tf.Profiles[f.profile] = &storedToken{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			TokenType:    token.TokenType,
			ExpiresAt:    token.Expiry,
		}
	})
}

func (f *FileBackend) Clear(ctx context.Context) error {
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return f.update(ctx, func(tf *tokenFile) {
		delete(tf.Profiles, f.profile)
	})
}

// update applies fn to the token file under the file lock, preserving the
// entries of other profiles. Waiting for the lock ends with ctx.
func (f *FileBackend) update(ctx context.Context, fn func(*tokenFile)) (err error) {
	lock, err := lockTokenFile(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.unlock(); releaseErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release lock: %w", releaseErr))
		}
	}()

	var tf tokenFile
	if existing, err := os.ReadFile(f.path); err == nil {
		// a corrupt file is replaced rather than blocking every future login
		if unmarshalErr := json.Unmarshal(existing, &tf); unmarshalErr != nil {
			tf.Profiles = nil
		}
	}
	if tf.Profiles == nil {
		tf.Profiles = make(map[string]*storedToken)
	}

	fn(&tf)

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
