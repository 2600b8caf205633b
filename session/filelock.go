package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
)

const (
	lockWait       = 5 * time.Second
	lockPollDelay  = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// errLockTimeout is returned when another holder keeps the lock for longer
// than lockWait.
var errLockTimeout = errors.New("timeout waiting for token file lock")

// tokenLock is an exclusive lock on a token file, held through a sibling
// ".lock" file so that concurrent processes do not interleave writes.
type tokenLock struct {
	path string
	file *os.File
}

// lockTokenFile takes the lock for path. It polls until the lock is free,
// lockWait has passed or ctx is done. A lock file older than lockStaleAfter
// belongs to a crashed holder and is removed.
func lockTokenFile(ctx context.Context, path string) (*tokenLock, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, lockWait, errLockTimeout)
	defer cancel()

	lockPath := path + ".lock"
	poll := time.NewTimer(lockPollDelay)
	defer poll.Stop()

	for {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock %s: %w", lockPath, context.Cause(ctx))
		}

		l, err := tryLock(lockPath)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		stale, err := removeStaleLock(lockPath)
		if err != nil {
			return nil, err
		}
		if stale {
			continue
		}

		poll.Reset(lockPollDelay)
		select {
		case <-ctx.Done():
		case <-poll.C:
		}
	}
}

func tryLock(lockPath string) (*tokenLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	// owner pid, for whoever finds a stuck lock
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return &tokenLock{path: lockPath, file: f}, nil
}

func removeStaleLock(lockPath string) (bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil || time.Since(info.ModTime()) <= lockStaleAfter {
		return false, nil
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, err)
	}
	return true, nil
}

// unlock closes and removes the lock file. A second call reports
// fs.ErrNotExist.
func (l *tokenLock) unlock() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}
