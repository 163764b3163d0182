package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/twmailer/twmailer/helpers"
	"github.com/twmailer/twmailer/logger"
)

// FileAuthenticator reads "username:hash" lines from a file. Blank lines and
// lines starting with '#' are ignored. Hashes use any scheme VerifyPassword
// understands.
type FileAuthenticator struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

func NewFileAuthenticator(path string) (*FileAuthenticator, error) {
	a := &FileAuthenticator{path: path}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the users file. On error the previous contents stay in use.
func (a *FileAuthenticator) Reload() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("failed to open users file: %w", err)
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || hash == "" {
			return fmt.Errorf("%s:%d: expected username:hash", a.path, lineNo)
		}
		if err := helpers.ValidateUsername(user); err != nil {
			return fmt.Errorf("%s:%d: %w", a.path, lineNo, err)
		}
		users[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read users file: %w", err)
	}

	a.mu.Lock()
	a.users = users
	a.mu.Unlock()
	logger.Debug("Auth: loaded users file", "path", a.path, "users", len(users))
	return nil
}

func (a *FileAuthenticator) Authenticate(_ context.Context, username, password string) (bool, error) {
	a.mu.RLock()
	hash, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || password == "" {
		return false, nil
	}

	if err := VerifyPassword(hash, password); err != nil {
		if !errors.Is(err, ErrPasswordMismatch) {
			logger.Warn("Auth: unusable hash in users file", "user", username, "error", err)
		}
		return false, nil
	}
	return true, nil
}

func (a *FileAuthenticator) Close() error { return nil }
