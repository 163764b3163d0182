package testutils

import (
	"context"
	"sync"
)

// StaticAuthenticator accepts a fixed set of username/password pairs.
type StaticAuthenticator struct {
	mu    sync.Mutex
	users map[string]string
	err   error
	calls int
}

func NewStaticAuthenticator(users map[string]string) *StaticAuthenticator {
	copied := make(map[string]string, len(users))
	for u, p := range users {
		copied[u] = p
	}
	return &StaticAuthenticator{users: copied}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, username, password string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return false, a.err
	}
	want, ok := a.users[username]
	return ok && password != "" && want == password, nil
}

// SetError makes every following call fail with err (nil to restore).
func (a *StaticAuthenticator) SetError(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// Calls returns how many times Authenticate ran.
func (a *StaticAuthenticator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *StaticAuthenticator) Close() error { return nil }
