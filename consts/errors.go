package consts

import "errors"

var (
	ErrFormat          = errors.New("malformed request framing")
	ErrProtocol        = errors.New("protocol error")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrBlacklisted     = errors.New("source address is blacklisted")
	ErrUnauthorized    = errors.New("not authenticated")
	ErrNotFound        = errors.New("not found")
	ErrIO              = errors.New("storage i/o failure")
	ErrInvalidUsername = errors.New("invalid username")
	ErrMessageTooLarge = errors.New("message too large")

	ErrServerShuttingDown = errors.New("server is shutting down")
)
