package consts

import "time"

const (
	DefaultMaxLoginAttempts = 3
	DefaultBlacklistWindow  = 60 * time.Second

	MaxSubjectLength  = 80
	MaxUsernameLength = 64

	DefaultMaxRequestSize = 1 << 20
	DefaultMaxLineLength  = 1024
)
