package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrHandshakeNotFound = errors.New("oauth handshake not found")
	ErrExportJobNotFound = errors.New("export job not found")
	ErrNonPositiveTTL    = errors.New("ttl must be positive")
)
