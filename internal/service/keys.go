package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func hashToken(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:16])
}

func normalizeToken(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "none"
	}
	return v
}
