package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// StaticKeys validates against a fixed set of API keys. Only key hashes are
// held in memory.
type StaticKeys struct {
	callers map[string]string
}

// NewStaticKeys takes a map of API key to caller ID.
func NewStaticKeys(keys map[string]string) *StaticKeys {
	s := &StaticKeys{callers: make(map[string]string, len(keys))}
	for key, caller := range keys {
		s.callers[HashKey(key)] = caller
	}
	return s
}

func (s *StaticKeys) ValidateCredential(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", unauthorized("missing credential")
	}
	caller, ok := s.callers[HashKey(token)]
	if !ok {
		return "", unauthorized("unknown api key")
	}
	return caller, nil
}

func (s *StaticKeys) Len() int { return len(s.callers) }

// HashKey is the hex sha256 of an API key, as stored by every key backend.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
