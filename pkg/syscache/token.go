package syscache

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager issues and validates short-lived join tokens gating
// admission of a new node into the topology (spec §4.2's "cluster
// membership... invoked through narrow interfaces" boundary: this
// package decides whether to admit, not how the node physically
// contacts the leader).
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

// JoinToken authorizes one node to join the cluster within a time window.
type JoinToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// GenerateToken issues a new token valid for duration.
func (tm *TokenManager) GenerateToken(duration time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("syscache: generate token: %w", err)
	}

	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()

	return jt, nil
}

// ValidateToken reports whether token is currently valid.
func (tm *TokenManager) ValidateToken(token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, ok := tm.tokens[token]
	if !ok {
		return fmt.Errorf("syscache: invalid join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return fmt.Errorf("syscache: join token expired")
	}
	return nil
}

// RevokeToken invalidates token immediately.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens drops every token past its expiry.
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
