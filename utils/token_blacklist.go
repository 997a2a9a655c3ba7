package utils

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	revoked   = map[string]time.Time{}
	revokedMu sync.Mutex
)

// tokenKey avoids storing bearer tokens verbatim.
func tokenKey(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return "jwt:revoked:" + hex.EncodeToString(sum[:])
}

// RevokeToken marks token unusable until its natural expiry.
func RevokeToken(token string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	key := tokenKey(token)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rc.Set(ctx, key, "1", ttl).Err(); err == nil {
			return
		}
	}
	revokedMu.Lock()
	revoked[key] = expiresAt
	revokedMu.Unlock()
}

// IsTokenRevoked reports whether token was revoked before expiry. Redis
// errors fail open so an outage does not lock every user out.
func IsTokenRevoked(token string) bool {
	key := tokenKey(token)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := rc.Exists(ctx, key).Result(); err == nil && n > 0 {
			return true
		}
	}
	revokedMu.Lock()
	defer revokedMu.Unlock()
	exp, ok := revoked[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(revoked, key)
		return false
	}
	return true
}
