package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/khayapay/backend/internal/models"
)

// TokenStore resolves opaque session tokens to the identity and device key
// bound at login. Redis acts as a read-through cache; the tokens table is
// authoritative. Token rows are immutable so cached entries only ever go
// stale by expiring.
type TokenStore struct {
	db    *sql.DB
	redis *redis.Client
}

func NewTokenStore(db *sql.DB, redisClient *redis.Client) *TokenStore {
	return &TokenStore{db: db, redis: redisClient}
}

func tokenCacheKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// Resolve returns the session for a token, or ErrTokenNotFound /
// ErrTokenExpired.
func (ts *TokenStore) Resolve(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	if ts.redis != nil {
		if cached, err := ts.redis.Get(ctx, tokenCacheKey(token)).Result(); err == nil {
			var session models.Session
			if err := json.Unmarshal([]byte(cached), &session); err == nil {
				return checkExpiry(&session)
			}
		}
	}

	var session models.Session
	err := ts.db.QueryRowContext(ctx,
		`SELECT token, email, expiry, serial_hash, x, y FROM tokens WHERE token = $1`,
		token).Scan(&session.Token, &session.Email, &session.Expiry, &session.SerialHash, &session.X, &session.Y)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	ts.cache(ctx, &session)
	return checkExpiry(&session)
}

func (ts *TokenStore) cache(ctx context.Context, session *models.Session) {
	if ts.redis == nil {
		return
	}
	ttl := time.Until(time.Unix(session.Expiry, 0))
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := ts.redis.Set(ctx, tokenCacheKey(session.Token), payload, ttl).Err(); err != nil {
		log.Printf("[AUTH] Failed to cache session token: %v", err)
	}
}

// Invalidate drops cached entries for the given tokens, used on logout.
func (ts *TokenStore) Invalidate(ctx context.Context, tokens []string) {
	if ts.redis == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = tokenCacheKey(t)
	}
	if err := ts.redis.Del(ctx, keys...).Err(); err != nil {
		log.Printf("[AUTH] Failed to invalidate session cache: %v", err)
	}
}

func checkExpiry(session *models.Session) (*models.Session, error) {
	if session.Expiry > 0 && time.Now().Unix() > session.Expiry {
		return nil, ErrTokenExpired
	}
	return session, nil
}
