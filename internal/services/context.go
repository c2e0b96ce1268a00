package services

import (
	"context"

	"github.com/khayapay/backend/internal/models"
)

type contextKey string

const sessionContextKey contextKey = "session"

// WithSession stores the resolved session on the request context.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session the auth middleware resolved.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*models.Session)
	return session, ok
}
