package services

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/khayapay/backend/internal/models"
	"github.com/khayapay/backend/internal/signing"
)

// ReplayGuard gates every privileged operation: a token must resolve, the
// (email, signature) pair must be fresh, and the signature must verify over
// token:nonce under the session's device key.
//
// Authorize only checks; Consume inserts the pair into used_signatures and
// must run inside the same sql.Tx as the mutation it authorizes. Committing
// the pair earlier would burn a signature without performing the action if
// the process dies in between.
type ReplayGuard struct {
	tokens *TokenStore
}

func NewReplayGuard(tokens *TokenStore) *ReplayGuard {
	return &ReplayGuard{tokens: tokens}
}

// Authorize validates the three preconditions and returns the session
// identity. The used-signature read goes through tx so it observes rows
// written earlier in the same transaction.
func (g *ReplayGuard) Authorize(ctx context.Context, tx *sql.Tx, token, nonce, signature string) (*models.Session, error) {
	session, err := g.tokens.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM used_signatures WHERE email = $1 AND signature = $2`,
		session.Email, signature).Scan(&exists)
	if err == nil {
		return nil, ErrSignatureUsed
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if !signing.VerifySession(token, nonce, signature, session.X, session.Y) {
		return nil, ErrBadSignature
	}

	return session, nil
}

// Consume records the signature as spent. The used_signatures primary key
// settles the race between two concurrent requests carrying the same pair:
// exactly one insert commits, the loser gets ErrSignatureUsed and its whole
// unit rolls back.
func (g *ReplayGuard) Consume(ctx context.Context, tx *sql.Tx, email, signature string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO used_signatures (email, signature) VALUES ($1, $2)`,
		email, signature)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrSignatureUsed
	}
	return err
}
