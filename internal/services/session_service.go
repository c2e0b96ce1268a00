package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/khayapay/backend/internal/models"
	"github.com/khayapay/backend/internal/signing"
)

// SessionService implements the login protocol: the password step mints a
// server-signed one-time challenge, and /auth/login exchanges that challenge
// for an opaque session token bound to the device public key presented.
type SessionService struct {
	db         *sql.DB
	tokens     *TokenStore
	guard      *ReplayGuard
	validation *ValidationHelper
}

// ChallengeRequest starts a login: password first, token later.
type ChallengeRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// LoginRequest exchanges a server-signed challenge for a session token.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Serial    string `json:"serial" validate:"required"`
	Expiry    int64  `json:"expiry" validate:"required,gt=0"`
	Signature string `json:"signature" validate:"required"`
	X         string `json:"x" validate:"required"`
	Y         string `json:"y" validate:"required"`
}

// LogoutRequest carries the usual guarded-operation triple.
type LogoutRequest struct {
	Token     string `json:"token" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func NewSessionService(db *sql.DB, redisClient *redis.Client) *SessionService {
	tokens := NewTokenStore(db, redisClient)
	return &SessionService{
		db:         db,
		tokens:     tokens,
		guard:      NewReplayGuard(tokens),
		validation: NewValidationHelper(),
	}
}

// Tokens exposes the store for the middleware and sibling services.
func (s *SessionService) Tokens() *TokenStore { return s.tokens }

// Guard exposes the replay guard for sibling services.
func (s *SessionService) Guard() *ReplayGuard { return s.guard }

// Challenge verifies the account password and mints a one-time login
// authorization signed with the server login key.
// @Summary Obtain a login challenge
// @Tags auth
// @Accept json
// @Produce json
// @Param request body ChallengeRequest true "Challenge request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/challenge [post]
func (s *SessionService) Challenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !s.decode(w, r, &req) {
		return
	}

	var hashedPassword string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT password FROM users WHERE email = $1`, strings.ToLower(req.Email)).
		Scan(&hashedPassword)
	if err != nil {
		log.Printf("[AUTH] Challenge for unknown account: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	var keyX, keyY, keyPriv string
	err = s.db.QueryRowContext(r.Context(),
		`SELECT x, y, private_key FROM login_keys LIMIT 1`).Scan(&keyX, &keyY, &keyPriv)
	if err != nil {
		log.Printf("[AUTH] Login key unavailable: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	nonceBytes := make([]byte, 16)
	if _, err := cryptorand.Read(nonceBytes); err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	nonce := base64.StdEncoding.EncodeToString(nonceBytes)

	signature, err := signing.SignChallenge(keyPriv, nonce)
	if err != nil {
		log.Printf("[AUTH] Challenge signing failed: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	_, err = s.db.ExecContext(r.Context(),
		`INSERT INTO login_signatures (email, signature, nonce, used) VALUES ($1, $2, $3, false)`,
		strings.ToLower(req.Email), signature, nonce)
	if err != nil {
		log.Printf("[AUTH] Failed to persist login challenge for %s: %v", req.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login challenge issued for %s", req.Email)
	SendJSON(w, http.StatusOK, map[string]string{
		"signature": signature,
		"nonce":     nonce,
	})
}

// Login consumes a challenge and mints a session token. Exactly one token
// row is created and exactly one challenge is marked used, in one
// transaction; every failure leaves no trace.
// @Summary Exchange a login challenge for a session token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} models.Session
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /auth/login [post]
func (s *SessionService) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	email := strings.ToLower(req.Email)

	var nonce string
	var used bool
	err := s.db.QueryRowContext(r.Context(),
		`SELECT nonce, used FROM login_signatures WHERE email = $1 AND signature = $2`,
		email, req.Signature).Scan(&nonce, &used)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, ErrChallengeNotFound.Error(), http.StatusForbidden, nil)
		return
	}
	if err != nil {
		log.Printf("[AUTH] Challenge lookup failed for %s: %v", email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	if used {
		SendErrorResponse(w, ErrChallengeUsed.Error(), http.StatusForbidden, nil)
		return
	}

	var keyX, keyY string
	if err := s.db.QueryRowContext(r.Context(),
		`SELECT x, y FROM login_keys LIMIT 1`).Scan(&keyX, &keyY); err != nil {
		log.Printf("[AUTH] Login key unavailable: %v", err)
		SendErrorResponse(w, "Public key not found", http.StatusInternalServerError, nil)
		return
	}

	if !signing.VerifyChallenge(nonce, req.Signature, keyX, keyY) {
		SendErrorResponse(w, ErrBadSignature.Error(), http.StatusForbidden, nil)
		return
	}

	token, err := generateToken()
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	serialHash := hashSerial(req.Serial)

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(r.Context(),
		`INSERT INTO tokens (token, email, expiry, serial_hash, x, y, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		token, email, req.Expiry, serialHash, req.X, req.Y)
	if err != nil {
		log.Printf("[AUTH] Token insert failed for %s: %v", email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	res, err := tx.ExecContext(r.Context(),
		`UPDATE login_signatures SET used = true WHERE email = $1 AND signature = $2 AND used = false`,
		email, req.Signature)
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		// Lost a race against a concurrent login using the same challenge.
		SendErrorResponse(w, ErrChallengeUsed.Error(), http.StatusForbidden, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[AUTH] Login commit failed for %s: %v", email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Session token issued for %s", email)
	SendJSON(w, http.StatusOK, models.Session{
		Token:      token,
		Email:      email,
		Expiry:     req.Expiry,
		SerialHash: serialHash,
		X:          req.X,
		Y:          req.Y,
	})
}

// Logout is a guarded operation: the signature is verified and consumed in
// the same transaction that deletes the account's tokens. Used signatures
// are kept; deleting them would re-open old signatures for replay.
// @Summary Log out and revoke all session tokens
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LogoutRequest true "Logout request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /auth/logout [post]
func (s *SessionService) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	session, err := s.guard.Authorize(ctx, tx, req.Token, req.Nonce, req.Signature)
	if err != nil {
		writeGuardError(w, err)
		return
	}

	revoked, err := collectTokens(ctx, tx, session.Email)
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE email = $1`, session.Email); err != nil {
		log.Printf("[AUTH] Token revocation failed for %s: %v", session.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	if err := s.guard.Consume(ctx, tx, session.Email, req.Signature); err != nil {
		writeGuardError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	s.tokens.Invalidate(ctx, revoked)
	log.Printf("[AUTH] Logged out %s, revoked %d token(s)", session.Email, len(revoked))
	SendJSON(w, http.StatusOK, map[string]string{"message": "logout_complete"})
}

// CheckToken reports whether the bearer token presented to the middleware is
// live. The middleware has already resolved it; reaching here means yes.
// @Summary Check a session token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 401 {object} ErrorResponse
// @Router /auth/token [get]
func (s *SessionService) CheckToken(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"email":  session.Email,
		"expiry": session.Expiry,
	})
}

func (s *SessionService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := s.validation.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func collectTokens(ctx context.Context, tx *sql.Tx, email string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT token FROM tokens WHERE email = $1`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func writeGuardError(w http.ResponseWriter, err error) {
	switch err {
	case ErrTokenNotFound:
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case ErrTokenExpired, ErrBadSignature:
		SendErrorResponse(w, err.Error(), http.StatusUnauthorized, nil)
	case ErrSignatureUsed:
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	default:
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
	}
}

// generateToken returns a 64-hex-character high-entropy opaque token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := cryptorand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashSerial hashes the device serial; the clear serial is never stored.
func hashSerial(serial string) string {
	sum := sha256.Sum256([]byte(serial))
	return hex.EncodeToString(sum[:])
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}
