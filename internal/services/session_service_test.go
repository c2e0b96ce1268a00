package services

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khayapay/backend/internal/signing"
)

func setArgonDefaults() {
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("argon2.salt_length", 16)
}

// testLoginKey builds a server login key as stored in login_keys.
func testLoginKey(t *testing.T) (privB64, x, y string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	d := make([]byte, 32)
	priv.D.FillBytes(d)
	x, y = signing.EncodePublicKey(&priv.PublicKey)
	return base64.StdEncoding.EncodeToString(d), x, y
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestPasswordHashRoundTrip(t *testing.T) {
	setArgonDefaults()

	hashed, err := hashPassword("correct horse battery")
	require.NoError(t, err)
	assert.True(t, verifyPassword("correct horse battery", hashed))
	assert.False(t, verifyPassword("wrong password", hashed))
	assert.False(t, verifyPassword("correct horse battery", "not$avalidhash"))
}

func TestChallengeIssuesSignedNonce(t *testing.T) {
	setArgonDefaults()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hashed, err := hashPassword("secret123")
	require.NoError(t, err)
	privB64, x, y := testLoginKey(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT password FROM users WHERE email = $1`)).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"password"}).AddRow(hashed))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT x, y, private_key FROM login_keys LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"x", "y", "private_key"}).AddRow(x, y, privB64))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO login_signatures`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	svc := NewSessionService(db, nil)
	rec := postJSON(t, svc.Challenge, "/auth/challenge",
		ChallengeRequest{Email: "alice@example.com", Password: "secret123"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, signing.VerifyChallenge(resp["nonce"], resp["signature"], x, y))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRejectsWrongPassword(t *testing.T) {
	setArgonDefaults()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hashed, err := hashPassword("secret123")
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT password FROM users WHERE email = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"password"}).AddRow(hashed))

	svc := NewSessionService(db, nil)
	rec := postJSON(t, svc.Challenge, "/auth/challenge",
		ChallengeRequest{Email: "alice@example.com", Password: "guessed"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginMintsToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	privB64, x, y := testLoginKey(t)
	nonce := "server-nonce"
	challengeSig, err := signing.SignChallenge(privB64, nonce)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nonce, used FROM login_signatures WHERE email = $1 AND signature = $2`)).
		WithArgs("alice@example.com", challengeSig).
		WillReturnRows(sqlmock.NewRows([]string{"nonce", "used"}).AddRow(nonce, false))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT x, y FROM login_keys LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"x", "y"}).AddRow(x, y))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO tokens`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE login_signatures SET used = true`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewSessionService(db, nil)
	rec := postJSON(t, svc.Login, "/auth/login", LoginRequest{
		Email:     "alice@example.com",
		Serial:    "device-serial-001",
		Expiry:    4102444800,
		Signature: challengeSig,
		X:         "deviceX",
		Y:         "deviceY",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	token, _ := resp["token"].(string)
	assert.Len(t, token, 64)
	assert.NotContains(t, rec.Body.String(), "device-serial-001")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginRejectsUsedChallenge(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nonce, used FROM login_signatures`)).
		WillReturnRows(sqlmock.NewRows([]string{"nonce", "used"}).AddRow("nonce", true))

	svc := NewSessionService(db, nil)
	rec := postJSON(t, svc.Login, "/auth/login", LoginRequest{
		Email:     "alice@example.com",
		Serial:    "s",
		Expiry:    4102444800,
		Signature: "somesig",
		X:         "x",
		Y:         "y",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginRejectsConcurrentChallengeUse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	privB64, x, y := testLoginKey(t)
	nonce := "server-nonce"
	challengeSig, err := signing.SignChallenge(privB64, nonce)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nonce, used FROM login_signatures`)).
		WillReturnRows(sqlmock.NewRows([]string{"nonce", "used"}).AddRow(nonce, false))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT x, y FROM login_keys LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"x", "y"}).AddRow(x, y))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO tokens`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// Another login marked the challenge used between the read and here.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE login_signatures SET used = true`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	svc := NewSessionService(db, nil)
	rec := postJSON(t, svc.Login, "/auth/login", LoginRequest{
		Email:     "alice@example.com",
		Serial:    "s",
		Expiry:    4102444800,
		Signature: challengeSig,
		X:         "x",
		Y:         "y",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogoutRevokesTokensAndKeepsUsedSignatures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sess := newSignedSession(t, "logouttoken", "logoutnonce")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token, email, expiry, serial_hash, x, y FROM tokens WHERE token = $1`)).
		WithArgs(sess.token).
		WillReturnRows(sqlmock.NewRows([]string{"token", "email", "expiry", "serial_hash", "x", "y"}).
			AddRow(sess.token, "alice@example.com", 0, "hash", sess.x, sess.y))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM used_signatures`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token FROM tokens WHERE email = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow(sess.token).AddRow("othertoken"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tokens WHERE email = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO used_signatures`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	svc := NewSessionService(db, nil)
	rec := postJSON(t, svc.Logout, "/auth/logout", LogoutRequest{
		Token:     sess.token,
		Nonce:     sess.nonce,
		Signature: sess.signature,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "logout_complete")
	assert.NoError(t, mock.ExpectationsWereMet())
}
