package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khayapay/backend/internal/solana"
)

const (
	testPubkey = "DepositAddr1111111111111111111111111111111"
	testPhone  = "27821000001"
)

func depositTxJSON(destATA, amount string) string {
	return `{
		"meta": {
			"err": null,
			"preTokenBalances": [{"accountIndex":1,"mint":"` + solana.ZARPMint + `","owner":"` + testPubkey + `","uiTokenAmount":{"amount":"0","decimals":6}}],
			"postTokenBalances": [{"accountIndex":1,"mint":"` + solana.ZARPMint + `","owner":"` + testPubkey + `","uiTokenAmount":{"amount":"` + amount + `","decimals":6}}],
			"innerInstructions": []
		},
		"transaction": {"message": {
			"accountKeys": [{"pubkey":"feePayer"},{"pubkey":"` + destATA + `"}],
			"instructions": [{
				"program": "spl-token",
				"programId": "` + solana.Token2022Program + `",
				"parsed": {"type":"transferChecked","info":{"source":"src","destination":"` + destATA + `","mint":"` + solana.ZARPMint + `","authority":"auth","tokenAmount":{"amount":"` + amount + `","decimals":6}}}
			}]
		}}
	}`
}

func chainStub(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		key := req.Method
		switch req.Method {
		case "getTransaction":
			var sig string
			require.NoError(t, json.Unmarshal(req.Params[0], &sig))
			key = "getTransaction:" + sig
		case "getSignaturesForAddress":
			var opts map[string]any
			require.NoError(t, json.Unmarshal(req.Params[1], &opts))
			if before, ok := opts["before"].(string); ok {
				key = "getSignaturesForAddress:before=" + before
			}
		}
		body, ok := responses[key]
		require.True(t, ok, "no stub for %s", key)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + body + `}`))
	}))
}

func TestRunCreditsNewDeposit(t *testing.T) {
	server := chainStub(t, map[string]string{
		"getSignaturesForAddress": `[{"signature":"sigDEP","slot":100,"err":null}]`,
		"getTransaction:sigDEP":   depositTxJSON("userATA", "2500000"),
	})
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pubkey, phone_number FROM solana_addresses`)).
		WillReturnRows(sqlmock.NewRows([]string{"pubkey", "phone_number"}).AddRow(testPubkey, testPhone))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_signature FROM scan_watermarks WHERE scope = $1`)).
		WithArgs(testPubkey).
		WillReturnError(errNoRows())
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM zarp_deposits WHERE transaction_id = $1)`)).
		WithArgs("sigDEP").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO zarp_deposits`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance FROM zarp_balances WHERE phone_number = $1 FOR UPDATE`)).
		WithArgs(testPhone).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("10.00"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE zarp_balances SET balance = balance + $1 WHERE phone_number = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO zarp_transactions`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scan_watermarks`)).
		WithArgs(testPubkey, "sigDEP").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := New(db, solana.NewClientWithURL(server.URL))
	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkipsRecordedDeposit(t *testing.T) {
	server := chainStub(t, map[string]string{
		"getSignaturesForAddress": `[{"signature":"sigOLD","slot":90,"err":null}]`,
	})
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pubkey, phone_number FROM solana_addresses`)).
		WillReturnRows(sqlmock.NewRows([]string{"pubkey", "phone_number"}).AddRow(testPubkey, testPhone))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_signature FROM scan_watermarks`)).
		WillReturnRows(sqlmock.NewRows([]string{"last_signature"}).AddRow("sigWM"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	// Already recorded, the watermark still moves past it.
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scan_watermarks`)).
		WithArgs(testPubkey, "sigOLD").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := New(db, solana.NewClientWithURL(server.URL))
	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkipsFailedChainTransaction(t *testing.T) {
	server := chainStub(t, map[string]string{
		"getSignaturesForAddress": `[{"signature":"sigFAIL","slot":95,"err":{"InstructionError":[0,"Custom"]}}]`,
	})
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pubkey, phone_number FROM solana_addresses`)).
		WillReturnRows(sqlmock.NewRows([]string{"pubkey", "phone_number"}).AddRow(testPubkey, testPhone))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_signature FROM scan_watermarks`)).
		WillReturnError(errNoRows())
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scan_watermarks`)).
		WithArgs(testPubkey, "sigFAIL").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := New(db, solana.NewClientWithURL(server.URL))
	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWatermarkStaysBehindFailedCredit(t *testing.T) {
	// Two deposits; the credit for the older one fails, so the watermark
	// must not advance at all even though the newer one succeeds.
	server := chainStub(t, map[string]string{
		"getSignaturesForAddress": `[{"signature":"sigNEW","slot":200,"err":null},{"signature":"sigBROKE","slot":100,"err":null}]`,
		"getTransaction:sigBROKE": depositTxJSON("userATA", "1000000"),
		"getTransaction:sigNEW":   depositTxJSON("userATA", "2000000"),
	})
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pubkey, phone_number FROM solana_addresses`)).
		WillReturnRows(sqlmock.NewRows([]string{"pubkey", "phone_number"}).AddRow(testPubkey, testPhone))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_signature FROM scan_watermarks`)).
		WillReturnError(errNoRows())

	// Oldest first: sigBROKE credit fails at Begin.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("sigBROKE").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	// sigNEW still processes and credits.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("sigNEW").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO zarp_deposits`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.00"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE zarp_balances`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO zarp_transactions`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// No scan_watermarks write expected.

	r := New(db, solana.NewClientWithURL(server.URL))
	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPagesThroughLargeBursts(t *testing.T) {
	// More new signatures than one page holds. The scan must keep paging
	// below the oldest signature seen, or the oldest deposit would never
	// be fetched and the watermark would jump past it.
	server := chainStub(t, map[string]string{
		"getSignaturesForAddress":             `[{"signature":"sig3","slot":300,"err":null},{"signature":"sig2","slot":200,"err":null}]`,
		"getSignaturesForAddress:before=sig2": `[{"signature":"sig1","slot":100,"err":null}]`,
	})
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pubkey, phone_number FROM solana_addresses`)).
		WillReturnRows(sqlmock.NewRows([]string{"pubkey", "phone_number"}).AddRow(testPubkey, testPhone))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_signature FROM scan_watermarks`)).
		WillReturnError(errNoRows())

	// Oldest first across both pages, sig1 included.
	for _, sig := range []string{"sig1", "sig2", "sig3"} {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
			WithArgs(sig).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scan_watermarks`)).
		WithArgs(testPubkey, "sig3").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := New(db, solana.NewClientWithURL(server.URL))
	r.pageLimit = 2
	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func errNoRows() error { return sql.ErrNoRows }
