package services

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newPaymentForTest() *PaymentService {
	return NewPaymentService(nil, nil, nil, nil)
}

func postRaw(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/wallet/transfer", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestTransferRejectsUnknownFields(t *testing.T) {
	p := newPaymentForTest()
	rec := postRaw(p.Transfer, `{"token":"t","nonce":"n","signature":"s","receiver_phone_number":"27831000002","amount":"10","surprise":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferRejectsTrailingJSON(t *testing.T) {
	p := newPaymentForTest()
	rec := postRaw(p.Transfer, `{"token":"t","nonce":"n","signature":"s","receiver_phone_number":"27831000002","amount":"10"}{"again":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "single JSON object")
}

func TestTransferRejectsMissingFields(t *testing.T) {
	p := newPaymentForTest()
	rec := postRaw(p.Transfer, `{"token":"t"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferRejectsOversizedBody(t *testing.T) {
	p := newPaymentForTest()
	huge := `{"token":"` + strings.Repeat("a", 2_000_000) + `"}`
	rec := postRaw(p.Transfer, huge)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwapRejectsUnknownDirection(t *testing.T) {
	p := newPaymentForTest()
	rec := postRaw(p.Swap, `{"token":"t","nonce":"n","signature":"s","direction":"sideways","amount_zar":"10","amount_sats":1000,"price":1000000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
