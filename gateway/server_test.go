package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowd/attestation"
	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/crypto"
	"escrowd/native/escrow"
)

type stubAttester struct {
	mu      sync.Mutex
	nextID  uint64
	err     error
	records []attestation.Record
}

func (s *stubAttester) Attest(_ context.Context, record attestation.Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.records = append(s.records, record)
	s.nextID++
	return s.nextID, nil
}

type gatewayFixture struct {
	router   http.Handler
	engine   *escrow.Engine
	ledger   *state.Manager
	attester *stubAttester
	customer APIKeyCredential
	shipper  APIKeyCredential
	nonce    int
}

func fixedAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	return newGatewayFixtureWithLimiter(t, nil)
}

func newGatewayFixtureWithLimiter(t *testing.T, limiter *RateLimiter) *gatewayFixture {
	t.Helper()

	ledger := state.NewManager()
	attester := &stubAttester{nextID: 41}
	engine, err := escrow.NewEngine(ledger, attester)
	require.NoError(t, err)
	engine.SetNowFunc(func() int64 { return authNow.Unix() })

	feed := events.NewFeed(32)
	engine.SetEmitter(feed)

	customer := testCredential(t, "customer-key", 0x01)
	shipper := testCredential(t, "shipper-key", 0x02)
	auth, err := NewAuthenticator([]APIKeyCredential{customer, shipper}, "jwt-secret", time.Minute, func() time.Time { return authNow })
	require.NoError(t, err)

	var schema [32]byte
	for i := range schema {
		schema[i] = 0xBB
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := NewServer(engine, ledger, feed, auth, limiter, logger, fixedAddress(0xAA), schema)
	require.NoError(t, err)

	return &gatewayFixture{
		router:   server.Router(),
		engine:   engine,
		ledger:   ledger,
		attester: attester,
		customer: customer,
		shipper:  shipper,
	}
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *gatewayFixture) signed(t *testing.T, cred APIKeyCredential, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	f.nonce++
	headers := signedHeaders(t, cred, authNow, fmt.Sprintf("nonce-%d", f.nonce), method, path, body)
	return f.do(t, method, path, body, headers)
}

func (f *gatewayFixture) operator(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + operatorToken(t, "jwt-secret", "operator"),
	})
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *gatewayFixture) createEscrow(t *testing.T) string {
	t.Helper()
	rec := f.operator(t, http.MethodPost, "/v1/escrows", []byte(`{"salt":"order-77"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[map[string]string](t, rec)["id"]
}

func (f *gatewayFixture) fund(t *testing.T, addr [20]byte, amount string) {
	t.Helper()
	bech := crypto.AddressFromBytes(addr).String()
	rec := f.operator(t, http.MethodPost, "/v1/accounts/"+bech+"/fund", []byte(fmt.Sprintf(`{"amount":%q}`, amount)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGatewayLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.createEscrow(t)
	f.fund(t, fixedAddress(0x01), "500")

	initBody := []byte(fmt.Sprintf(`{"shipper":%q,"amount":"100"}`, crypto.AddressFromBytes(fixedAddress(0x02)).String()))
	rec := f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/initialize", initBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/escrows/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeJSON[escrow.Snapshot](t, rec)
	require.True(t, snap.Initialized)
	require.Equal(t, "100", snap.Amount)
	require.False(t, snap.ShipmentConfirmed)

	rec = f.signed(t, f.shipper, http.MethodPost, "/v1/escrows/"+id+"/confirm-shipment", []byte(`{"proof":"picked up at warehouse"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(42), decodeJSON[map[string]uint64](t, rec)["proofId"])

	rec = f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/confirm-receipt", []byte(`{"proof":"delivered intact"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(43), decodeJSON[map[string]uint64](t, rec)["proofId"])

	require.Equal(t, "100", f.ledger.Balance(fixedAddress(0x02)).String())
	require.Equal(t, "400", f.ledger.Balance(fixedAddress(0x01)).String())

	rec = f.do(t, http.MethodGet, "/v1/escrows/"+id, nil, nil)
	snap = decodeJSON[escrow.Snapshot](t, rec)
	require.False(t, snap.Initialized, "escrow must reset after release")

	rec = f.do(t, http.MethodGet, "/v1/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeJSON[[]events.Entry](t, rec)
	require.Len(t, entries, 4)
	require.Equal(t, escrow.EventTypeInitialized, entries[0].Event.Type)
	require.Equal(t, escrow.EventTypeShipmentConfirmed, entries[1].Event.Type)
	require.Equal(t, escrow.EventTypeReceiptConfirmed, entries[2].Event.Type)
	require.Equal(t, escrow.EventTypeFundsReleased, entries[3].Event.Type)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/events?after=%d&limit=2", entries[1].Sequence), nil, nil)
	tail := decodeJSON[[]events.Entry](t, rec)
	require.Len(t, tail, 2)
	require.Equal(t, escrow.EventTypeReceiptConfirmed, tail[0].Event.Type)
}

func TestGatewayRejectsUnsignedMutation(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.createEscrow(t)

	rec := f.do(t, http.MethodPost, "/v1/escrows/"+id+"/initialize", []byte(`{}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayRejectsTamperedSignature(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.createEscrow(t)

	path := "/v1/escrows/" + id + "/confirm-shipment"
	headers := signedHeaders(t, f.shipper, authNow, "nonce-x", http.MethodPost, path, []byte(`{"proof":"a"}`))
	rec := f.do(t, http.MethodPost, path, []byte(`{"proof":"b"}`), headers)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayOperatorRequired(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/escrows", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/escrows", nil, map[string]string{
		"Authorization": "Bearer " + operatorToken(t, "jwt-secret", "viewer"),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayErrorMapping(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.createEscrow(t)
	f.fund(t, fixedAddress(0x01), "500")

	unknown := "0x" + fmt.Sprintf("%064x", 1)
	rec := f.do(t, http.MethodGet, "/v1/escrows/"+unknown, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/escrows/zz", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	badAmount := []byte(fmt.Sprintf(`{"shipper":%q,"amount":"-5"}`, crypto.AddressFromBytes(fixedAddress(0x02)).String()))
	rec = f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/initialize", badAmount)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Receipt before shipment is a state violation.
	initBody := []byte(fmt.Sprintf(`{"shipper":%q,"amount":"100"}`, crypto.AddressFromBytes(fixedAddress(0x02)).String()))
	rec = f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/initialize", initBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/confirm-receipt", []byte(`{"proof":"early"}`))
	require.Equal(t, http.StatusConflict, rec.Code)

	// Shipment confirmation by the customer is forbidden.
	rec = f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/confirm-shipment", []byte(`{"proof":"nope"}`))
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.attester.mu.Lock()
	f.attester.err = fmt.Errorf("attestation service down")
	f.attester.mu.Unlock()
	rec = f.signed(t, f.shipper, http.MethodPost, "/v1/escrows/"+id+"/confirm-shipment", []byte(`{"proof":"real"}`))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGatewayCancel(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.createEscrow(t)
	f.fund(t, fixedAddress(0x01), "500")

	initBody := []byte(fmt.Sprintf(`{"shipper":%q,"amount":"100"}`, crypto.AddressFromBytes(fixedAddress(0x02)).String()))
	rec := f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/initialize", initBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/escrows/"+id+"/cancel", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.operator(t, http.MethodPost, "/v1/escrows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, "500", f.ledger.Balance(fixedAddress(0x01)).String(), "cancel must refund the customer")
	snap, err := f.engine.Snapshot(mustEscrowID(t, id))
	require.NoError(t, err)
	require.False(t, snap.Initialized)
}

func TestGatewayFundAndAccountLookup(t *testing.T) {
	f := newGatewayFixture(t)
	addr := crypto.AddressFromBytes(fixedAddress(0x03)).String()

	rec := f.operator(t, http.MethodPost, "/v1/accounts/"+addr+"/fund", []byte(`{"amount":"250"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "250", decodeJSON[map[string]string](t, rec)["balance"])

	rec = f.do(t, http.MethodGet, "/v1/accounts/"+addr, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "250", decodeJSON[map[string]string](t, rec)["balance"])

	rec = f.operator(t, http.MethodPost, "/v1/accounts/not-an-address/fund", []byte(`{"amount":"1"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.operator(t, http.MethodPost, "/v1/accounts/"+addr+"/fund", []byte(`{"amount":"-1"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayHealthAndMetrics(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayProofEncoding(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.createEscrow(t)
	f.fund(t, fixedAddress(0x01), "500")

	initBody := []byte(fmt.Sprintf(`{"shipper":%q,"amount":"100"}`, crypto.AddressFromBytes(fixedAddress(0x02)).String()))
	rec := f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/initialize", initBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A text proof that happens to be valid base64 must reach the attestation
	// service verbatim.
	rec = f.signed(t, f.shipper, http.MethodPost, "/v1/escrows/"+id+"/confirm-shipment", []byte(`{"proof":"abcd"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, []byte("abcd"), f.attester.records[0].Payload)

	binary := []byte{0x01, 0x02, 0xFF}
	body := []byte(fmt.Sprintf(`{"proof":%q,"encoding":"base64"}`, base64.StdEncoding.EncodeToString(binary)))
	rec = f.signed(t, f.customer, http.MethodPost, "/v1/escrows/"+id+"/confirm-receipt", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, binary, f.attester.records[1].Payload)
}

func TestGatewayProofEncodingRejectsBadInput(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.createEscrow(t)

	rec := f.signed(t, f.shipper, http.MethodPost, "/v1/escrows/"+id+"/confirm-shipment", []byte(`{"proof":"not base64!","encoding":"base64"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.signed(t, f.shipper, http.MethodPost, "/v1/escrows/"+id+"/confirm-shipment", []byte(`{"proof":"x","encoding":"hex"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unsupported proof encoding")
}

func TestGatewayRateLimitKeyedOnPrincipal(t *testing.T) {
	f := newGatewayFixtureWithLimiter(t, NewRateLimiter(0.01, 1))
	id := f.createEscrow(t)
	f.fund(t, fixedAddress(0x01), "500")

	// Unsigned requests carrying a victim's key must not drain its bucket.
	path := "/v1/escrows/" + id + "/initialize"
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, path, []byte(`{}`), map[string]string{HeaderAPIKey: f.customer.Key})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	initBody := []byte(fmt.Sprintf(`{"shipper":%q,"amount":"100"}`, crypto.AddressFromBytes(fixedAddress(0x02)).String()))
	rec := f.signed(t, f.customer, http.MethodPost, path, initBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The authenticated call consumed the only token.
	rec = f.signed(t, f.customer, http.MethodPost, path, initBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func mustEscrowID(t *testing.T, raw string) [32]byte {
	t.Helper()
	id, err := parseEscrowID(raw)
	require.NoError(t, err)
	return id
}
