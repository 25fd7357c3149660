package attestation

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowd/crypto"
)

func testRecord() Record {
	var schema [32]byte
	schema[0] = 0x5A
	var shipper, customer [20]byte
	shipper[0] = 0x03
	customer[0] = 0x02
	return Record{
		SchemaID:   schema,
		Recipients: [][20]byte{shipper, customer},
		Timestamp:  1_700_000_000,
		Payload:    []byte("tracking-7"),
	}
}

func TestClientAttest(t *testing.T) {
	rec := testRecord()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/attestations", r.URL.Path)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req struct {
			RequestID  string   `json:"requestId"`
			SchemaID   string   `json:"schemaId"`
			Recipients []string `json:"recipients"`
			Timestamp  int64    `json:"timestamp"`
			Payload    string   `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.RequestID)
		require.Equal(t, hex.EncodeToString(rec.SchemaID[:]), req.SchemaID)
		require.Equal(t, rec.Timestamp, req.Timestamp)
		require.Len(t, req.Recipients, 2)
		require.Equal(t, crypto.AddressFromBytes(rec.Recipients[0]).String(), req.Recipients[0])
		require.Equal(t, crypto.AddressFromBytes(rec.Recipients[1]).String(), req.Recipients[1])
		decoded, err := base64.StdEncoding.DecodeString(req.Payload)
		require.NoError(t, err)
		require.Equal(t, rec.Payload, decoded)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"proofId": 42}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sekrit", time.Second)
	proofID, err := client.Attest(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, uint64(42), proofID)
}

func TestClientZeroProofID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"proofId": 0}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	proofID, err := client.Attest(context.Background(), testRecord())
	require.NoError(t, err, "the zero sentinel is the caller's to interpret")
	require.Equal(t, ProofIDFailure, proofID)
}

func TestClientErrorResponses(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "schema not registered", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "", time.Second)
		proofID, err := client.Attest(context.Background(), testRecord())
		require.Error(t, err)
		require.Contains(t, err.Error(), "schema not registered")
		require.Equal(t, ProofIDFailure, proofID)
	})

	t.Run("error field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"proofId": 0, "error": "payload rejected"}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "", time.Second)
		_, err := client.Attest(context.Background(), testRecord())
		require.Error(t, err)
		require.Contains(t, err.Error(), "payload rejected")
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // connection refused

		client := NewClient(srv.URL, "", time.Second)
		_, err := client.Attest(context.Background(), testRecord())
		require.Error(t, err)
	})

	t.Run("unconfigured client", func(t *testing.T) {
		client := NewClient("   ", "", time.Second)
		_, err := client.Attest(context.Background(), testRecord())
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "not configured"))
	})
}
