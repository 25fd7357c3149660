package attestation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowd/crypto"
)

const defaultRequestTimeout = 10 * time.Second

// Client submits proof records to the external attestation service over HTTP.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient builds a client for the attestation service at baseURL. The token
// is sent as a bearer credential when non-empty.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type attestRequest struct {
	RequestID  string   `json:"requestId"`
	SchemaID   string   `json:"schemaId"`
	Recipients []string `json:"recipients"`
	Timestamp  int64    `json:"timestamp"`
	Payload    string   `json:"payload"`
}

type attestResponse struct {
	ProofID uint64 `json:"proofId"`
	Error   string `json:"error,omitempty"`
}

// Attest implements the Attester interface. Transport failures and non-2xx
// responses surface as errors; the service signals rejection with proof id
// zero, which callers must treat as failure.
func (c *Client) Attest(ctx context.Context, rec Record) (uint64, error) {
	if c == nil || c.baseURL == "" {
		return ProofIDFailure, fmt.Errorf("attestation client not configured")
	}
	recipients := make([]string, 0, len(rec.Recipients))
	for _, raw := range rec.Recipients {
		recipients = append(recipients, crypto.AddressFromBytes(raw).String())
	}
	payload := attestRequest{
		RequestID:  uuid.NewString(),
		SchemaID:   hex.EncodeToString(rec.SchemaID[:]),
		Recipients: recipients,
		Timestamp:  rec.Timestamp,
		Payload:    base64.StdEncoding.EncodeToString(rec.Payload),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ProofIDFailure, fmt.Errorf("encode attestation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/attestations", bytes.NewReader(body))
	if err != nil {
		return ProofIDFailure, fmt.Errorf("build attestation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ProofIDFailure, fmt.Errorf("submit attestation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProofIDFailure, fmt.Errorf("read attestation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProofIDFailure, fmt.Errorf("attestation service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded attestResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ProofIDFailure, fmt.Errorf("decode attestation response: %w", err)
	}
	if decoded.Error != "" {
		return ProofIDFailure, fmt.Errorf("attestation rejected: %s", decoded.Error)
	}
	return decoded.ProofID, nil
}
