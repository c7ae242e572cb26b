// Package entitlement talks to the external verification and accounting
// services: one GET per session to authorize it and fetch its quota
// snapshot, one POST at session end to flush recorded usage.
package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/httpc"
	"github.com/voicebridge/voicebridge/pkg/relay"
)

// Client calls the verification and usage endpoints with the session
// token as a bearer credential.
type Client struct {
	verifyURL  string
	usageURL   string
	httpClient *http.Client
}

// New creates a client for the given endpoints. A nil httpClient falls
// back to the shared httpc.Client.
func New(verifyURL, usageURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpc.Client
	}
	return &Client{
		verifyURL:  verifyURL,
		usageURL:   usageURL,
		httpClient: httpClient,
	}
}

// verifyResponse is the wire shape of the verification endpoint.
type verifyResponse struct {
	Status string `json:"status"`
	Data   struct {
		// Success fields
		Used            float64 `json:"used"`
		Limit           float64 `json:"limit"`
		ResetAt         int64   `json:"reset_at"`
		InputTokenRate  float64 `json:"input_token_rate"`
		OutputTokenRate float64 `json:"output_token_rate"`

		// Failure fields
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"data"`
}

// Verify authorizes the session token and returns its entitlement
// snapshot. A failure response body's error kind and message are carried
// back verbatim in a *relay.Error so they reach the client unchanged.
func (c *Client) Verify(ctx context.Context, token string) (*relay.Entitlement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.verifyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("entitlement: create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entitlement: verify request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("entitlement: read verify response: %w", err)
	}

	var vr verifyResponse
	decodeErr := json.Unmarshal(body, &vr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && vr.Data.Type != "" {
			return nil, relay.NewError(vr.Data.Type, vr.Data.Message)
		}
		return nil, relay.NewError(relay.TypeAuthorization,
			fmt.Sprintf("verification failed with status %d", resp.StatusCode))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("entitlement: decode verify response: %w", decodeErr)
	}
	if vr.Status != "ok" {
		if vr.Data.Type != "" {
			return nil, relay.NewError(vr.Data.Type, vr.Data.Message)
		}
		return nil, relay.NewError(relay.TypeAuthorization, "verification returned non-success status")
	}

	return &relay.Entitlement{
		Used:            vr.Data.Used,
		Limit:           vr.Data.Limit,
		ResetAt:         time.Unix(vr.Data.ResetAt, 0),
		InputTokenRate:  vr.Data.InputTokenRate,
		OutputTokenRate: vr.Data.OutputTokenRate,
	}, nil
}

// usageRequest is the wire shape of the usage flush body.
type usageRequest struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Flush reports the session's token usage to the accounting endpoint.
func (c *Client) Flush(ctx context.Context, token string, inputTokens, outputTokens int64) error {
	body, err := json.Marshal(usageRequest{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	if err != nil {
		return fmt.Errorf("entitlement: marshal usage: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.usageURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("entitlement: create usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("entitlement: usage request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("entitlement: usage flush failed with status %d", resp.StatusCode)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ relay.Verifier   = (*Client)(nil)
	_ relay.Accounting = (*Client)(nil)
)
