// Package capi talks to the ads platform's server-side Conversions API:
// payload construction from stored outbox rows and the single-attempt
// delivery call. Retry policy is owned by the outbox processor, so the client
// deliberately wraps a plain http.Client rather than a retrying one.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodyCapture bounds how much of a destination response we retain for
// diagnostics on the event row.
const maxBodyCapture = 2048

// HTTPDoer executes HTTP requests; *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a Conversions API client for a fixed endpoint version.
type Client struct {
	baseURL    string
	httpClient HTTPDoer
}

// NewClient creates a Conversions API client. timeout bounds each outbound
// call; a timed-out call is reported as a transport error, never assumed sent.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SendEvent POSTs one built payload to the destination pixel. It makes
// exactly one attempt and returns a tri-state Result.
func (c *Client) SendEvent(ctx context.Context, pixelID, accessToken, testEventCode string, payload EventPayload) Result {
	reqBody := sendRequest{
		Data:          []EventPayload{payload},
		AccessToken:   accessToken,
		TestEventCode: testEventCode,
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Err: fmt.Errorf("encoding request: %w", err)}
	}

	url := fmt.Sprintf("%s/%s/events", c.baseURL, pixelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Err: fmt.Errorf("executing request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyCapture))
	if err != nil {
		return Result{
			Outcome:    OutcomeTransportError,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("reading response: %w", err),
		}
	}

	var parsed sendResponse
	// Best effort — error bodies from intermediaries may not be JSON.
	_ = json.Unmarshal(body, &parsed)

	traceID := parsed.FBTraceID
	if traceID == "" && parsed.Error != nil {
		traceID = parsed.Error.FBTraceID
	}

	result := Result{
		EventsReceived: parsed.EventsReceived,
		HTTPStatus:     resp.StatusCode,
		Body:           string(body),
		TraceID:        traceID,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Outcome = OutcomeTransportError
		result.Err = fmt.Errorf("destination returned status %d: %s", resp.StatusCode, string(body))
		return result
	}

	if parsed.Error != nil {
		result.Outcome = OutcomeRejected
		result.Err = fmt.Errorf("destination error %d (%s): %s", parsed.Error.Code, parsed.Error.Type, parsed.Error.Message)
		return result
	}

	if parsed.EventsReceived < 1 {
		result.Outcome = OutcomeRejected
		result.Err = fmt.Errorf("destination accepted 0 events")
		return result
	}

	result.Outcome = OutcomeSent
	return result
}
