package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client submits events to a remote correlator over its request/response
// boundary. It implements the same TrackEvent contract as Correlator so
// session components can be wired to either without caring which side of
// the boundary they are on.
//
// The bearer token is treated as opaque: the client attaches whatever
// credential it was given and never inspects or refreshes it.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the correlator at baseURL. The token is
// attached as a bearer credential on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// TrackEvent posts one event to the remote correlator.
func (c *Client) TrackEvent(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("post event: credential rejected (status %d)", resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("post event: unexpected status %d", resp.StatusCode)
	}
	return nil
}
