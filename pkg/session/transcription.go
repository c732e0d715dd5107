package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TranscriptSegment is one speaker-attributed span of transcribed text.
type TranscriptSegment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// Transcript is the transcription service's response.
type Transcript struct {
	SessionID string              `json:"session_id"`
	Text      string              `json:"text"`
	Segments  []TranscriptSegment `json:"segments"`
}

// TranscriptionClient submits session audio to the transcription
// service. The service is best-effort: callers treat any failure as
// "no transcript", never as a reason to block recording finalization.
type TranscriptionClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewTranscriptionClient creates a client for the service at baseURL,
// authenticating with the given opaque bearer token.
func NewTranscriptionClient(baseURL, token string) *TranscriptionClient {
	return &TranscriptionClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: time.Minute},
	}
}

// Submit sends the audio payload for transcription and returns the
// transcript.
func (c *TranscriptionClient) Submit(ctx context.Context, sessionID string, audio []byte) (*Transcript, error) {
	body, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"audio":      base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return nil, fmt.Errorf("encode transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcriptions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit transcription: %w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("submit transcription: unexpected status %d", resp.StatusCode)
	}

	var transcript Transcript
	if err := json.NewDecoder(resp.Body).Decode(&transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &transcript, nil
}
