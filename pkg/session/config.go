package session

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config collects the environment-provided settings for a session host.
type Config struct {
	// SignalingURL is the websocket endpoint of the session server.
	SignalingURL string

	// APIKey and APISecret sign media-relay access tokens.
	APIKey    string
	APISecret string

	// AnalyticsURL is the correlator's request/response endpoint.
	// Optional; empty disables remote analytics.
	AnalyticsURL string

	// AnalyticsToken is the opaque bearer credential attached to every
	// analytics and transcription request.
	AnalyticsToken string

	// TranscriptionURL is the transcription service endpoint. Optional.
	TranscriptionURL string

	// S3 configures the recording chunk store. Optional.
	S3 S3Config

	// ChunkDuration is the recording flush cadence.
	ChunkDuration time.Duration

	// KeyRotation is the payload encryption key rotation interval.
	KeyRotation time.Duration
}

// LoadConfig reads configuration from the environment, loading a .env
// file first when one is present. Only the signaling URL and token
// signing credentials are required.
func LoadConfig() (*Config, error) {
	// A missing .env file is fine; explicit environment wins anyway.
	_ = godotenv.Load()

	cfg := &Config{
		SignalingURL:     os.Getenv("TELESESSION_SIGNALING_URL"),
		APIKey:           os.Getenv("TELESESSION_API_KEY"),
		APISecret:        os.Getenv("TELESESSION_API_SECRET"),
		AnalyticsURL:     os.Getenv("TELESESSION_ANALYTICS_URL"),
		AnalyticsToken:   os.Getenv("TELESESSION_ANALYTICS_TOKEN"),
		TranscriptionURL: os.Getenv("TELESESSION_TRANSCRIPTION_URL"),
		S3: S3Config{
			Endpoint:  os.Getenv("TELESESSION_S3_ENDPOINT"),
			AccessKey: os.Getenv("TELESESSION_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("TELESESSION_S3_SECRET_KEY"),
			Bucket:    os.Getenv("TELESESSION_S3_BUCKET"),
			Prefix:    os.Getenv("TELESESSION_S3_PREFIX"),
			Region:    os.Getenv("TELESESSION_S3_REGION"),
			UseSSL:    envBool("TELESESSION_S3_USE_SSL", true),
		},
		ChunkDuration: envDuration("TELESESSION_CHUNK_SECONDS", defaultChunkDuration),
		KeyRotation:   envDuration("TELESESSION_KEY_ROTATION_MINUTES", defaultKeyRotation),
	}

	if cfg.SignalingURL == "" {
		return nil, fmt.Errorf("load config: TELESESSION_SIGNALING_URL is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("load config: TELESESSION_API_KEY and TELESESSION_API_SECRET are required")
	}
	return cfg, nil
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envDuration reads a numeric env var in the unit implied by the name's
// suffix (seconds or minutes).
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if len(name) > 7 && name[len(name)-7:] == "MINUTES" {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Second
}
