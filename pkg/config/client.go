package config

import "time"

// ClientConfig holds configuration shared by the CLI and the dashboard for
// talking to the generation, deployment and status services.
type ClientConfig struct {
	Environment       string
	APIBaseURL        string
	StreamBaseURL     string
	LogLevel          string
	RequestTimeout    time.Duration
	DeployTimeout     time.Duration
	StreamDialTimeout time.Duration
	SubscriberBuffer  int
}

// LoadClientConfig constructs a ClientConfig from environment variables.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		Environment:       GetString("APP_ENV", "development"),
		APIBaseURL:        GetString("API_BASE_URL", "http://localhost:8000"),
		StreamBaseURL:     GetString("STATUS_STREAM_URL", "ws://localhost:8000/ws"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		RequestTimeout:    GetSeconds("API_TIMEOUT_SECONDS", 30),
		DeployTimeout:     GetSeconds("DEPLOY_TIMEOUT_SECONDS", 120),
		StreamDialTimeout: GetSeconds("STREAM_DIAL_TIMEOUT_SECONDS", 10),
		SubscriberBuffer:  GetInt("STREAM_SUBSCRIBER_BUFFER", 64),
	}
}
