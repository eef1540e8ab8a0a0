package config

import "time"

// DashboardConfig holds runtime configuration for the dashboard web UI.
type DashboardConfig struct {
	Client             ClientConfig
	Addr               string
	ViewTTL            time.Duration
	ViewSweepEvery     time.Duration
	HeartbeatEvery     time.Duration
	RecentMessages     int
	DeployRateLimit    int
	GenerateRateLimit  int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	MetricsEnabled     bool
}

// LoadDashboardConfig constructs a DashboardConfig from environment variables.
func LoadDashboardConfig() DashboardConfig {
	return DashboardConfig{
		Client:             LoadClientConfig(),
		Addr:               GetString("DASHBOARD_ADDR", ":3000"),
		ViewTTL:            GetSeconds("VIEW_TTL_SECONDS", 300),
		ViewSweepEvery:     GetSeconds("VIEW_SWEEP_SECONDS", 30),
		HeartbeatEvery:     GetSeconds("SSE_HEARTBEAT_SECONDS", 15),
		RecentMessages:     GetInt("RECENT_MESSAGES", 5),
		DeployRateLimit:    GetInt("DEPLOY_RATE_LIMIT", 10),
		GenerateRateLimit:  GetInt("GENERATE_RATE_LIMIT", 5),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		MetricsEnabled:     GetBool("METRICS_ENABLED", true),
	}
}
