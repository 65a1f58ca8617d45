// Package config loads service configuration from the environment.
// A .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable for both services. Required fields are
// validated per-service by ValidateObserver / ValidateBrain.
type Config struct {
	// Shared secrets.
	InternalAPIKey string // X-Internal-Key between observer and brain
	AdminToken     string // Bearer token for admin endpoints
	IPSalt         string // Salt for voter fingerprints

	// Network.
	ObserverPort     int
	BrainPort        int
	BrainURL         string // loopback URL the observer calls
	ObserverURL      string // loopback URL the brain calls
	LocalNetworkCIDR string
	TrustedProxyCIDR string

	// Lifecycle timing.
	RespawnDelayMin    time.Duration
	RespawnDelayMax    time.Duration
	SyncInterval       time.Duration
	VotingWindow       time.Duration
	BudgetPollInterval time.Duration

	// Agent behavior.
	ThinkIntervalMin time.Duration
	ThinkIntervalMax time.Duration
	ModelGatewayKey  string
	ModelGatewayURL  string

	// Money.
	MonthlyBudgetUSD float64
	SwitchFloorUSD   float64

	// Senses.
	WeatherLat   float64
	WeatherLon   float64
	WeatherPlace string

	// Traffic interception.
	InterceptorPort int

	// Paths.
	DataDir      string
	WorkspaceDir string
}

// Load reads configuration from the environment. Missing optional values
// fall back to defaults; required values are checked by the Validate methods.
func Load() *Config {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	return &Config{
		InternalAPIKey:   os.Getenv("INTERNAL_API_KEY"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		IPSalt:           os.Getenv("IP_SALT"),
		ObserverPort:     envInt("OBSERVER_PORT", 8080),
		BrainPort:        envInt("BRAIN_PORT", 8081),
		BrainURL:         envStr("BRAIN_URL", "http://127.0.0.1:8081"),
		ObserverURL:      envStr("OBSERVER_URL", "http://127.0.0.1:8080"),
		LocalNetworkCIDR: envStr("LOCAL_NETWORK_CIDR", "192.168.0.0/24"),
		TrustedProxyCIDR: envStr("TRUSTED_PROXY_CIDR", ""),

		RespawnDelayMin:    envSeconds("RESPAWN_DELAY_MIN_S", 10),
		RespawnDelayMax:    envSeconds("RESPAWN_DELAY_MAX_S", 60),
		SyncInterval:       envSeconds("SYNC_INTERVAL_S", 30),
		VotingWindow:       envSeconds("VOTING_WINDOW_S", 3600),
		BudgetPollInterval: envSeconds("BUDGET_POLL_INTERVAL_S", 30),

		ThinkIntervalMin: envSeconds("THINK_INTERVAL_MIN_S", 60),
		ThinkIntervalMax: envSeconds("THINK_INTERVAL_MAX_S", 300),
		ModelGatewayKey:  os.Getenv("MODEL_GATEWAY_KEY"),
		ModelGatewayURL:  envStr("MODEL_GATEWAY_URL", "https://openrouter.ai/api/v1/chat/completions"),

		MonthlyBudgetUSD: envFloat("MONTHLY_BUDGET_USD", 5.00),
		SwitchFloorUSD:   envFloat("MODEL_SWITCH_FLOOR_USD", 0.10),

		WeatherLat:   envFloat("WEATHER_LAT", 32.7157),
		WeatherLon:   envFloat("WEATHER_LON", -117.1611),
		WeatherPlace: envStr("WEATHER_PLACE", "San Diego"),

		InterceptorPort: envInt("INTERCEPTOR_PORT", 8888),

		DataDir:      envStr("DATA_DIR", "data"),
		WorkspaceDir: envStr("WORKSPACE_DIR", "workspace"),
	}
}

// ValidateObserver checks the variables the observer cannot run without.
func (c *Config) ValidateObserver() error {
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}
	if c.IPSalt == "" {
		return fmt.Errorf("IP_SALT is required")
	}
	if c.RespawnDelayMin > c.RespawnDelayMax {
		return fmt.Errorf("RESPAWN_DELAY_MIN_S exceeds RESPAWN_DELAY_MAX_S")
	}
	return nil
}

// ValidateBrain checks the variables the brain cannot run without.
func (c *Config) ValidateBrain() error {
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if c.ThinkIntervalMin > c.ThinkIntervalMax {
		return fmt.Errorf("THINK_INTERVAL_MIN_S exceeds THINK_INTERVAL_MAX_S")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(envInt(key, defaultVal)) * time.Second
}
