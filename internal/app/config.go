package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir string // Optional: directory for persisted auth data (default: ./data)

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: json)

	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Expired token sweep interval (default: 1h)

	FlowRatePerMinute int // Login flow creations allowed per caller per minute (default: 30)
	FlowRateBurst     int // Login flow creation burst per caller (default: 10)

	Command     string   // Optional: external auth command; enables the command provider
	CommandArgs []string // Optional: arguments for the auth command
	CommandMeta bool     // Optional: parse user metadata from the command's stdout

	TrustedNetworks        []string // Optional: CIDRs; enables the trusted proxy provider
	ProxySecretFingerprint string   // Optional: fingerprint of the shared proxy secret

	LegacyAPIPassword string // Optional: enables the legacy shared-password provider

	MFAModules    []string // MFA modules to enable (default: totp)
	TOTPIssuer    string   // Optional: issuer shown in authenticator apps
	NotifyService string   // Optional: delivery service for the notify module
	NotifyTarget  string   // Optional: delivery target for the notify module
}

func LoadConfig() Config {
	cfg := Config{
		DataDir:              getEnvOrDefault("AUTH_DATA_DIR", "data"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
		FlowRatePerMinute:    getEnvIntOrDefault("AUTH_FLOW_RATE_PER_MINUTE", 30),
		FlowRateBurst:        getEnvIntOrDefault("AUTH_FLOW_RATE_BURST", 10),

		Command:                os.Getenv("AUTH_COMMAND"),
		ProxySecretFingerprint: os.Getenv("AUTH_PROXY_SECRET_FINGERPRINT"),
		LegacyAPIPassword:      os.Getenv("AUTH_LEGACY_API_PASSWORD"),

		TOTPIssuer:    os.Getenv("AUTH_TOTP_ISSUER"),
		NotifyService: os.Getenv("AUTH_NOTIFY_SERVICE"),
		NotifyTarget:  os.Getenv("AUTH_NOTIFY_TARGET"),
	}

	if args := os.Getenv("AUTH_COMMAND_ARGS"); args != "" {
		cfg.CommandArgs = strings.Fields(args)
	}
	cfg.CommandMeta = os.Getenv("AUTH_COMMAND_META") == "true"

	if networks := os.Getenv("AUTH_TRUSTED_NETWORKS"); networks != "" {
		for _, n := range strings.Split(networks, ",") {
			if n = strings.TrimSpace(n); n != "" {
				cfg.TrustedNetworks = append(cfg.TrustedNetworks, n)
			}
		}
	}

	modules := getEnvOrDefault("AUTH_MFA_MODULES", "totp")
	for _, m := range strings.Split(modules, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.MFAModules = append(cfg.MFAModules, m)
		}
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
