// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	LogLevel    string
	HTTPAddr    string
	RoutesFile  string
	WatchRoutes bool

	// Deadline for every outgoing connector call.
	OutgoingTimeout time.Duration

	// Base URL for problem type identifiers and OpenAPI servers.
	DefaultBasePublicURL string

	// OIDC / JWT for inbound calls
	Issuer        string
	Audience      string
	JWKSURL       string
	RequireDPoP   bool
	DPoPClockSkew time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                  env("SWITCHBOARD_ENV", "dev"),
		LogLevel:             env("LOG_LEVEL", ""),
		HTTPAddr:             env("SWITCHBOARD_HTTP_ADDR", ":8080"),
		RoutesFile:           env("SWITCHBOARD_ROUTES_FILE", "routes.yaml"),
		WatchRoutes:          envBool("SWITCHBOARD_WATCH_ROUTES", false),
		OutgoingTimeout:      envDur("SWITCHBOARD_OUTGOING_TIMEOUT_MS", 5000) * time.Millisecond,
		DefaultBasePublicURL: env("BASE_PUBLIC_URL", "http://localhost:8080"),
		Issuer:               env("OIDC_ISSUER", ""),
		Audience:             env("OIDC_AUDIENCE", "switchboard"),
		JWKSURL:              env("JWKS_URL", ""),
		RequireDPoP:          envBool("REQUIRE_DPOP", false),
		DPoPClockSkew:        envDur("DPOP_CLOCK_SKEW_SEC", 60) * time.Second,
		RedisURL:             env("REDIS_URL", ""),
		DatabaseURL:          env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; connect events will not be recorded")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
