package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SWITCHBOARD_OUTGOING_TIMEOUT_MS", "")
	t.Setenv("SWITCHBOARD_ENV", "")
	cfg := Load()
	if cfg.Env != "dev" || cfg.HTTPAddr != ":8080" || cfg.RoutesFile != "routes.yaml" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.OutgoingTimeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.OutgoingTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SWITCHBOARD_ENV", "prod")
	t.Setenv("SWITCHBOARD_OUTGOING_TIMEOUT_MS", "1500")
	t.Setenv("REQUIRE_DPOP", "true")
	t.Setenv("DPOP_CLOCK_SKEW_SEC", "30")
	cfg := Load()
	if cfg.Env != "prod" || !cfg.RequireDPoP {
		t.Errorf("unexpected %+v", cfg)
	}
	if cfg.OutgoingTimeout != 1500*time.Millisecond || cfg.DPoPClockSkew != 30*time.Second {
		t.Errorf("timeout=%s skew=%s", cfg.OutgoingTimeout, cfg.DPoPClockSkew)
	}
}

func TestLoadIgnoresBadTimeout(t *testing.T) {
	t.Setenv("SWITCHBOARD_OUTGOING_TIMEOUT_MS", "-3")
	if got := Load().OutgoingTimeout; got != 5*time.Second {
		t.Errorf("timeout = %s", got)
	}
}

func TestLoadWatchRoutes(t *testing.T) {
	t.Setenv("SWITCHBOARD_WATCH_ROUTES", "1")
	if !Load().WatchRoutes {
		t.Error("watch routes not enabled")
	}
}
