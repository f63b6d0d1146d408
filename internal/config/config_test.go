package config_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/config"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"API_KEY": "secret",
	}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ControlAddr() != "0.0.0.0:8765" {
		t.Errorf("ControlAddr = %q", cfg.ControlAddr())
	}
	if cfg.HTTPAddr() != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr())
	}
	if cfg.StalenessThreshold() != 5*time.Minute {
		t.Errorf("StalenessThreshold = %v", cfg.StalenessThreshold())
	}
	if cfg.MaxMalformedFrames != 3 {
		t.Errorf("MaxMalformedFrames = %d", cfg.MaxMalformedFrames)
	}
	if cfg.ArtifactRoot != "screenshots" || cfg.DBName != "central_monitor.db" {
		t.Errorf("unexpected storage defaults: %+v", cfg)
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"API_KEY":                     "secret",
		"HOST":                        "127.0.0.1",
		"CONTROL_PORT":                "9000",
		"STALENESS_THRESHOLD_SECONDS": "30",
		"IDLE_TIMEOUT":                "45s",
	}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ControlAddr() != "127.0.0.1:9000" {
		t.Errorf("ControlAddr = %q", cfg.ControlAddr())
	}
	if cfg.StalenessThreshold() != 30*time.Second {
		t.Errorf("StalenessThreshold = %v", cfg.StalenessThreshold())
	}
	if cfg.IdleTimeout != 45*time.Second {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}
}

func TestLoadFromMissingKey(t *testing.T) {
	_, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err == nil {
		t.Fatal("expected error for missing API_KEY")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"API_KEY":                     "secret",
		"CONTROL_PORT":                "8080",
		"STALENESS_THRESHOLD_SECONDS": "0",
	}))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"must differ", "STALENESS_THRESHOLD_SECONDS"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}
