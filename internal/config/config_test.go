package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := Validate(defaultConfig()); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRejectsZeroPoolSize(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.PoolSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for pool_size=0")
	}
}

func TestValidateRejectsZombieSilenceBelowHeartbeat(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.HeartbeatInterval = cfg.Queue.ZombieMaxSilence + 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when zombie_max_silence < heartbeat_interval")
	}
}

func TestLoadWithoutFileAppliesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/to/config.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected default redis addr, got %q", cfg.Redis.Addr)
	}
	if cfg.Cache.MaxDays != 90 {
		t.Fatalf("expected default cache.max_days=90, got %d", cfg.Cache.MaxDays)
	}
}
