package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Recognition.Mode != "mock" {
		t.Fatalf("expected mock recognition by default, got %q", cfg.Recognition.Mode)
	}
	if cfg.Recognition.MinBytes != 16000 {
		t.Fatalf("expected 16000 min bytes, got %d", cfg.Recognition.MinBytes)
	}
	if cfg.History.MaxWords != 120 {
		t.Fatalf("expected default history cap, got %d", cfg.History.MaxWords)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TALKBACK_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("TALKBACK_BUS_USERNAME", "alice")
	t.Setenv("TALKBACK_BUS_PASSWORD", "secret")
	t.Setenv("TALKBACK_RECOGNITION_MODE", "openai")
	t.Setenv("TALKBACK_RECOGNITION_API_KEY", "sk-test")
	t.Setenv("TALKBACK_RECOGNITION_MODEL", "whisper-large")
	t.Setenv("TALKBACK_CORRECTION_TEMPERATURE", "0.3")
	t.Setenv("TALKBACK_NARRATION_ENABLED", "true")
	t.Setenv("TALKBACK_NARRATION_MODE", "mock")
	t.Setenv("TALKBACK_NARRATION_VOICE", "sage")
	t.Setenv("TALKBACK_HISTORY_MAX_WORDS", "42")
	t.Setenv("TALKBACK_CLIPBOARD_PUBLISH_CORRECTED", "false")
	t.Setenv("TALKBACK_EVENT_STORE_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Recognition.Mode != "openai" || cfg.Recognition.APIKey != "sk-test" {
		t.Fatalf("expected recognition overrides, got %+v", cfg.Recognition)
	}
	if cfg.Recognition.Model != "whisper-large" {
		t.Fatalf("expected model override, got %q", cfg.Recognition.Model)
	}
	if cfg.Correction.Temperature != 0.3 {
		t.Fatalf("expected temperature override, got %v", cfg.Correction.Temperature)
	}
	if !cfg.Narration.Enabled || cfg.Narration.Voice != "sage" {
		t.Fatalf("expected narration overrides, got %+v", cfg.Narration)
	}
	if cfg.History.MaxWords != 42 {
		t.Fatalf("expected history cap override, got %d", cfg.History.MaxWords)
	}
	if cfg.Clipboard.PublishCorrected {
		t.Fatal("expected publish_corrected override false")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad recognition mode", func(c *Config) { c.Recognition.Mode = "grpc" }},
		{"openai without key", func(c *Config) { c.Recognition.Mode = "openai"; c.Recognition.APIKey = "" }},
		{"exec without command", func(c *Config) { c.Recognition.Mode = "exec"; c.Recognition.Command = "" }},
		{"bad correction mode", func(c *Config) { c.Correction.Mode = "exec" }},
		{"zero history cap", func(c *Config) { c.History.MaxWords = 0 }},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
