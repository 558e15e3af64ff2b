package config

import "testing"

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")

	cfg, err := loadServerConfig()
	if err != nil {
		t.Fatalf("loadServerConfig err: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
}

func TestLoadServerConfigExplicitAddr(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9090")

	cfg, err := loadServerConfig()
	if err != nil {
		t.Fatalf("loadServerConfig err: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9090" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
}

func TestLoadAuthConfig(t *testing.T) {
	t.Setenv("AUTH_TOKENS", "tok-1=user-1, guest=, tok-2=user-2")

	cfg, err := loadAuthConfig()
	if err != nil {
		t.Fatalf("loadAuthConfig err: %v", err)
	}
	if cfg.Tokens["tok-1"] != "user-1" {
		t.Fatalf("unexpected mapping for tok-1: %q", cfg.Tokens["tok-1"])
	}
	if mapped, ok := cfg.Tokens["guest"]; !ok || mapped != "" {
		t.Fatalf("guest token should map to empty user, got %q ok=%v", mapped, ok)
	}
	if len(cfg.Tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(cfg.Tokens))
	}
}

func TestLoadAuthConfigRejectsEmptyToken(t *testing.T) {
	t.Setenv("AUTH_TOKENS", "=user-1")

	if _, err := loadAuthConfig(); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestLoadRealtimeConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"REALTIME_CHUNK_BYTES", "REALTIME_MAX_PENDING_CHUNKS",
		"REALTIME_BACKEND_TIMEOUT", "REALTIME_SHUTDOWN_GRACE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := loadRealtimeConfig()
	if err != nil {
		t.Fatalf("loadRealtimeConfig err: %v", err)
	}
	if cfg.ChunkBytes != 32000 {
		t.Fatalf("unexpected chunk bytes: %d", cfg.ChunkBytes)
	}
	if cfg.MaxPendingChunks != 8 {
		t.Fatalf("unexpected max pending chunks: %d", cfg.MaxPendingChunks)
	}
}

func TestLoadRealtimeConfigOverridesAndBounds(t *testing.T) {
	t.Setenv("REALTIME_CHUNK_BYTES", "6400")

	cfg, err := loadRealtimeConfig()
	if err != nil {
		t.Fatalf("loadRealtimeConfig err: %v", err)
	}
	if cfg.ChunkBytes != 6400 {
		t.Fatalf("unexpected chunk bytes: %d", cfg.ChunkBytes)
	}

	t.Setenv("REALTIME_CHUNK_BYTES", "10")
	if _, err := loadRealtimeConfig(); err == nil {
		t.Fatal("expected error for out-of-range chunk bytes")
	}
}
