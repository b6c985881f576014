package config

import "testing"

func TestResolveDefaultsPortWhenUnset(t *testing.T) {
	t.Setenv("PORT", "")
	cfg := Resolve(Flags{})
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
}

func TestResolveFlagTakesPrecedenceOverEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	cfg := Resolve(Flags{Port: "1234"})
	if cfg.Port != "1234" {
		t.Fatalf("expected flag value to win, got %q", cfg.Port)
	}
}

func TestResolveEnableDedupDefaultsTrue(t *testing.T) {
	t.Setenv("ENABLE_DEDUP", "")
	cfg := Resolve(Flags{})
	if !cfg.EnableDedup {
		t.Fatal("expected dedup enabled by default")
	}
}

func TestResolveEnableDedupEnvDisables(t *testing.T) {
	t.Setenv("ENABLE_DEDUP", "false")
	cfg := Resolve(Flags{})
	if cfg.EnableDedup {
		t.Fatal("expected ENABLE_DEDUP=false to disable dedup")
	}
}

func TestResolveEnableDedupFlagBeatsEnv(t *testing.T) {
	t.Setenv("ENABLE_DEDUP", "false")
	enabled := true
	cfg := Resolve(Flags{EnableDedup: &enabled})
	if !cfg.EnableDedup {
		t.Fatal("expected explicit flag to win over environment")
	}
}

func TestResolveEnableURLResolutionReadsEnv(t *testing.T) {
	t.Setenv("ENABLE_URL_RESOLUTION", "true")
	cfg := Resolve(Flags{})
	if !cfg.EnableURLResolution {
		t.Fatal("expected ENABLE_URL_RESOLUTION=true to be honored")
	}
}

func TestValidateRequiresExaAPIKey(t *testing.T) {
	cfg := Config{GoogleAPIKey: "g", EnableDedup: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing EXA_API_KEY")
	}
}

func TestValidateRequiresGoogleAPIKeyWhenDedupEnabled(t *testing.T) {
	cfg := Config{ExaAPIKey: "e", EnableDedup: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing GOOGLE_API_KEY when dedup enabled")
	}
}

func TestValidateAllowsMissingGoogleAPIKeyWhenDedupDisabled(t *testing.T) {
	cfg := Config{ExaAPIKey: "e", EnableDedup: false}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
