package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.RuntimeDir == "" {
		t.Fatalf("expected non-empty default runtime dir")
	}
	if cfg.Sandbox.UIDMap.Max <= cfg.Sandbox.UIDMap.Min {
		t.Fatalf("expected non-empty default uid range")
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("NCK__sandbox__runtime_dir", "/tmp/custom-runtime")
	t.Setenv("NCK__sandbox__id_map__uid_min", "10000")
	t.Setenv("NCK__sandbox__id_map__uid_max", "10001")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.RuntimeDir != "/tmp/custom-runtime" {
		t.Fatalf("expected env override, got %q", cfg.Sandbox.RuntimeDir)
	}
	if cfg.Sandbox.UIDMap != (IDMapBounds{Min: 10000, Max: 10001}) {
		t.Fatalf("expected uid map override, got %+v", cfg.Sandbox.UIDMap)
	}
}

func TestRejectsEmptyRange(t *testing.T) {
	t.Setenv("NCK__sandbox__id_map__uid_min", "100")
	t.Setenv("NCK__sandbox__id_map__uid_max", "100")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty uid range")
	}
}
