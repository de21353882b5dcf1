package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".iamlp.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), ".iamlp.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if s.Generate.Mode != "actions" || s.Generate.MinCount != 1 || s.Diff.TopServices != 5 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	path := writeSettings(t, `
trail:
  source: logs/
generate:
  mode: resources
  principalFilter: "role/ci-"
  excludeActions: ["sts:GetCallerIdentity"]
  minCount: 3
  logsBaseline: true
diff:
  topServices: 10
allowlistPath: waivers/.iamlp-allow.json
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Trail.Source != "logs/" || s.Generate.Mode != "resources" || s.Generate.MinCount != 3 {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if len(s.Generate.ExcludeActions) != 1 || s.Diff.TopServices != 10 {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if s.AllowlistPath != "waivers/.iamlp-allow.json" {
		t.Fatalf("unexpected allowlist path: %q", s.AllowlistPath)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeSettings(t, "generate:\n  moed: resources\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown-key error")
	}
}

func TestLoadClampsMinCount(t *testing.T) {
	t.Parallel()

	path := writeSettings(t, "generate:\n  minCount: 0\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Generate.MinCount != 1 {
		t.Fatalf("expected clamped min count, got %d", s.Generate.MinCount)
	}
}
