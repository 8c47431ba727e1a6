package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Workflow.Default != "new" {
		t.Fatalf("default status = %q, want new", cfg.Workflow.Default)
	}
	if got := cfg.Commit.Verbs["fix"]; got != "closed" {
		t.Fatalf("fix verb maps to %q, want closed", got)
	}
	if got := cfg.Commit.Verbs["ref"]; got != "" {
		t.Fatalf("ref verb maps to %q, want comment-only", got)
	}
	if cfg.Throttle.Classes["anonymous"].Limit >= cfg.Throttle.Classes["authenticated"].Limit {
		t.Fatal("anonymous class should be tighter than authenticated")
	}
}

func TestValidateRejectsUnknownVerbTarget(t *testing.T) {
	yaml := `project:
  id: proj-1
workflow:
  statuses: [new, closed]
  default: new
commit:
  verbs:
    fix: shipped
`
	if _, err := FromYAML([]byte(yaml)); err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestValidateRejectsUnknownThrottleClass(t *testing.T) {
	yaml := `project:
  id: proj-1
workflow:
  statuses: [new]
  default: new
throttle:
  classes:
    robots:
      limit: 5
`
	if _, err := FromYAML([]byte(yaml)); err == nil || !strings.Contains(err.Error(), "unknown throttle class") {
		t.Fatalf("expected throttle class error, got %v", err)
	}
}

func TestResolverDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.ResolverAttempts(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if got := cfg.ResolverBackoff().Milliseconds(); got != 25 {
		t.Fatalf("backoff = %dms, want 25", got)
	}
}
