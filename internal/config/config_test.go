package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"actionline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("test")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workspace.ID != "test" {
		t.Fatalf("workspace id = %s", cfg.Workspace.ID)
	}
	if _, ok := cfg.Recipe("Task"); !ok {
		t.Fatalf("default catalog missing Task recipe")
	}
	if cfg.Server.BasePath != "/v0" || cfg.Resolver.TimeoutMS != 3000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestRecipeFieldLookup(t *testing.T) {
	cfg := config.Default("test")
	task, _ := cfg.Recipe("Task")
	f, ok := task.Field("title")
	if !ok || !f.Required || f.Type != "string" {
		t.Fatalf("title descriptor = %+v ok=%v", f, ok)
	}
	if _, ok := task.Field("bogus"); ok {
		t.Fatalf("undeclared field found")
	}
}

func TestSlotFallback(t *testing.T) {
	cfg := config.Default("test")

	// Task declares slots explicitly.
	task, _ := cfg.Recipe("Task")
	slot, ok := task.Slot("related_record")
	if !ok || !slot.Multiple {
		t.Fatalf("related_record = %+v ok=%v", slot, ok)
	}
	if blocked, ok := task.Slot("blocked_by"); !ok || blocked.Multiple {
		t.Fatalf("blocked_by = %+v ok=%v", blocked, ok)
	}

	// Decision declares none and gets the generic fallback.
	decision, _ := cfg.Recipe("Decision")
	fallback, ok := decision.Slot(config.FallbackSlot)
	if !ok || !fallback.Multiple {
		t.Fatalf("fallback slot = %+v ok=%v", fallback, ok)
	}
	if _, ok := decision.Slot("attendee"); ok {
		t.Fatalf("undeclared slot found on slotless recipe")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "missing workspace id",
			yaml: "recipes:\n  catalog:\n    Task:\n      fields:\n        - key: title\n",
		},
		{
			name: "empty catalog",
			yaml: "workspace:\n  id: ws\n",
		},
		{
			name: "duplicate field",
			yaml: "workspace:\n  id: ws\nrecipes:\n  catalog:\n    Task:\n      fields:\n        - key: title\n        - key: title\n",
		},
		{
			name: "unknown field type",
			yaml: "workspace:\n  id: ws\nrecipes:\n  catalog:\n    Task:\n      fields:\n        - key: title\n          type: blob\n",
		},
		{
			name: "webhook without url",
			yaml: "workspace:\n  id: ws\nrecipes:\n  catalog:\n    Task:\n      fields:\n        - key: title\nwebhooks:\n  - events: [action.declared]\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should be nil,nil: %v %v", cfg, err)
	}
	path := filepath.Join(dir, "actionline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("ws-1")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workspace.ID != "ws-1" {
		t.Fatalf("workspace id = %s", cfg.Workspace.ID)
	}
}
