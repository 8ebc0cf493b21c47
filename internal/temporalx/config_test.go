package temporalx

import "testing"

func TestLoadConfigAppliesDefaultsWhenUnset(t *testing.T) {
	for _, k := range []string{"TEMPORAL_ADDRESS", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig()
	if cfg.Address != "" {
		t.Fatalf("Address = %q, want empty (Temporal disabled)", cfg.Address)
	}
	if cfg.Namespace != "adforge" {
		t.Fatalf("Namespace = %q, want default %q", cfg.Namespace, "adforge")
	}
	if cfg.TaskQueue != "adforge-pipeline" {
		t.Fatalf("TaskQueue = %q, want default %q", cfg.TaskQueue, "adforge-pipeline")
	}
}

func TestLoadConfigHonorsExplicitOverrides(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "temporal.internal:7233")
	t.Setenv("TEMPORAL_NAMESPACE", "adforge-staging")
	t.Setenv("TEMPORAL_TASK_QUEUE", "adforge-staging-pipeline")

	cfg := LoadConfig()
	if cfg.Address != "temporal.internal:7233" {
		t.Fatalf("Address = %q, want override", cfg.Address)
	}
	if cfg.Namespace != "adforge-staging" {
		t.Fatalf("Namespace = %q, want override", cfg.Namespace)
	}
	if cfg.TaskQueue != "adforge-staging-pipeline" {
		t.Fatalf("TaskQueue = %q, want override", cfg.TaskQueue)
	}
}
