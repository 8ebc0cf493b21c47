// Package temporalx wires an optional durable workflow-loop driver for the
// pipeline orchestrator: the same Engine.Tick call the DB-poll worker makes,
// run instead as a Temporal activity inside a long-lived per-job workflow.
// Nothing in internal/stage or internal/orchestrator knows this package
// exists; it is an alternate caller, not a fork, of the orchestration logic.
package temporalx

import (
	"os"
	"strings"
)

// Config mirrors internal/config's Temporal* fields so this package can be
// loaded standalone by cmd/worker without threading the whole app Config
// through it.
type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string
}

func LoadConfig() Config {
	return Config{
		Address:   strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")),
		Namespace: orDefault(os.Getenv("TEMPORAL_NAMESPACE"), "adforge"),
		TaskQueue: orDefault(os.Getenv("TEMPORAL_TASK_QUEUE"), "adforge-pipeline"),

		ClientCertPath: strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CERT_PATH")),
		ClientKeyPath:  strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_KEY_PATH")),
		ClientCAPath:   strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CA_PATH")),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
