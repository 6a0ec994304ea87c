package service

import (
	"os"
	"strconv"
	"time"
)

// Config holds the HTTP service configuration, loaded from environment
// variables the way the deployment injects them into the container.
type Config struct {
	// Port the API listens on.
	Port int

	// WorkspaceRoot holds the baked-in workflow documents and mapping
	// specifications.
	WorkspaceRoot string

	// DataDir is the mounted persistent volume for resolved assets.
	DataDir string

	// WorkDir receives the per-request injected graph documents handed to
	// the render engine.
	WorkDir string

	// MaxInputs caps concurrent renders before the platform scales out.
	MaxInputs int

	// RequestTimeout bounds one render request end to end.
	RequestTimeout time.Duration

	// DefaultWorkflow is used when a request names no workflow.
	DefaultWorkflow string

	// ArtifactContentType is the media type returned for render outputs.
	ArtifactContentType string

	// UploadArtifacts mirrors render outputs to blob storage when a blob
	// client is configured.
	UploadArtifacts bool
}

// LoadConfig reads service configuration from the environment with
// deployment defaults.
func LoadConfig() Config {
	return Config{
		Port:                getEnvInt("DAEDALUS_PORT", 8080),
		WorkspaceRoot:       getEnv("DAEDALUS_WORKSPACE", "/root/workspace"),
		DataDir:             getEnv("DAEDALUS_DATA_DIR", "/data"),
		WorkDir:             getEnv("DAEDALUS_WORK_DIR", os.TempDir()),
		MaxInputs:           getEnvInt("DAEDALUS_MAX_INPUTS", 3),
		RequestTimeout:      getEnvDuration("DAEDALUS_REQUEST_TIMEOUT", 5000*time.Second),
		DefaultWorkflow:     getEnv("DAEDALUS_DEFAULT_WORKFLOW", "workflow_api"),
		ArtifactContentType: getEnv("DAEDALUS_ARTIFACT_CONTENT_TYPE", "image/jpeg"),
		UploadArtifacts:     getEnvBool("DAEDALUS_UPLOAD_ARTIFACTS", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
