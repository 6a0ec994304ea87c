// Package engine supervises the render engine subprocess: it launches the
// headless server once per container, polls its health endpoint, dispatches
// injected graph documents through the engine CLI, and recovers the produced
// artifact from the output directory.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// SaveNodeClass is the class type of the terminal save node whose
// filename_prefix names the output artifact.
const SaveNodeClass = "SaveImage"

// Config holds render engine settings.
type Config struct {
	// Bin is the engine CLI binary (comfy-cli).
	Bin string

	// Port the headless server listens on.
	Port int

	// OutputDir is where completed workflows write their artifacts.
	OutputDir string

	// RunTimeout bounds a single workflow execution.
	RunTimeout time.Duration

	// HealthTimeout bounds the health probe round trip.
	HealthTimeout time.Duration
}

// DefaultConfig returns engine settings matching the original deployment.
func DefaultConfig(rootDir string) Config {
	return Config{
		Bin:           "comfy",
		Port:          8000,
		OutputDir:     filepath.Join(rootDir, "output"),
		RunTimeout:    5000 * time.Second,
		HealthTimeout: 5 * time.Second,
	}
}

// Engine drives the render engine CLI.
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client
}

// New creates an engine supervisor.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bin == "" {
		cfg.Bin = "comfy"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.HealthTimeout},
	}
}

// Launch starts the headless render engine server in the background. Called
// once per container at startup.
func (e *Engine) Launch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.cfg.Bin, "launch", "--background", "--",
		"--port", strconv.Itoa(e.cfg.Port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	e.logger.Info("Launching render engine",
		zap.String("bin", e.cfg.Bin),
		zap.Int("port", e.cfg.Port))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to launch render engine: %w", err)
	}
	return nil
}

// Health probes the engine's stats endpoint. The server sometimes stops
// responding under memory pressure; callers gate request intake on this.
func (e *Engine) Health(ctx context.Context) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/system_stats", e.cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", daederrors.ErrEngineUnavailable, err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", daederrors.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: stats endpoint returned %d", daederrors.ErrEngineUnavailable, resp.StatusCode)
	}
	return nil
}

// Run executes the graph document stored at workflowPath and returns the
// produced artifact bytes. The artifact is located by the save node's
// filename prefix, falling back to the newest file in the output directory.
func (e *Engine) Run(ctx context.Context, workflowPath string) ([]byte, error) {
	if err := e.Health(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Bin, "run",
		"--workflow", workflowPath,
		"--wait",
		"--timeout", strconv.Itoa(int(e.cfg.RunTimeout.Seconds())),
		"--verbose")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("render engine run failed: %w", err)
	}
	e.logger.Info("Workflow executed",
		zap.String("workflow_path", workflowPath),
		zap.Duration("duration", time.Since(start)))

	prefix, err := savePrefix(workflowPath)
	if err != nil {
		return nil, err
	}

	artifact, err := FindArtifact(e.cfg.OutputDir, prefix)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(artifact)
}

// savePrefix reads the workflow document back and extracts the save node's
// filename prefix.
func savePrefix(workflowPath string) (string, error) {
	data, err := os.ReadFile(workflowPath)
	if err != nil {
		return "", fmt.Errorf("failed to read workflow %s: %w", workflowPath, err)
	}
	doc, err := graph.Parse(data)
	if err != nil {
		return "", err
	}

	_, node, ok := doc.FindByClass(SaveNodeClass)
	if !ok {
		return "", nil
	}
	inputs, ok := node.Group(graph.InputsGroup)
	if !ok {
		return "", nil
	}
	prefix, _ := inputs["filename_prefix"].(string)
	return prefix, nil
}

// FindArtifact locates the output file for a completed run. Files matching
// the prefix win; with no prefix match the most recently modified regular
// file is taken. Returns ErrNoOutput when the directory holds nothing.
func FindArtifact(outputDir, prefix string) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", daederrors.ErrNoOutput, outputDir, err)
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if prefix != "" && len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return filepath.Join(outputDir, name), nil
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = name
			newestMod = info.ModTime()
		}
	}

	if newest == "" {
		return "", fmt.Errorf("%w: no files in %s with prefix %q", daederrors.ErrNoOutput, outputDir, prefix)
	}
	return filepath.Join(outputDir, newest), nil
}
