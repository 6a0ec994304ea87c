// Package provision prepares the render engine workspace on container start:
// it materializes model weights and auxiliary files into the persistent data
// volume and installs pinned custom node packages into the engine tree.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/assets"
	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

const (
	// DownloadsFilename lists data-volume files keyed by engine-relative path.
	DownloadsFilename = "downloads.json"

	// SnapshotFilename pins the custom node packages to install.
	SnapshotFilename = "snapshot.json"

	gitClonePrefix = "git clone "
)

// Config holds the directory layout the provisioner operates on.
type Config struct {
	// WorkspaceRoot contains downloads.json and snapshot.json.
	WorkspaceRoot string

	// EngineRoot is the directory the engine resolves relative paths
	// against; download entries are symlinked under it.
	EngineRoot string

	// DataDir is the mounted persistent volume downloads land in.
	DataDir string

	// NodesDir receives cloned custom node packages.
	NodesDir string

	// MaxAttempts bounds retries for clones and fetches.
	MaxAttempts uint

	// RetryInterval is the fixed delay between attempts.
	RetryInterval time.Duration
}

// DefaultConfig returns the container layout used by the deployment image.
func DefaultConfig(workspaceRoot, dataDir, comfyDir string) Config {
	return Config{
		WorkspaceRoot: workspaceRoot,
		EngineRoot:    "/root",
		DataDir:       dataDir,
		NodesDir:      filepath.Join(comfyDir, "custom_nodes"),
		MaxAttempts:   3,
		RetryInterval: 2 * time.Second,
	}
}

// nodePin is one entry of the snapshot's git_custom_nodes block.
type nodePin struct {
	Hash     string `json:"hash"`
	Disabled bool   `json:"disabled"`
}

// snapshot mirrors the snapshot.json document.
type snapshot struct {
	GitCustomNodes      map[string]nodePin `json:"git_custom_nodes"`
	PostInstallCommands []string           `json:"post_install_commands"`
}

// Provisioner runs the workspace setup steps.
type Provisioner struct {
	cfg      Config
	resolver *assets.Resolver
	logger   *zap.Logger

	// run executes an external command; overridable in tests.
	run func(ctx context.Context, dir, name string, args ...string) error
}

// NewProvisioner builds a provisioner. resolver handles non-git downloads.
func NewProvisioner(cfg Config, resolver *assets.Resolver, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		run:      runCommand,
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// Downloads materializes every entry of downloads.json into the data volume
// and links the engine-root path to it. Entries already present in the volume
// are not re-fetched; a missing symlink is recreated.
func (p *Provisioner) Downloads(ctx context.Context) error {
	path := filepath.Join(p.cfg.WorkspaceRoot, DownloadsFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("No downloads manifest, skipping", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to read downloads manifest: %w", err)
	}

	var downloads map[string]string
	if err := json.Unmarshal(data, &downloads); err != nil {
		return fmt.Errorf("%w: downloads manifest: %v", daederrors.ErrConfig, err)
	}

	keys := make([]string, 0, len(downloads))
	for k := range downloads {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, pathKey := range keys {
		if err := p.download(ctx, pathKey, downloads[pathKey]); err != nil {
			return fmt.Errorf("failed to provision %s: %w", pathKey, err)
		}
	}
	return nil
}

func (p *Provisioner) download(ctx context.Context, pathKey, sourceRef string) error {
	enginePath := filepath.Join(p.cfg.EngineRoot, pathKey)
	volPath := filepath.Join(p.cfg.DataDir, pathKey)

	volExists := exists(volPath)
	engineExists := exists(enginePath)

	if volExists || engineExists {
		if volExists && !engineExists {
			// fetched on a previous boot, only the link is missing
			p.logger.Info("Relinking existing volume entry",
				zap.String("volume", volPath), zap.String("link", enginePath))
			return p.link(volPath, enginePath)
		}
		p.logger.Info("Skipping existing download", zap.String("path", enginePath))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(volPath), 0o755); err != nil {
		return err
	}

	if strings.HasPrefix(sourceRef, gitClonePrefix) {
		url := strings.TrimSpace(strings.TrimPrefix(sourceRef, gitClonePrefix))
		p.logger.Info("Cloning download", zap.String("url", url), zap.String("dest", volPath))
		if err := p.run(ctx, p.cfg.EngineRoot, "git", "clone", url, volPath); err != nil {
			return err
		}
	} else {
		p.logger.Info("Fetching download", zap.String("source", sourceRef), zap.String("dest", volPath))
		if _, err := p.resolver.Resolve(ctx, sourceRef, volPath, false); err != nil {
			return err
		}
	}

	return p.link(volPath, enginePath)
}

func (p *Provisioner) link(target, linkPath string) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("failed to link %s: %w", linkPath, err)
	}
	return nil
}

// InstallNodes clones every custom node package pinned in snapshot.json at
// its recorded commit, retrying transient git failures, then runs the
// snapshot's post-install commands.
func (p *Provisioner) InstallNodes(ctx context.Context) error {
	path := filepath.Join(p.cfg.WorkspaceRoot, SnapshotFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("No snapshot, skipping custom nodes", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: snapshot: %v", daederrors.ErrConfig, err)
	}

	urls := make([]string, 0, len(snap.GitCustomNodes))
	for url := range snap.GitCustomNodes {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	for _, url := range urls {
		pin := snap.GitCustomNodes[url]
		if pin.Disabled {
			p.logger.Info("Skipping disabled node", zap.String("url", url))
			continue
		}
		if err := p.installNode(ctx, url, pin.Hash); err != nil {
			return err
		}
	}

	for _, cmd := range snap.PostInstallCommands {
		p.logger.Info("Running post-install command", zap.String("command", cmd))
		if err := p.run(ctx, p.cfg.EngineRoot, "sh", "-c", cmd); err != nil {
			return fmt.Errorf("post-install command failed: %w", err)
		}
	}
	return nil
}

func (p *Provisioner) installNode(ctx context.Context, url, commitHash string) error {
	repoName := strings.TrimSuffix(filepath.Base(url), ".git")
	nodePath := filepath.Join(p.cfg.NodesDir, repoName)

	attempt := func() (struct{}, error) {
		if exists(nodePath) {
			if err := os.RemoveAll(nodePath); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		if err := p.run(ctx, p.cfg.EngineRoot, "git", "clone", url, nodePath); err != nil {
			return struct{}{}, err
		}
		if err := p.run(ctx, nodePath, "git", "checkout", commitHash); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	p.logger.Info("Installing custom node",
		zap.String("repo", repoName), zap.String("commit", commitHash))

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.RetryInterval)),
		backoff.WithMaxTries(p.cfg.MaxAttempts))
	if err != nil {
		return fmt.Errorf("failed to install custom node %s: %w", repoName, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
