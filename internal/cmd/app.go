package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/simpleaide/internal/capsule"
	"github.com/Iron-Ham/simpleaide/internal/config"
	"github.com/Iron-Ham/simpleaide/internal/gitexec"
	"github.com/Iron-Ham/simpleaide/internal/gitops"
	"github.com/Iron-Ham/simpleaide/internal/logging"
	"github.com/Iron-Ham/simpleaide/internal/remote"
	"github.com/Iron-Ham/simpleaide/internal/runstore"
	"github.com/Iron-Ham/simpleaide/internal/storage"
	"github.com/Iron-Ham/simpleaide/internal/worktree"
)

// app holds the components a command needs, built from the loaded config.
type app struct {
	cfg    *config.Config
	paths  config.PathsConfig
	logger *logging.Logger
	// credDir holds ephemeral git credential files.
	credDir string

	store     *storage.SQLiteStore
	git       *gitexec.Runner
	pipeline  *gitops.Pipeline
	worktrees *worktree.Manager
	runs      *runstore.Store
	capsules  *capsule.Registry
}

// openApp loads configuration and wires every component. Callers must call
// close when done.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	paths := cfg.Paths.Resolve()

	for _, dir := range []string{paths.DataDir, paths.ProjectsDir, paths.StagingDir, paths.RunsDir, paths.CapsulesDir, paths.OpLogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	// Ephemeral credential files live here, readable by the owner only.
	credDir := filepath.Join(paths.DataDir, "tmp")
	if err := os.MkdirAll(credDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", credDir, err)
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(paths.DataDir, cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open log: %w", err)
		}
	}

	store, err := storage.Open(paths.Database, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	policy, err := capsule.PolicyFromConfig(cfg.Capsule)
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, err
	}

	osFs := afero.NewOsFs()
	runs, err := runstore.New(osFs, paths.RunsDir, logger)
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, err
	}

	git := gitexec.NewRunner(gitexec.Config{
		Binary:         cfg.Git.Binary,
		DefaultTimeout: cfg.Git.DefaultTimeout,
		CloneTimeout:   cfg.Git.CloneTimeout,
		FetchTimeout:   cfg.Git.FetchTimeout,
		MaxOutputBytes: cfg.Git.MaxOutputBytes,
		TempDir:        credDir,
	}, logger)

	return &app{
		cfg:     cfg,
		paths:   paths,
		logger:  logger,
		credDir: credDir,
		store:   store,
		git:     git,
		pipeline: gitops.New(gitops.Config{
			ProjectsDir:       paths.ProjectsDir,
			StagingDir:        paths.StagingDir,
			OpLogsDir:         paths.OpLogsDir,
			DefaultDepth:      cfg.Git.DefaultDepth,
			RecurseSubmodules: cfg.Git.RecurseSubmodules,
		}, git, store, remote.NewValidator(cfg.Remote.ExtraHosts), logger),
		worktrees: worktree.New(paths.ProjectsDir, git, logger),
		runs:      runs,
		capsules:  capsule.NewRegistry(osFs, paths.CapsulesDir, policy, logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
	_ = a.logger.Close()
}

// openCapsule attaches to the capsule of an existing run.
func (a *app) openCapsule(runID string) (*capsule.Capsule, error) {
	meta, err := a.runs.GetMetadata(runID)
	if err != nil {
		return nil, err
	}
	return a.capsules.Open(runID, meta.RepoPath)
}
