package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths contains all the application paths.
// This is the single source of truth for file locations: inbox for incoming
// sources, staging for intermediate run artifacts, exports for final reports.
type Paths struct {
	DataDir    string
	InboxDir   string
	StagingDir string
	ExportsDir string
	LogsDir    string
}

// resolvePaths fills derived paths from DataDir when they were left at their
// defaults and makes everything absolute.
func (c *Config) resolvePaths() error {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "data"
	}

	abs, err := filepath.Abs(c.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data dir: %w", err)
	}
	c.Paths.DataDir = abs

	if c.Paths.InboxDir == "" || c.Paths.InboxDir == "data/inbox" {
		c.Paths.InboxDir = filepath.Join(abs, "inbox")
	}
	if c.Paths.StagingDir == "" || c.Paths.StagingDir == "data/staging" {
		c.Paths.StagingDir = filepath.Join(abs, "staging")
	}
	if c.Paths.ExportsDir == "" || c.Paths.ExportsDir == "data/exports" {
		c.Paths.ExportsDir = filepath.Join(abs, "exports")
	}
	if c.Paths.LogsDir == "" || c.Paths.LogsDir == "logs" {
		logs, err := filepath.Abs("logs")
		if err != nil {
			return fmt.Errorf("failed to resolve logs dir: %w", err)
		}
		c.Paths.LogsDir = logs
	}

	return nil
}

// GetPaths returns the resolved path set for the configuration
func (c *Config) GetPaths() Paths {
	return Paths{
		DataDir:    c.Paths.DataDir,
		InboxDir:   c.Paths.InboxDir,
		StagingDir: c.Paths.StagingDir,
		ExportsDir: c.Paths.ExportsDir,
		LogsDir:    c.Paths.LogsDir,
	}
}

// EnsureDirectories creates all required directories if they do not exist
func (p Paths) EnsureDirectories() error {
	dirs := []string{p.DataDir, p.InboxDir, p.StagingDir, p.ExportsDir, p.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
