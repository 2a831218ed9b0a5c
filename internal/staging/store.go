// Package staging persists intermediate pipeline artifacts to disk. Each run
// gets its own directory tree under the staging root, artifacts are written
// with a JSON sidecar carrying a BLAKE2b-256 checksum that is verified on
// read.
package staging

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Meta is the sidecar metadata stored next to every artifact
type Meta struct {
	Artifact  string         `json:"artifact"`
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage"`
	Checksum  string         `json:"checksum"`
	Size      int64          `json:"size"`
	CreatedAt time.Time      `json:"created_at"`
	Extra     map[string]any `json:"extra,omitempty"`
}

const metaSuffix = ".meta.json"

// Store is the staging repository rooted at a single directory
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a staging store rooted at dir
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("staging: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("staging: failed to create root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   root,
		logger: logger.With(slog.String("component", "staging.store")),
	}, nil
}

// Root returns the staging root directory
func (s *Store) Root() string { return s.root }

// Save writes an artifact and its sidecar, returning the artifact path
func (s *Store) Save(runID, stage, name string, data []byte, extra map[string]any) (string, error) {
	if err := validateKey(runID, stage, name); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, runID, stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("staging: failed to create stage dir: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("staging: failed to write artifact: %w", err)
	}

	meta := Meta{
		Artifact:  name,
		RunID:     runID,
		Stage:     stage,
		Checksum:  checksum(data),
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
		Extra:     extra,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("staging: failed to marshal meta: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("staging: failed to write meta: %w", err)
	}

	s.logger.Debug("artifact_stored",
		slog.String("run_id", runID),
		slog.String("stage", stage),
		slog.String("artifact", name),
		slog.Int64("size", meta.Size))
	return path, nil
}

// SaveJSON marshals v and stores it as an artifact
func (s *Store) SaveJSON(runID, stage, name string, v any, extra map[string]any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("staging: failed to marshal artifact: %w", err)
	}
	return s.Save(runID, stage, name, data, extra)
}

// Load reads an artifact back, verifying its checksum against the sidecar
func (s *Store) Load(runID, stage, name string) ([]byte, *Meta, error) {
	if err := validateKey(runID, stage, name); err != nil {
		return nil, nil, err
	}

	path := filepath.Join(s.root, runID, stage, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("staging: failed to read artifact: %w", err)
	}

	metaBytes, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("staging: failed to read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, fmt.Errorf("staging: failed to parse meta: %w", err)
	}

	if got := checksum(data); got != meta.Checksum {
		return nil, nil, fmt.Errorf("staging: checksum mismatch for %s/%s/%s", runID, stage, name)
	}
	return data, &meta, nil
}

// LoadJSON reads an artifact and unmarshals it into v
func (s *Store) LoadJSON(runID, stage, name string, v any) (*Meta, error) {
	data, meta, err := s.Load(runID, stage, name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("staging: failed to unmarshal artifact: %w", err)
	}
	return meta, nil
}

// List returns the metadata of every artifact stored for a run
func (s *Store) List(runID string) ([]Meta, error) {
	if err := validateKey(runID, "stage", "name"); err != nil {
		return nil, err
	}

	runDir := filepath.Join(s.root, runID)
	var metas []Meta
	err := filepath.WalkDir(runDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		metas = append(metas, meta)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("staging: failed to list artifacts: %w", err)
	}
	return metas, nil
}

// RunDir returns the staging directory of a run
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Delete removes all artifacts of a run
func (s *Store) Delete(runID string) error {
	if err := validateKey(runID, "stage", "name"); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, runID))
}

// Prune deletes run directories whose newest artifact is older than the
// retention window. Returns the IDs of the pruned runs.
func (s *Store) Prune(retention time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("staging: failed to read root: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	var pruned []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		newest, err := newestModTime(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return pruned, err
		}
		if newest.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
				return pruned, fmt.Errorf("staging: failed to prune %s: %w", entry.Name(), err)
			}
			pruned = append(pruned, entry.Name())
			s.logger.Info("run_pruned", slog.String("run_id", entry.Name()))
		}
	}
	return pruned, nil
}

func newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

// validateKey rejects empty or path-escaping components
func validateKey(parts ...string) error {
	for _, p := range parts {
		if p == "" || strings.Contains(p, "..") || strings.ContainsAny(p, `/\`) {
			return fmt.Errorf("staging: invalid path component %q", p)
		}
	}
	return nil
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
