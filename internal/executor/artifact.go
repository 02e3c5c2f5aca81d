package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const artifactPrefix = "script_"

// ArtifactStore materializes script content as one executable file per run.
// Paths are derived from the run id, so distinct runs never collide.
type ArtifactStore struct {
	dir string
	ext string
}

func NewArtifactStore(dir, ext string) (*ArtifactStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir, ext: ext}, nil
}

func (s *ArtifactStore) Dir() string {
	return s.dir
}

// Path returns where the artifact for runID lives.
func (s *ArtifactStore) Path(runID string) string {
	return filepath.Join(s.dir, artifactPrefix+runID+s.ext)
}

// Write creates the artifact for runID with owner-only rwx permissions.
// It fails if the file already exists.
func (s *ArtifactStore) Write(runID, content string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}

	path := s.Path(runID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o700) // #nosec G302 -- the artifact must be executable by its owner
	if err != nil {
		return "", fmt.Errorf("creating artifact: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("closing artifact: %w", err)
	}
	// umask may have cleared bits from the create mode.
	if err := os.Chmod(path, 0o700); err != nil { // #nosec G302
		_ = os.Remove(path)
		return "", fmt.Errorf("chmod artifact: %w", err)
	}
	return path, nil
}

// Remove deletes an artifact. A missing file is not an error.
func (s *ArtifactStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes every artifact left in the directory, returning how many
// were deleted. Only call it while no run is active.
func (s *ArtifactStore) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, artifactPrefix+"*"+s.ext))
	if err != nil {
		return 0, err
	}
	var removed int
	var errs []error
	for _, path := range matches {
		if err := s.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
