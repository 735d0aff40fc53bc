package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores artifacts on the filesystem under a root directory. Writes go
// to a temp file in the destination directory and are renamed into place, so
// a crash mid-write never leaves a partial artifact behind a valid name.
type Local struct {
	root string
}

// NewLocal constructs a filesystem-backed store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("artifact root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Local{root: dir}, nil
}

// Root returns the store's root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) EnsureWorkspace(_ context.Context, workspace string) (string, error) {
	dir := filepath.Join(l.root, workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	return dir, nil
}

func (l *Local) Exists(_ context.Context, workspace, name string) (bool, error) {
	info, err := os.Stat(filepath.Join(l.root, workspace, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact %s/%s: %w", workspace, name, err)
	}
	// Zero-byte files are treated as absent: a crash may leave an empty
	// temp-less write from older tooling, and an empty artifact is never valid.
	return info.Size() > 0, nil
}

func (l *Local) Read(_ context.Context, workspace, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.root, workspace, name))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s/%s: %w", workspace, name, err)
	}
	return data, nil
}

func (l *Local) Locator(workspace, name string) string {
	return filepath.Join(l.root, workspace, name)
}

func (l *Local) Write(ctx context.Context, workspace, name string, data []byte) (string, error) {
	dir, err := l.EnsureWorkspace(ctx, workspace)
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize artifact %s/%s: %w", workspace, name, err)
	}
	return final, nil
}
