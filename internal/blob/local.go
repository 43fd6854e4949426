package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// LocalStore keeps blobs as files under a root directory shared by the API
// and worker processes.
type LocalStore struct {
	root string
}

// NewLocalStore returns a store rooted at root. The directory is created on
// first write.
func NewLocalStore(root string) (*LocalStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("blob root directory required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) ensureRoot() error {
	if err := os.MkdirAll(s.root, dirMode); err != nil {
		return fmt.Errorf("create blob root: %w", err)
	}
	return nil
}

// contained rejects paths that resolve outside the root directory.
func (s *LocalStore) contained(path string) (string, bool) {
	cleaned := filepath.Clean(path)
	rel, err := filepath.Rel(s.root, cleaned)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return cleaned, true
}

func (s *LocalStore) Write(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ensureRoot(); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, uuid.NewString())
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (s *LocalStore) Overwrite(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, ok := s.contained(path)
	if !ok {
		return fmt.Errorf("blob path %q outside root", path)
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	return writeAtomic(target, data)
}

// writeAtomic writes to a temporary sibling and renames it over path, so
// readers observe either the old or the new content.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

func (s *LocalStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, ok := s.contained(path)
	if !ok {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, ok := s.contained(path)
	if !ok {
		return nil
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Ping verifies the root directory exists or can be created.
func (s *LocalStore) Ping(context.Context) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("stat blob root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob root %s is not a directory", s.root)
	}
	return nil
}
