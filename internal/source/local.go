package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfig confines local reads to one directory tree.
type LocalConfig struct {
	Root string `env:"SOURCE_ROOT" yaml:"root"`
}

// Local reads files below Root. Absolute paths must point inside Root,
// relative paths are resolved against it. An empty Root refuses every path.
type Local struct {
	Root string
}

func (l Local) Stat(_ context.Context, path string) (Info, error) {
	root, rel, err := l.resolve(path)
	if err != nil {
		return Info{}, err
	}
	defer root.Close()

	return stat(root, rel, path)
}

func (l Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	root, rel, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	// Files opened through a root stay valid after it is closed.
	defer root.Close()

	if _, err := stat(root, rel, path); err != nil {
		return nil, err
	}
	f, err := root.Open(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return f, nil
}

// resolve opens the root and maps path to a name relative to it. os.Root
// rejects ".." and symlinks that leave the tree.
func (l Local) resolve(path string) (*os.Root, string, error) {
	if path == "" {
		return nil, "", fmt.Errorf("%w: empty path", ErrUnreadable)
	}
	if l.Root == "" {
		return nil, "", fmt.Errorf("%w: local files are disabled, no source root configured", ErrUnreadable)
	}

	base, err := filepath.Abs(l.Root)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	rel := filepath.Clean(path)
	if filepath.IsAbs(rel) {
		rel, err = filepath.Rel(base, rel)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, "", fmt.Errorf("%w: %s is outside the source root", ErrUnreadable, path)
		}
	}

	root, err := os.OpenRoot(base)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return root, rel, nil
}

func stat(root *os.Root, rel, path string) (Info, error) {
	fi, err := root.Stat(rel)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if fi.IsDir() {
		return Info{}, fmt.Errorf("%w: %s is a directory", ErrUnreadable, path)
	}
	return Info{Name: filepath.Base(path), Size: fi.Size()}, nil
}
