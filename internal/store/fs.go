package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// SchemeFile is the scheme of local filesystem locators.
const SchemeFile = "file"

// FS is a Store over the local filesystem. Locators are absolute
// "file://" URLs; Put writes below Root.
type FS struct {
	Root string
}

// NewFS creates a filesystem store publishing under root.
func NewFS(root string) *FS {
	return &FS{Root: root}
}

// FileLocator returns the locator of an absolute path.
func FileLocator(p string) string {
	return SchemeFile + "://" + filepath.ToSlash(p)
}

func filePath(locator string) (string, error) {
	rest, ok := strings.CutPrefix(locator, SchemeFile+"://")
	if !ok {
		return "", bferrors.Wrapf(bferrors.ErrUnsupportedLocator, "%q is not a file locator", locator)
	}
	p := filepath.FromSlash(rest)
	if !filepath.IsAbs(p) {
		return "", bferrors.Wrapf(bferrors.ErrUnsupportedLocator, "%q is not absolute", locator)
	}
	return p, nil
}

// List implements Store. A missing directory lists as empty.
func (s *FS) List(ctx context.Context, prefix string) ([]string, error) {
	dir, err := filePath(prefix)
	if err != nil {
		return nil, err
	}

	var out []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() {
			out = append(out, FileLocator(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// Open implements Store.
func (s *FS) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	p, err := filePath(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //#nosec G304 -- locator reported by the backend
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, bferrors.Wrapf(bferrors.ErrArtifactNotFound, "%s", locator)
		}
		return nil, err
	}
	return f, nil
}

// Put implements Store.
func (s *FS) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(root, filepath.FromSlash(cleaned))
	if err := WriteFileAtomic(dst, r); err != nil {
		return "", err
	}
	return FileLocator(dst), nil
}

// WriteFileAtomic writes r to dst through a temporary file in the same
// directory followed by a rename.
func WriteFileAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", dst, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

var _ Store = (*FS)(nil)
