package manager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// secureJoin resolves rel under root. Absolute paths, volume-qualified
// paths and any traversal that would land outside root are rejected with
// ErrPathEscapes. The check is lexical; root itself must be trusted.
func secureJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", errors.New("empty path")
	}
	native := filepath.FromSlash(rel)
	// Rooted paths are rejected even where they are not IsAbs (Windows
	// treats "/x" as drive-relative).
	rooted := strings.HasPrefix(rel, "/") || strings.HasPrefix(native, string(filepath.Separator))
	if rooted || filepath.IsAbs(rel) || filepath.IsAbs(native) || filepath.VolumeName(native) != "" {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}
	clean := filepath.Clean(native)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}
	return filepath.Join(root, clean), nil
}

// writeFileAtomic streams r into a temp file next to path and renames it
// over the target. At most limit bytes are accepted; one byte over fails
// with ErrTooLarge and leaves the target untouched.
func writeFileAtomic(path string, r io.Reader, limit int64) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
		}
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err != nil {
		return 0, err
	}
	if n > limit {
		return 0, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	}
	if err := tmp.Sync(); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return 0, err
	}
	tmp = nil
	if err := os.Rename(tmpName, path); err != nil {
		return 0, err
	}
	return n, nil
}
