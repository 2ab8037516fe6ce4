package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// BackupsDirName is the per-project directory holding finished archives.
// It is never part of any backup scope.
const BackupsDirName = "backups"

// worldEntry matches the world data layout of both families: Java servers
// keep world, world_nether, world_the_end and friends, bedrock keeps a
// single worlds directory.
func worldEntry(name string) bool {
	return name == "worlds" || strings.HasPrefix(name, "world")
}

// archive snapshots the selected scopes of projectDir into a tar.gz at
// dest, written via a temp file and renamed into place so readers never see
// a partial archive. It returns the final archive size.
func archive(projectDir, dest string, world, other bool) (int64, error) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return 0, fmt.Errorf("read project dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
		}
		_ = os.Remove(tmpName)
	}()

	gzw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gzw)

	for _, e := range entries {
		name := e.Name()
		if name == BackupsDirName {
			continue
		}
		isWorld := worldEntry(name)
		if isWorld && !world {
			continue
		}
		if !isWorld && !other {
			continue
		}
		if err := addTree(tw, projectDir, name); err != nil {
			_ = tw.Close()
			_ = gzw.Close()
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("finish tar: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return 0, fmt.Errorf("finish gzip: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return 0, fmt.Errorf("close archive: %w", err)
	}
	tmp = nil
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, fmt.Errorf("publish archive: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// addTree appends root (a top-level entry of projectDir) and everything
// under it to the tar, with paths relative to the project directory.
func addTree(tw *tar.Writer, projectDir, root string) error {
	base := filepath.Join(projectDir, root)
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		return nil
	})
}
