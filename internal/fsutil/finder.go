// Package fsutil provides the file system helpers shared by the pipeline tasks.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindEntryFiles returns the files directly under root whose extension is in
// exts and whose name does not start with an underscore. Underscore files are
// partials: they are only ever imported by other files and never compiled on
// their own. The result is sorted for deterministic builds.
func FindEntryFiles(root string, exts ...string) ([]string, error) {
	if len(exts) == 0 {
		panic("at least one extension is required")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "_") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range exts {
			if ext == want {
				files = append(files, filepath.Join(root, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Clean deletes dir entirely, recreates it and copies each keep file from
// srcDir into it. Missing keep files are skipped.
func Clean(dir, srcDir string, keep ...string) ([]string, error) {
	if dir == "" || dir == "/" || dir == "." {
		return nil, fmt.Errorf("refusing to clean %q", dir)
	}
	if filepath.Clean(dir) == filepath.Clean(srcDir) {
		return nil, fmt.Errorf("refusing to clean the project directory %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("removing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	var copied []string
	for _, name := range keep {
		src := filepath.Join(srcDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(name))
		if err := CopyFile(src, dst); err != nil {
			return copied, fmt.Errorf("copying %s: %w", name, err)
		}
		copied = append(copied, dst)
	}
	return copied, nil
}

// CopyFile copies src to dst, preserving the file mode.
func CopyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err = io.Copy(dstFile, srcFile); err != nil {
		return err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, srcInfo.Mode())
}

// WriteFile writes data to path, creating parent directories as needed.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
