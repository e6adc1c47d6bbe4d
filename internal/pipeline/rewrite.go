package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// offlineHeader makes pip install exclusively from the bundled wheels.
const offlineHeader = "--no-index --find-links=./wheels/"

var ignoreFiles = []string{".difyignore", ".gitignore"}

// rewrite points the package at its bundled wheels: requirements.txt gains the
// offline header and ignore-lists stop excluding wheels/ from the archive.
// Running it twice leaves the files unchanged.
func (r *run) rewrite(ctx context.Context) error {
	pkgDir := filepath.Join(r.dir, pkgDirName)

	if err := prependOfflineHeader(filepath.Join(pkgDir, requirementsName)); err != nil {
		return err
	}
	r.tick(ctx, 0.5)

	for _, name := range ignoreFiles {
		if err := unignoreWheels(filepath.Join(pkgDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// prependOfflineHeader adds the offline header as the first line of the
// requirements file. A missing file is left missing; the resolve stage
// already decided there is nothing to install.
func prependOfflineHeader(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "read requirements.txt", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == offlineHeader {
			return nil
		}
	}
	out := offlineHeader + "\n" + string(data)
	if err := writeFileAtomic(path, []byte(out)); err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "rewrite requirements.txt", err)
	}
	return nil
}

// unignoreWheels drops lines that would exclude the wheels directory from the
// final archive. Missing ignore files are fine.
func unignoreWheels(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "read ignore file", err)
	}
	lines := strings.Split(string(data), "\n")
	kept := lines[:0]
	changed := false
	for _, line := range lines {
		if ignoresWheels(line) {
			changed = true
			continue
		}
		kept = append(kept, line)
	}
	if !changed {
		return nil
	}
	if err := writeFileAtomic(path, []byte(strings.Join(kept, "\n"))); err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "rewrite ignore file", err)
	}
	return nil
}

// ignoresWheels matches the ignore patterns that would drop the wheels
// directory or its contents.
func ignoresWheels(line string) bool {
	t := strings.TrimSpace(line)
	t = strings.TrimPrefix(t, "/")
	switch t {
	case "wheels", "wheels/", "wheels/*", "wheels/**":
		return true
	}
	return false
}

// writeFileAtomic replaces path via a temp sibling and rename, preserving the
// original on any failure.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
