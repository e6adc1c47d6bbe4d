//go:build ignore

// download_tools.go is a standalone Go script (not part of the module) that
// downloads the Dify plugin packager binary for the current platform into
// tools/. The repack stage shells out to this binary; run the script once
// before starting the server, then either add tools/ to PATH or point
// --packager-path (REPACK_PACKAGER_PATH) at the downloaded file.
//
//	go run ./scripts/download_tools.go
//
// Using a Go script instead of shell commands gives identical behaviour on
// Linux, macOS, and Windows without any external tools beyond the Go
// toolchain itself.
//
// Release format: the dify-plugin-daemon project ships plain per-platform
// binaries named dify-plugin-<os>-<arch>, with an .exe suffix on Windows.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
)

const (
	packagerVersion = "0.2.1"
	toolsDir        = "tools"
)

func main() {
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		fatalf("create tools dir: %v", err)
	}
	if err := downloadPackager(); err != nil {
		fatalf("packager: %v", err)
	}
}

// ─── dify-plugin packager ────────────────────────────────────────────────────

func downloadPackager() error {
	name := fmt.Sprintf("dify-plugin-%s-%s%s", runtime.GOOS, runtime.GOARCH, exeExt())
	out := filepath.Join(toolsDir, name)

	if fileExists(out) {
		fmt.Printf("packager already present: %s\n", out)
		return nil
	}

	url := fmt.Sprintf("https://github.com/langgenius/dify-plugin-daemon/releases/download/%s/%s",
		packagerVersion, name)

	fmt.Printf("Downloading dify-plugin %s for %s/%s...\n", packagerVersion, runtime.GOOS, runtime.GOARCH)

	data, err := fetch(url)
	if err != nil {
		return err
	}
	return writeExecutable(out, data)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// fetch downloads url and returns the raw bytes.
func fetch(url string) ([]byte, error) {
	resp, err := http.Get(url) //nolint:noctx
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// writeExecutable writes data to path and sets the executable bit on Unix.
func writeExecutable(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Written: %s\n", path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exeExt() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
