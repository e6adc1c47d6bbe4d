// Package artifacts owns the on-disk state of the service: ephemeral per-job
// workspaces under work/, staged upload handoffs under work/uploads/, and
// retained outputs under out/. Nothing outside this package builds paths
// into the data root.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

var (
	// ErrNotFound is returned when no output exists for the job.
	ErrNotFound = errors.New("artifact not found")

	// ErrExpired is returned when the output exists but its retention
	// deadline has passed and the reaper simply has not run yet.
	ErrExpired = errors.New("artifact expired")

	// ErrExhausted rejects workspace allocation when the disk is below
	// the configured free-space threshold.
	ErrExhausted = errors.New("insufficient disk space")

	// ErrUnsafePath rejects filenames or paths that would escape the
	// data root.
	ErrUnsafePath = errors.New("unsafe path")
)

const (
	workDirName    = "work"
	outDirName     = "out"
	uploadsDirName = "uploads"

	// orphanAge is how long a workspace or staged upload may sit before
	// the reaper treats it as leaked.
	orphanAge = time.Hour

	maxFilenameLen = 255
)

// OutputClearer is notified when the reaper deletes a job's output, so the
// stored descriptor disappears together with the file. The job store
// implements it.
type OutputClearer interface {
	ClearOutput(ctx context.Context, jobID string) error
}

// Store manages the work/ and out/ trees under a single data root.
type Store struct {
	root    string // absolute data root
	workDir string
	outDir  string

	retention    time.Duration
	minFreeBytes int64
	log          *zap.Logger
}

// New creates the directory layout under dataRoot and returns the store.
func New(dataRoot string, retention time.Duration, minFreeBytes int64, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve data root: %w", err)
	}
	s := &Store{
		root:         abs,
		workDir:      filepath.Join(abs, workDirName),
		outDir:       filepath.Join(abs, outDirName),
		retention:    retention,
		minFreeBytes: minFreeBytes,
		log:          logger,
	}
	for _, dir := range []string{s.workDir, filepath.Join(s.workDir, uploadsDirName), s.outDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("artifacts: create %s: %w", dir, err)
		}
	}
	return s, nil
}

// WorkRoot returns the absolute workspace root.
func (s *Store) WorkRoot() string { return s.workDir }

// OutRoot returns the absolute output root.
func (s *Store) OutRoot() string { return s.outDir }

// --- workspaces ---

// AllocateWorkspace creates (or re-opens, for a resumed attempt) the job's
// private scratch directory and returns its absolute path.
func (s *Store) AllocateWorkspace(jobID string) (string, error) {
	if err := checkName(jobID); err != nil {
		return "", err
	}
	if s.minFreeBytes > 0 {
		free, err := diskFree(s.workDir)
		if err == nil && free < s.minFreeBytes {
			return "", fmt.Errorf("%w: %d bytes free, %d required", ErrExhausted, free, s.minFreeBytes)
		}
	}
	dir := filepath.Join(s.workDir, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("artifacts: allocate workspace %s: %w", jobID, err)
	}
	if err := s.confine(s.workDir, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// WorkspacePath returns where the job's workspace lives (or would live),
// without creating it.
func (s *Store) WorkspacePath(jobID string) (string, error) {
	if err := checkName(jobID); err != nil {
		return "", err
	}
	return filepath.Join(s.workDir, jobID), nil
}

// ReleaseWorkspace removes the workspace recursively. Idempotent and safe
// to call after partial failures.
func (s *Store) ReleaseWorkspace(jobID string) error {
	if err := checkName(jobID); err != nil {
		return err
	}
	dir := filepath.Join(s.workDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("artifacts: release workspace %s: %w", jobID, err)
	}
	return nil
}

// --- upload handoff ---

// StageUpload copies an uploaded package to the handoff path the pipeline's
// fetch stage picks up. The reader is expected to be size-capped by the
// caller; maxBytes is enforced again here.
func (s *Store) StageUpload(jobID string, src io.Reader, maxBytes int64) (string, error) {
	if err := checkName(jobID); err != nil {
		return "", err
	}
	dst := filepath.Join(s.workDir, uploadsDirName, jobID)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("artifacts: stage upload %s: %w", jobID, err)
	}
	n, err := io.Copy(f, io.LimitReader(src, maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("artifacts: stage upload %s: %w", jobID, err)
	}
	if n > maxBytes {
		os.Remove(dst)
		return "", jobs.Ef(jobs.CodeInvalidArgument, "upload exceeds %d bytes", maxBytes)
	}
	return dst, nil
}

// UploadHandoffPath returns where a staged upload for the job lives.
func (s *Store) UploadHandoffPath(jobID string) (string, error) {
	if err := checkName(jobID); err != nil {
		return "", err
	}
	return filepath.Join(s.workDir, uploadsDirName, jobID), nil
}

// ClaimUpload moves the staged upload into dst inside the job's workspace.
// Returns ErrNotFound when no handoff exists, which means either the job was
// never an upload or a previous attempt already claimed it.
func (s *Store) ClaimUpload(jobID, dst string) error {
	src, err := s.UploadHandoffPath(jobID)
	if err != nil {
		return err
	}
	if err := s.confine(s.workDir, dst); err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("artifacts: stat upload %s: %w", jobID, err)
	}
	if err := moveFile(src, dst); err != nil {
		return fmt.Errorf("artifacts: claim upload %s: %w", jobID, err)
	}
	return nil
}

// DiscardUpload removes a staged upload that will never be claimed.
// Idempotent.
func (s *Store) DiscardUpload(jobID string) error {
	path, err := s.UploadHandoffPath(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: discard upload %s: %w", jobID, err)
	}
	return nil
}

// --- outputs ---

// PublishOutput moves sourcePath into out/<job_id>/<filename>, hashes it and
// stamps the retention deadline. Re-publishing identical content returns an
// equivalent descriptor instead of failing, so a crashed finalize stage can
// run again.
func (s *Store) PublishOutput(jobID, sourcePath, filename string) (*jobs.OutputDescriptor, error) {
	if err := checkName(jobID); err != nil {
		return nil, err
	}
	if err := checkName(filename); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.outDir, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("artifacts: output dir %s: %w", jobID, err)
	}
	target := filepath.Join(dir, filename)
	if err := s.confine(s.outDir, target); err != nil {
		return nil, err
	}

	srcHash, err := hashFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("artifacts: hash output: %w", err)
	}

	if info, err := os.Stat(target); err == nil {
		// Already published. Identical content keeps the original
		// descriptor; different content replaces the file.
		prevHash, herr := hashFile(target)
		if herr == nil && prevHash == srcHash {
			os.Remove(sourcePath)
			return s.descriptor(filename, info, srcHash), nil
		}
	}

	if err := moveFile(sourcePath, target); err != nil {
		return nil, fmt.Errorf("artifacts: publish output %s: %w", jobID, err)
	}
	now := time.Now()
	if err := os.Chtimes(target, now, now); err != nil {
		s.log.Warn("stamp output mtime", zap.String("job_id", jobID), zap.Error(err))
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("artifacts: stat output %s: %w", jobID, err)
	}
	return s.descriptor(filename, info, srcHash), nil
}

func (s *Store) descriptor(filename string, info os.FileInfo, hash string) *jobs.OutputDescriptor {
	created := info.ModTime().UTC()
	return &jobs.OutputDescriptor{
		Filename:          filename,
		SizeBytes:         info.Size(),
		ContentHash:       hash,
		CreatedAt:         created,
		RetentionDeadline: created.Add(s.retention),
	}
}

// Describe rebuilds the descriptor for an already-published output. Used when
// a resumed job finds its repack stage finished before the crash.
func (s *Store) Describe(jobID, filename string) (*jobs.OutputDescriptor, error) {
	if err := checkName(jobID); err != nil {
		return nil, err
	}
	if err := checkName(filename); err != nil {
		return nil, err
	}
	target := filepath.Join(s.outDir, jobID, filename)
	if err := s.confine(s.outDir, target); err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: stat output %s: %w", jobID, err)
	}
	hash, err := hashFile(target)
	if err != nil {
		return nil, fmt.Errorf("artifacts: hash output %s: %w", jobID, err)
	}
	return s.descriptor(filename, info, hash), nil
}

// OpenOutput opens the retained output for streaming. The retention check
// runs on every open: a file past its deadline is refused even before the
// reaper collects it.
func (s *Store) OpenOutput(jobID, filename string) (*os.File, error) {
	if err := checkName(jobID); err != nil {
		return nil, err
	}
	if err := checkName(filename); err != nil {
		return nil, err
	}
	target := filepath.Join(s.outDir, jobID, filename)
	if err := s.confine(s.outDir, target); err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: stat %s: %w", target, err)
	}
	if time.Now().After(info.ModTime().Add(s.retention)) {
		return nil, ErrExpired
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", target, err)
	}
	return f, nil
}

// --- reaping ---

// Reap removes outputs past their retention deadline and workspaces or
// staged uploads that have been idle longer than an hour. Deadlines derive
// from file mtimes, so they survive a process restart. Returns the number
// of removed outputs and workspaces.
func (s *Store) Reap(ctx context.Context, now time.Time, clearer OutputClearer) (outputs, workspaces int, err error) {
	entries, err := os.ReadDir(s.outDir)
	if err != nil {
		return 0, 0, fmt.Errorf("artifacts: read out dir: %w", err)
	}
	for _, jobDir := range entries {
		if !jobDir.IsDir() {
			continue
		}
		jobID := jobDir.Name()
		dir := filepath.Join(s.outDir, jobID)
		files, rerr := os.ReadDir(dir)
		if rerr != nil {
			continue
		}
		removedAll := true
		for _, f := range files {
			info, ierr := f.Info()
			if ierr != nil {
				removedAll = false
				continue
			}
			if now.Before(info.ModTime().Add(s.retention)) {
				removedAll = false
				continue
			}
			if rmErr := os.Remove(filepath.Join(dir, f.Name())); rmErr != nil {
				s.log.Warn("reap output", zap.String("job_id", jobID), zap.Error(rmErr))
				removedAll = false
				continue
			}
			outputs++
			if clearer != nil {
				if cerr := clearer.ClearOutput(ctx, jobID); cerr != nil {
					s.log.Warn("clear output descriptor",
						zap.String("job_id", jobID), zap.Error(cerr))
				}
			}
		}
		if removedAll && len(files) > 0 {
			os.Remove(dir)
		}
	}

	workEntries, err := os.ReadDir(s.workDir)
	if err != nil {
		return outputs, workspaces, fmt.Errorf("artifacts: read work dir: %w", err)
	}
	for _, e := range workEntries {
		path := filepath.Join(s.workDir, e.Name())
		if e.Name() == uploadsDirName {
			workspaces += s.reapUploads(now, path)
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		if now.Before(info.ModTime().Add(orphanAge)) {
			continue
		}
		if rmErr := os.RemoveAll(path); rmErr != nil {
			s.log.Warn("reap workspace", zap.String("path", path), zap.Error(rmErr))
			continue
		}
		workspaces++
	}
	return outputs, workspaces, nil
}

func (s *Store) reapUploads(now time.Time, dir string) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			continue
		}
		if now.Before(info.ModTime().Add(orphanAge)) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.Name())); err == nil {
			removed++
		}
	}
	return removed
}

// --- path safety ---

// checkName rejects names that could traverse outside their directory.
func checkName(name string) error {
	if name == "" || len(name) > maxFilenameLen {
		return fmt.Errorf("%w: bad name length", ErrUnsafePath)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: name contains path separators or NUL", ErrUnsafePath)
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("%w: name contains traversal", ErrUnsafePath)
	}
	return nil
}

// confine verifies that path stays under root after resolving the symlinks
// of its deepest existing ancestor.
func (s *Store) confine(root, path string) error {
	resolved, err := resolveExisting(path)
	if err != nil {
		return fmt.Errorf("artifacts: resolve %s: %w", path, err)
	}
	rootResolved, err := resolveExisting(root)
	if err != nil {
		return fmt.Errorf("artifacts: resolve root: %w", err)
	}
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s escapes %s", ErrUnsafePath, path, root)
	}
	return nil
}

// resolveExisting walks up from path to the deepest component that exists,
// resolves its symlinks, and re-joins the missing tail.
func resolveExisting(path string) (string, error) {
	suffix := ""
	cur := filepath.Clean(path)
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// hashFile returns the hex SHA-256 of the file contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveFile renames src onto dst, falling back to copy+rename when the two
// sit on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
