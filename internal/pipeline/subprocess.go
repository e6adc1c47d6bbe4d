package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// maxLineBytes caps each captured output line before it is forwarded
	// as a log event.
	maxLineBytes = 512

	// tailBytes bounds the combined-output tail kept for error messages.
	tailBytes = 4 * 1024

	scanBufBytes = 1024 * 1024
)

// Command describes one external tool invocation. Args never pass through a
// shell.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended to the inherited environment
}

// Result holds the outcome of a finished subprocess.
type Result struct {
	ExitCode int
	Duration time.Duration
	// Tail is the last few KB of combined stdout+stderr, used to build
	// the short error text when the tool fails.
	Tail string
}

// Runner executes external tools with their own process group, streaming
// combined output line by line. On context cancellation the whole group gets
// TERM, then KILL after the grace period.
type Runner struct {
	// KillGrace is the TERM-to-KILL delay. Zero means 10 s.
	KillGrace time.Duration
}

func (r *Runner) grace() time.Duration {
	if r.KillGrace > 0 {
		return r.KillGrace
	}
	return 10 * time.Second
}

// Run starts the command and blocks until it exits or ctx is done. onLine is
// invoked once per output line (already truncated), serialized across both
// pipes; it may be nil. A nonzero exit is a normal outcome reported through
// Result; the error covers start failures, cancellation and plumbing.
func (r *Runner) Run(ctx context.Context, cmd Command, onLine func(string)) (*Result, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	setProcessGroup(c)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("subprocess: start %s: %w", filepath.Base(cmd.Path), err)
	}
	start := time.Now()

	var (
		mu   sync.Mutex
		tail tailBuffer
	)
	emit := func(line string) {
		line = truncate(line, maxLineBytes)
		mu.Lock()
		tail.add(line)
		mu.Unlock()
		if onLine != nil {
			onLine(line)
		}
	}

	var scans sync.WaitGroup
	scans.Add(2)
	go func() { defer scans.Done(); scanLines(stdout, emit) }()
	go func() { defer scans.Done(); scanLines(stderr, emit) }()

	// The watcher owns signal delivery: TERM the group when ctx ends, KILL
	// it if the process outlives the grace period.
	exited := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-exited:
		case <-ctx.Done():
			terminateGroup(c.Process)
			select {
			case <-exited:
			case <-time.After(r.grace()):
				killGroup(c.Process)
			}
		}
	}()

	scans.Wait()
	waitErr := c.Wait()
	close(exited)
	<-watchDone

	res := &Result{Duration: time.Since(start), Tail: tail.String()}
	if waitErr != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		isExit := errors.As(waitErr, &exitErr)
		if isExit {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if isExit {
			// A tool that ran and failed is a normal outcome; callers
			// read ExitCode and Tail.
			return res, nil
		}
		return res, fmt.Errorf("subprocess: %s: %w", filepath.Base(cmd.Path), waitErr)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// scanLines forwards each output line to emit. If a line exceeds the scanner
// buffer the rest of the stream is drained without emitting, so the child
// never blocks on a full pipe.
func scanLines(rd io.Reader, emit func(string)) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), scanBufBytes)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			emit(line)
		}
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, rd)
	}
}

// truncate bounds s to max bytes, marking the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// tailBuffer keeps the most recent lines within a byte budget.
type tailBuffer struct {
	lines []string
	size  int
}

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > tailBytes && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string { return strings.Join(t.lines, "\n") }
