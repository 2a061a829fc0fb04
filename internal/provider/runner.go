// internal/provider/runner.go
package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// parseFunc reduces one native JSONL line to zero or more outward events.
// Terminal events (idle/error) must NOT be produced here; the runner
// synthesizes them from process exit so every turn ends exactly once.
type parseFunc func(line []byte) []Event

// turnRunner executes one CLI subprocess per Send and owns the guarantee
// that each turn emits exactly one terminal event. It is shared by every
// subprocess-backed provider; only argument construction and line parsing
// differ per backend.
type turnRunner struct {
	binary  string
	workDir string

	mu        sync.Mutex
	cmd       *exec.Cmd
	running   bool
	destroyed bool
	images    *imageStore
}

func newTurnRunner(binary, workDir string) *turnRunner {
	return &turnRunner{
		binary:  binary,
		workDir: workDir,
		images:  newImageStore(),
	}
}

// run starts the subprocess and streams reduced events on the returned
// channel. env entries are appended to the inherited environment.
func (r *turnRunner) run(ctx context.Context, args []string, env []string, parse parseFunc) (<-chan Event, error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil, fmt.Errorf("session already destroyed")
	}
	if r.running {
		r.mu.Unlock()
		return nil, ErrBusy
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), env...)

	// Run the CLI in its own process group so interrupts reach helper
	// processes it spawns, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to start %s: %w", r.binary, err)
	}

	r.cmd = cmd
	r.running = true
	r.mu.Unlock()

	slog.Debug("agent turn started", "binary", r.binary, "pid", cmd.Process.Pid)

	events := make(chan Event, 64)

	var stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			for _, ev := range parse(scanner.Bytes()) {
				events <- ev
			}
		}
	}()

	go func() {
		defer wg.Done()
		collectStderr(stderr, &stderrBuf)
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()

		r.mu.Lock()
		r.running = false
		r.cmd = nil
		r.mu.Unlock()

		if err != nil {
			msg := strings.TrimSpace(stderrBuf.String())
			if msg == "" {
				msg = err.Error()
			}
			slog.Warn("agent turn failed", "binary", r.binary, "error", err)
			events <- Event{Kind: EventError, Err: msg}
		} else {
			events <- Event{Kind: EventIdle}
		}
		close(events)
	}()

	return events, nil
}

func collectStderr(reader io.Reader, buf *strings.Builder) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// Keep the tail; CLIs print long preambles before the real error
		if buf.Len() > 8*1024 {
			buf.Reset()
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
}

// terminate stops the in-flight subprocess, SIGINT first and SIGKILL after
// a grace period, matching how the CLIs expect to be interrupted. Signals go
// to the whole process group so a CLI's helper children die with it.
func (r *turnRunner) terminate() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid := cmd.Process.Pid

	if err := syscall.Kill(-pgid, syscall.SIGINT); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			// Group already gone
			return nil
		}
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return syscall.Kill(-pgid, syscall.SIGKILL)
		case <-tick.C:
			r.mu.Lock()
			done := !r.running
			r.mu.Unlock()
			if done {
				return nil
			}
		}
	}
}

// destroy terminates any in-flight turn and removes materialized images
func (r *turnRunner) destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	r.mu.Unlock()

	err := r.terminate()
	r.images.cleanup()
	return err
}

// remapTerminal forwards events unchanged except for a trailing idle that
// must become an error: some CLIs exit zero after reporting a failed turn
// inside the stream, and pendingErr surfaces that message.
func remapTerminal(in <-chan Event, pendingErr func() string) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Kind == EventIdle {
				if msg := pendingErr(); msg != "" {
					out <- Event{Kind: EventError, Err: msg}
					continue
				}
			}
			out <- ev
		}
	}()
	return out
}

// materializeImages writes attachments to owner-only temp files and
// returns their paths. The files live until destroy.
func (r *turnRunner) materializeImages(images []Image) ([]string, error) {
	return r.images.materialize(images)
}
