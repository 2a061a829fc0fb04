// internal/provider/runner_test.go
package provider

import (
	"context"
	"encoding/base64"
	"os"
	"testing"
	"time"
)

// passthrough wraps each stdout line in a delta event
func passthrough(line []byte) []Event {
	return []Event{{Kind: EventDelta, Content: string(line)}}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("Timed out waiting for events")
		}
	}
}

func TestTurnRunner(t *testing.T) {
	t.Run("SuccessEndsWithIdle", func(t *testing.T) {
		r := newTurnRunner("sh", t.TempDir())
		events, err := r.run(context.Background(), []string{"-c", "echo one; echo two"}, nil, passthrough)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		out := collect(t, events)
		if len(out) != 3 {
			t.Fatalf("Expected 2 deltas + idle, got %v", out)
		}
		if out[0].Content != "one" || out[1].Content != "two" {
			t.Errorf("Unexpected deltas: %v", out)
		}
		if out[2].Kind != EventIdle {
			t.Errorf("Expected terminal idle, got %v", out[2])
		}
	})

	t.Run("FailureEndsWithError", func(t *testing.T) {
		r := newTurnRunner("sh", t.TempDir())
		events, err := r.run(context.Background(), []string{"-c", "echo oops >&2; exit 3"}, nil, passthrough)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		out := collect(t, events)
		last := out[len(out)-1]
		if last.Kind != EventError {
			t.Fatalf("Expected terminal error, got %v", last)
		}
		if last.Err != "oops" {
			t.Errorf("Expected stderr in error, got %q", last.Err)
		}
	})

	t.Run("SecondRunWhileBusyRejected", func(t *testing.T) {
		r := newTurnRunner("sh", t.TempDir())
		events, err := r.run(context.Background(), []string{"-c", "sleep 2"}, nil, passthrough)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := r.run(context.Background(), []string{"-c", "true"}, nil, passthrough); err != ErrBusy {
			t.Errorf("Expected ErrBusy, got %v", err)
		}

		r.terminate()
		collect(t, events)
	})

	t.Run("DestroyTerminatesInFlight", func(t *testing.T) {
		r := newTurnRunner("sh", t.TempDir())
		events, err := r.run(context.Background(), []string{"-c", "sleep 30"}, nil, passthrough)
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan struct{})
		go func() {
			collect(t, events)
			close(done)
		}()

		if err := r.destroy(); err != nil {
			t.Fatalf("destroy failed: %v", err)
		}

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("Stream did not terminate after destroy")
		}

		if _, err := r.run(context.Background(), []string{"-c", "true"}, nil, passthrough); err == nil {
			t.Error("Expected run after destroy to fail")
		}
	})

	t.Run("DestroyKillsSpawnedChildren", func(t *testing.T) {
		r := newTurnRunner("sh", t.TempDir())
		// The background child inherits stdout and would hold the pipe
		// open long past the test if only the shell itself were killed.
		events, err := r.run(context.Background(), []string{"-c", "sleep 30 & sleep 30"}, nil, passthrough)
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan struct{})
		go func() {
			collect(t, events)
			close(done)
		}()

		if err := r.destroy(); err != nil {
			t.Fatalf("destroy failed: %v", err)
		}

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("Stream did not terminate; child process survived destroy")
		}
	})
}

func TestRemapTerminal(t *testing.T) {
	in := make(chan Event, 4)
	in <- Event{Kind: EventDelta, Content: "x"}
	in <- Event{Kind: EventIdle}
	close(in)

	out := collect(t, remapTerminal(in, func() string { return "failed mid-stream" }))
	if len(out) != 2 {
		t.Fatalf("Expected 2 events, got %v", out)
	}
	if out[1].Kind != EventError || out[1].Err != "failed mid-stream" {
		t.Errorf("Expected idle remapped to error, got %v", out[1])
	}
}

func TestImageStore(t *testing.T) {
	store := newImageStore()

	payload := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	paths, err := store.materialize([]Image{
		{Base64: payload, MediaType: "image/png", Label: "header"},
	})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("Expected 1 path, got %d", len(paths))
	}

	info, err := os.Stat(paths[0])
	if err != nil {
		t.Fatalf("Temp file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected owner-only permissions, got %v", info.Mode().Perm())
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fake png bytes" {
		t.Errorf("Unexpected file content %q", data)
	}

	store.cleanup()
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Error("Expected temp file removed on cleanup")
	}

	t.Run("InvalidBase64Rejected", func(t *testing.T) {
		if _, err := newImageStore().materialize([]Image{{Base64: "!!!", MediaType: "image/png"}}); err == nil {
			t.Error("Expected error for invalid base64")
		}
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	infos := r.List()
	if len(infos) != 3 {
		t.Fatalf("Expected 3 backends, got %d", len(infos))
	}
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.Agent] = true
	}
	for _, id := range []string{"claude", "codex", "gemini"} {
		if !seen[id] {
			t.Errorf("Expected backend %s in list", id)
		}
	}

	if _, err := r.Get("nope"); err == nil {
		t.Error("Expected error for unknown agent")
	}
}
