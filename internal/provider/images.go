// internal/provider/images.go
package provider

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// imageStore materializes base64 attachments to temp files for CLIs that
// take file-based image input. Files are created owner-only and removed on
// cleanup, even when the turn that used them failed.
type imageStore struct {
	mu    sync.Mutex
	paths []string
}

func newImageStore() *imageStore {
	return &imageStore{}
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// materialize writes each image to a 0600 temp file and returns the paths
func (s *imageStore) materialize(images []Image) ([]string, error) {
	var paths []string
	for i, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return nil, fmt.Errorf("image %d: invalid base64: %w", i, err)
		}

		f, err := os.CreateTemp("", "pagepatch-img-*"+extensionFor(img.MediaType))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}

		if err := f.Chmod(0600); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		f.Close()

		s.mu.Lock()
		s.paths = append(s.paths, f.Name())
		s.mu.Unlock()
		paths = append(paths, f.Name())
	}

	return paths, nil
}

// cleanup removes every materialized file
func (s *imageStore) cleanup() {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("image temp file not removed", "path", p, "error", err)
		}
	}
}
