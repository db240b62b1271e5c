// Package identity derives the stable per-device fingerprint behind
// idempotent session joins, and assigns palette colors to participants.
package identity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/danilashk/noter/internal/model"
)

// Provider yields a fingerprint that survives restarts. Two joins with the
// same fingerprint resolve to the same participant row.
type Provider interface {
	Fingerprint() (string, error)
}

// FileProvider persists the fingerprint next to the process so a restarted
// client rejoins as itself.
type FileProvider struct {
	path string

	mu     sync.Mutex
	cached string
}

// NewFileProvider stores the fingerprint at path. An empty path defaults to
// .noter-fingerprint in the working directory.
func NewFileProvider(path string) *FileProvider {
	if path == "" {
		path = ".noter-fingerprint"
	}
	return &FileProvider{path: path}
}

func (p *FileProvider) Fingerprint() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	if data, err := os.ReadFile(p.path); err == nil {
		fp := strings.TrimSpace(string(data))
		if fp != "" {
			p.cached = fp
			return fp, nil
		}
	}

	fp := newFingerprint()
	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create fingerprint dir: %w", err)
		}
	}
	if err := os.WriteFile(p.path, []byte(fp+"\n"), 0o600); err != nil {
		// Losing persistence degrades to a fresh identity per run, which the
		// idempotent join tolerates.
		log.Printf("[Identity] fingerprint not persisted: %v", err)
	}
	p.cached = fp
	return fp, nil
}

// StaticProvider returns a fixed fingerprint. Used by tests and by gateways
// that receive the fingerprint from the client.
type StaticProvider string

func (s StaticProvider) Fingerprint() (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty fingerprint")
	}
	return string(s), nil
}

func newFingerprint() string {
	return "fp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AssignColor picks the first palette color not held by an active
// participant. Returns model.ErrSessionFull when all colors are taken.
func AssignColor(used []string) (string, error) {
	color := model.NextAvailableColor(used)
	if color == "" {
		return "", model.ErrSessionFull
	}
	return color, nil
}
