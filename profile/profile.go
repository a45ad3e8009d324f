// Package profile holds the proxy's hot-reloadable injection configuration.
// Readers take an immutable snapshot per head message, so a reload never
// produces partial application mid-message; in-flight relays are unaffected.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/protobuf/encoding/protowire"
	"gopkg.in/yaml.v3"
)

// Kind codes carried in injected entries. The backend distinguishes a system
// prompt from ordinary context blocks by this code.
const (
	KindSystemPrompt int32 = 1
	KindContextBlock int32 = 5
)

// DefaultFieldPath locates the repeated conversation-entry field in observed
// traffic. It is empirical, reverse-engineered knowledge and therefore
// configuration, not a compile-time constant; a profile's field_path
// overrides it.
var DefaultFieldPath = []int32{2, 1}

// ContentBlock is one named unit of context to inject.
type ContentBlock struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
	Kind    int32  `yaml:"kind,omitempty"`
}

// Profile is one immutable configuration snapshot.
type Profile struct {
	Enabled        bool              `yaml:"enabled"`
	SystemPrompt   string            `yaml:"system_prompt,omitempty"`
	ContentBlocks  []ContentBlock    `yaml:"content_blocks,omitempty"`
	ExtraHeaders   map[string]string `yaml:"extra_headers,omitempty"`
	SpoofedVersion string            `yaml:"spoofed_version,omitempty"`
	FieldPath      []int32           `yaml:"field_path,omitempty"`
}

// Path returns the protobuf field path to the target repeated field.
func (p *Profile) Path() []protowire.Number {
	raw := p.FieldPath
	if len(raw) == 0 {
		raw = DefaultFieldPath
	}
	path := make([]protowire.Number, len(raw))
	for i, n := range raw {
		path[i] = protowire.Number(n)
	}
	return path
}

func parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: parse: %w", err)
	}
	for _, n := range p.FieldPath {
		if n < 1 {
			return nil, fmt.Errorf("profile: invalid field number %d in field_path", n)
		}
	}
	return &p, nil
}

// Store owns the current profile and its reload loop.
type Store struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Profile]
}

// Load reads the profile at path and returns a store serving snapshots of
// it. The initial load is strict: a broken profile at startup is a config
// error the operator should see immediately.
func Load(path string, logger *slog.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	p, err := parse(data)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(p)
	return s, nil
}

// Static returns a store that always serves p and never reloads. Useful for
// tests and embedding.
func Static(p *Profile) *Store {
	s := &Store{logger: slog.Default()}
	s.current.Store(p)
	return s
}

// Snapshot returns the current profile. The returned value is shared and
// must not be mutated.
func (s *Store) Snapshot() *Profile {
	return s.current.Load()
}

// Watch reloads the profile whenever the file is rewritten, until ctx is
// canceled. The parent directory is watched rather than the file itself so
// editor rename-and-replace saves keep working. A reload that fails to parse
// keeps the previous profile in effect.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("profile: watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("profile: watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("profile watcher error", "error", err)
		}
	}
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("profile reload failed, keeping previous", "path", s.path, "error", err)
		return
	}
	p, err := parse(data)
	if err != nil {
		s.logger.Warn("profile reload failed, keeping previous", "path", s.path, "error", err)
		return
	}
	s.current.Store(p)
	s.logger.Info("profile reloaded",
		"enabled", p.Enabled,
		"content_blocks", len(p.ContentBlocks),
		"spoofed_version", p.SpoofedVersion != "",
	)
}
