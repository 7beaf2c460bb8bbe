package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/latticehq/lattice/pkg/secrets"
)

// FileSource loads the registry from a YAML file. Intended for local
// development and small single-region deployments; production uses the
// control-plane store.
type FileSource struct {
	path      string
	decrypter secrets.Decrypter
}

// NewFileSource creates a file-backed registry source.
func NewFileSource(path string, decrypter secrets.Decrypter) *FileSource {
	return &FileSource{
		path:      path,
		decrypter: decrypter,
	}
}

type fileDoc struct {
	Connections []ConnectionConfig `yaml:"connections"`
	Tenants     []Tenant           `yaml:"tenants"`
}

// Load parses the registry file.
func (s *FileSource) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	connections := make(map[string]ConnectionConfig, len(doc.Connections))
	for _, c := range doc.Connections {
		if c.Name == "" {
			return nil, fmt.Errorf("registry file contains a connection without a name")
		}
		if c.PasswordRef != "" && s.decrypter != nil {
			password, err := s.decrypter.Decrypt(ctx, c.PasswordRef)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", c.Name, err)
			}
			c.Password = password
		}
		c.Active = true
		connections[c.Name] = c
	}

	tenants := make(map[string]Tenant, len(doc.Tenants))
	for _, t := range doc.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("registry file contains a tenant without an id")
		}
		tenants[t.ID] = t
	}

	return &Snapshot{
		Connections: connections,
		Tenants:     tenants,
	}, nil
}

// Watch triggers onChange whenever the registry file is rewritten. Blocks
// until ctx is cancelled. Editors and config management tools replace files
// rather than writing in place, so create events count as changes too.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: replace-on-write swaps the inode out from under
	// a direct file watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch registry directory: %w", err)
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("registry file watch error: %w", err)
		}
	}
}
