// Package filestore reads and writes YAML configuration documents on the
// local filesystem, with optional change notification via fsnotify.
package filestore

import (
	"fmt"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/akarev/fleetexec/pkg/config/configstore"
)

var _ configstore.Store = (*FileStore)(nil)
var _ configstore.Watcher = (*FileStore)(nil)

type FileStore struct {
	Path string
}

func New(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("filestore: Load target must not be nil")
	}

	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("filestore: read %s: %w", f.Path, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("filestore: %s is empty", f.Path)
	}

	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("filestore: parse %s: %w", f.Path, err)
	}
	return nil
}

func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("filestore: Save input must not be nil")
	}

	raw, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("filestore: marshal: %w", err)
	}

	// Write-then-rename keeps readers from seeing a torn file.
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("filestore: replace %s: %w", f.Path, err)
	}
	return nil
}

// Watch calls onChange whenever the file is written to. The watcher runs
// until the process exits.
func (f *FileStore) Watch(onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("filestore: onChange callback must not be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filestore: create watcher: %w", err)
	}
	if err := watcher.Add(f.Path); err != nil {
		watcher.Close()
		return fmt.Errorf("filestore: watch %s: %w", f.Path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("filestore: watcher error on %s: %v", f.Path, err)
			}
		}
	}()

	return nil
}
