// Package persistence writes completed run artifacts (summary plus merged
// output) to disk, with serialization and writing split behind small
// interfaces.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/akarev/fleetexec/internal/collate"
	"github.com/akarev/fleetexec/internal/stream"
)

// RunArtifact is the on-disk record of one fleet run.
type RunArtifact struct {
	RunID    uuid.UUID       `json:"run_id"`
	Command  string          `json:"command,omitempty"`
	Action   string          `json:"action,omitempty"`
	Finished time.Time       `json:"finished"`
	Summary  collate.Summary `json:"summary"`
	Lines    []stream.Line   `json:"lines"`
}

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

// JSONSerializer produces indented JSON.
type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// FileWriter writes to the filesystem, creating parent directories.
type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); err == nil && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// WriteArtifact persists the artifact through the given serializer and
// writer.
func WriteArtifact(artifact RunArtifact, filename string, serializer Serializer, writer Writer) error {
	if serializer == nil {
		serializer = JSONSerializer{Indent: "    "}
	}
	if writer == nil {
		writer = FileWriter{Overwrite: true}
	}

	data, err := serializer.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("persistence: marshal run %s: %w", artifact.RunID, err)
	}
	if err := writer.Write(filename, data); err != nil {
		return fmt.Errorf("persistence: write %s: %w", filename, err)
	}
	return nil
}
