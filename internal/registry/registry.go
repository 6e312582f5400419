// Package registry loads diagnostic model definitions from YAML seed files
// and imports them into the model store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

// SeedFile is the document layout of a models YAML file.
type SeedFile struct {
	Models []domain.DiagnosticModel `yaml:"models"`
}

// ModelWriter persists model definitions.
type ModelWriter interface {
	UpsertModel(ctx context.Context, model domain.DiagnosticModel) error
}

// Decode parses and validates a seed document. Unknown fields and duplicate
// key/version pairs are rejected.
func Decode(r io.Reader) ([]domain.DiagnosticModel, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed SeedFile
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse model seed: %w", err)
	}

	seen := make(map[string]bool, len(seed.Models))
	for i, m := range seed.Models {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("model #%d: %w", i+1, err)
		}
		id := m.Key + "@" + m.Version
		if seen[id] {
			return nil, fmt.Errorf("model #%d: duplicate %s", i+1, id)
		}
		seen[id] = true
	}
	return seed.Models, nil
}

func LoadFile(path string) ([]domain.DiagnosticModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model seed: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Import upserts every model and returns how many were written. It stops at
// the first store error.
func Import(ctx context.Context, w ModelWriter, models []domain.DiagnosticModel) (int, error) {
	for i, m := range models {
		if err := w.UpsertModel(ctx, m); err != nil {
			return i, fmt.Errorf("import %s@%s: %w", m.Key, m.Version, err)
		}
	}
	return len(models), nil
}
