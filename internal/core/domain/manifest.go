package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Requirement is one observation a model needs, identified by its LOINC code.
type Requirement struct {
	Code      string `json:"code" yaml:"code"`
	Display   string `json:"display" yaml:"display"`
	Mandatory bool   `json:"mandatory" yaml:"mandatory"`
}

// Manifest declares the input requirements of one diagnostic target.
type Manifest struct {
	TargetDiagnosis      string        `json:"target_diagnosis" yaml:"target_diagnosis"`
	MinimumAccuracy      float64       `json:"minimum_accuracy" yaml:"minimum_accuracy"`
	RequiredObservations []Requirement `json:"required_observations" yaml:"required_observations"`
}

func (m Manifest) Validate() error {
	if strings.TrimSpace(m.TargetDiagnosis) == "" {
		return errors.New("manifest: target_diagnosis is required")
	}
	if m.MinimumAccuracy < 0 || m.MinimumAccuracy > 1 {
		return fmt.Errorf("manifest %s: minimum_accuracy %v outside [0,1]", m.TargetDiagnosis, m.MinimumAccuracy)
	}
	for i, req := range m.RequiredObservations {
		if strings.TrimSpace(req.Code) == "" {
			return fmt.Errorf("manifest %s: requirement %d has no code", m.TargetDiagnosis, i)
		}
	}
	return nil
}

// DiagnosticModel is a registered model version and the manifest it serves.
type DiagnosticModel struct {
	Key      string   `json:"key" yaml:"key"`
	Name     string   `json:"name" yaml:"name"`
	Version  string   `json:"version" yaml:"version"`
	Accuracy float64  `json:"accuracy" yaml:"accuracy"`
	Manifest Manifest `json:"manifest" yaml:"manifest"`
}

func (m DiagnosticModel) Validate() error {
	if strings.TrimSpace(m.Key) == "" {
		return errors.New("model: key is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("model %s: invalid version %q: %w", m.Key, m.Version, err)
	}
	if m.Accuracy < 0 || m.Accuracy > 1 {
		return fmt.Errorf("model %s: accuracy %v outside [0,1]", m.Key, m.Accuracy)
	}
	return m.Manifest.Validate()
}

// SelectModel picks the candidate with the highest accuracy. Ties go to the
// highest semantic version; unparsable versions sort lowest.
func SelectModel(candidates []DiagnosticModel) (DiagnosticModel, bool) {
	if len(candidates) == 0 {
		return DiagnosticModel{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Accuracy > best.Accuracy {
			best = c
			continue
		}
		if c.Accuracy == best.Accuracy && versionGreater(c.Version, best.Version) {
			best = c
		}
	}
	return best, true
}

func versionGreater(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	}
	return va.GreaterThan(vb)
}
