package domain

import (
	"encoding/json"
	"strings"
)

// LOINCSystem is matched by substring against coding systems, so both
// http://loinc.org and https://loinc.org/ are accepted.
const LOINCSystem = "loinc.org"

// Bundle is the subset of a FHIR Bundle the gap analyzer reads.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// Resource is the minimal FHIR resource shape: its kind and an optional code.
type Resource struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Code         *CodeableConcept `json:"code,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

func (c Coding) IsLOINC() bool {
	return strings.Contains(c.System, LOINCSystem)
}
