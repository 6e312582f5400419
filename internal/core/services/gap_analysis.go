package services

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

//go:embed bundle_schema.json
var bundleSchemaJSON []byte

const bundleSchemaURL = "https://clinisandbox.local/schemas/bundle.schema.json"

var bundleSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(bundleSchemaURL, bytes.NewReader(bundleSchemaJSON)); err != nil {
		return nil, fmt.Errorf("bundle schema load failed: %w", err)
	}
	return c.Compile(bundleSchemaURL)
})

// GapResult is the verdict of a gap analysis. Missing follows manifest
// declaration order.
type GapResult struct {
	Ready   bool
	Missing []domain.Requirement
}

// ParseBundle checks raw against the bundle schema and decodes it. Any
// shape violation is a *domain.StructuralError.
func ParseBundle(raw json.RawMessage) (domain.Bundle, error) {
	schema, err := bundleSchema()
	if err != nil {
		return domain.Bundle{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return domain.Bundle{}, &domain.StructuralError{Reason: "bundle is not valid JSON", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return domain.Bundle{}, &domain.StructuralError{Reason: "bundle failed structural validation", Err: err}
	}

	var bundle domain.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return domain.Bundle{}, &domain.StructuralError{Reason: "bundle could not be decoded", Err: err}
	}
	return bundle, nil
}

// ExtractLOINCCodes maps every LOINC code found on an Observation to the
// resource carrying it. A code seen twice keeps the later entry.
func ExtractLOINCCodes(bundle domain.Bundle) (map[string]json.RawMessage, error) {
	found := make(map[string]json.RawMessage)
	for i, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var res domain.Resource
		if err := json.Unmarshal(entry.Resource, &res); err != nil {
			return nil, &domain.StructuralError{Reason: fmt.Sprintf("entry %d resource", i), Err: err}
		}
		if res.ResourceType != "Observation" || res.Code == nil {
			continue
		}
		for _, coding := range res.Code.Coding {
			if coding.IsLOINC() && strings.TrimSpace(coding.Code) != "" {
				found[coding.Code] = entry.Resource
			}
		}
	}
	return found, nil
}

// AnalyzeGap compares a raw clinical bundle against manifest. A requirement is
// missing iff it is mandatory and its code was not extracted.
func AnalyzeGap(raw json.RawMessage, manifest domain.Manifest) (GapResult, error) {
	bundle, err := ParseBundle(raw)
	if err != nil {
		return GapResult{}, err
	}
	present, err := ExtractLOINCCodes(bundle)
	if err != nil {
		return GapResult{}, err
	}

	missing := []domain.Requirement{}
	for _, req := range manifest.RequiredObservations {
		if !req.Mandatory {
			continue
		}
		if _, ok := present[req.Code]; !ok {
			missing = append(missing, req)
		}
	}
	return GapResult{Ready: len(missing) == 0, Missing: missing}, nil
}
