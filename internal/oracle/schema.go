package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"harvestline/internal/domain"
)

// DefaultMeasurementSchema requires a severity in [0,1] and allows
// oracle-specific readings next to it.
const DefaultMeasurementSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["severity"],
  "properties": {
    "severity": {"type": "number", "minimum": 0, "maximum": 1},
    "rainfall_deficit_mm": {"type": "number", "minimum": 0},
    "wind_speed_kmh": {"type": "number", "minimum": 0},
    "source": {"type": "string"}
  }
}`

const measurementSchemaURL = "harvestline://schemas/measurement.json"

// MeasurementSchema validates attestation measurements.
type MeasurementSchema struct {
	schema *jsonschema.Schema
}

func CompileMeasurementSchema(src string) (*MeasurementSchema, error) {
	if strings.TrimSpace(src) == "" {
		src = DefaultMeasurementSchema
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(measurementSchemaURL, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("load measurement schema: %w", err)
	}
	schema, err := c.Compile(measurementSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile measurement schema: %w", err)
	}
	return &MeasurementSchema{schema: schema}, nil
}

// Severity validates raw and returns its severity.
func (m *MeasurementSchema) Severity(raw json.RawMessage) (float64, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0, domain.NewValidationError("measurement", "is required")
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, domain.NewValidationError("measurement", "is not valid JSON")
	}
	if err := m.schema.Validate(v); err != nil {
		return 0, domain.NewValidationError("measurement", err.Error())
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return 0, domain.NewValidationError("measurement", "must be an object")
	}
	num, ok := obj["severity"].(json.Number)
	if !ok {
		return 0, domain.NewValidationError("measurement.severity", "must be a number")
	}
	sev, err := num.Float64()
	if err != nil || sev < 0 || sev > 1 {
		return 0, domain.NewValidationError("measurement.severity", "must be within [0,1]")
	}
	return sev, nil
}
