// Package templatedoc reads and writes workflow template documents in JSON or YAML.
package templatedoc

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var (
	ErrUnknownFormat   = errors.New("unknown template document format")
	ErrSchemaViolation = errors.New("template document does not match schema")
)

//go:embed template.schema.json
var schemaDocument []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaDocument)

// SchemaError lists every schema violation of a document.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%v: %s", ErrSchemaViolation, strings.Join(e.Problems, "; "))
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Schema returns the JSON Schema documents are validated against.
func Schema() []byte {
	return schemaDocument
}

// DetectFormat picks the format from a file name, defaulting to JSON.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ParseFormat maps a user supplied name or content type to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json", "application/json":
		return FormatJSON, nil
	case "yaml", "yml", "application/yaml", "application/x-yaml", "text/yaml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// Parse decodes a document, validates it against the template schema and
// returns the typed template. Graph validation is left to the registry.
func Parse(document []byte, format Format) (*models.WorkflowTemplate, error) {
	generic, err := decode(document, format)
	if err != nil {
		return nil, err
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, fmt.Errorf("failed to validate template document: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, &SchemaError{Problems: problems}
	}

	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize template document: %w", err)
	}

	var template models.WorkflowTemplate

	err = json.Unmarshal(raw, &template)
	if err != nil {
		return nil, fmt.Errorf("failed to decode template document: %w", err)
	}

	return &template, nil
}

// Validate runs the schema and graph checks without returning the template.
func Validate(document []byte, format Format) error {
	template, err := Parse(document, format)
	if err != nil {
		return err
	}

	return template.Validate()
}

// Marshal encodes a template in the requested format.
func Marshal(template *models.WorkflowTemplate, format Format) ([]byte, error) {
	raw, err := json.MarshalIndent(template, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode template: %w", err)
	}

	switch format {
	case FormatJSON:
		return raw, nil
	case FormatYAML:
		var generic any

		err = json.Unmarshal(raw, &generic)
		if err != nil {
			return nil, fmt.Errorf("failed to encode template: %w", err)
		}

		return yaml.Marshal(generic)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func decode(document []byte, format Format) (any, error) {
	var generic any

	switch format {
	case FormatJSON:
		err := json.Unmarshal(document, &generic)
		if err != nil {
			return nil, fmt.Errorf("invalid JSON template document: %w", err)
		}
	case FormatYAML:
		err := yaml.Unmarshal(document, &generic)
		if err != nil {
			return nil, fmt.Errorf("invalid YAML template document: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if _, ok := generic.(map[string]any); !ok {
		return nil, &SchemaError{Problems: []string{"document must be an object"}}
	}

	return generic, nil
}
