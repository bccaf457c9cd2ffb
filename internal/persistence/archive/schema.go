package archive

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed metadata.schema.json
var metadataSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func metadataSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("metadata.schema.json", metadataSchemaJSON)
	})
	return schema, schemaErr
}

// ValidateMetadata checks a raw metadata block against the archive schema.
func ValidateMetadata(raw []byte) error {
	s, err := metadataSchema()
	if err != nil {
		return fmt.Errorf("archive: compile metadata schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	return nil
}
