package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CUESchema validates payloads by unifying them with a CUE value.
//
// Example source:
//
//	close({
//		order_id: string & !=""
//		total:    int & >0
//	})
type CUESchema struct {
	mu     sync.Mutex // cue.Context is not safe for concurrent use
	ctx    *cue.Context
	schema cue.Value
}

// NewCUESchema compiles src into a schema.
func NewCUESchema(src string) (*CUESchema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile CUE schema: %w", err)
	}
	return &CUESchema{ctx: ctx, schema: v}, nil
}

// Validate unifies the payload with the schema and requires a concrete result.
func (s *CUESchema) Validate(payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.CompileBytes(payload)
	if err := data.Err(); err != nil {
		return fmt.Errorf("load payload: %w", err)
	}
	unified := s.schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// JSONSchema validates payloads against a JSON Schema (draft 2020-12).
type JSONSchema struct {
	schema *jsonschema.Schema
}

// NewJSONSchema compiles a JSON Schema document. name identifies the
// schema in error messages.
func NewJSONSchema(name, src string) (*JSONSchema, error) {
	url := "chronicle://schemas/" + name + ".json"

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add JSON schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile JSON schema %s: %w", name, err)
	}
	return &JSONSchema{schema: compiled}, nil
}

// Validate decodes payload (keeping number precision) and validates it.
func (s *JSONSchema) Validate(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return s.schema.Validate(v)
}

// ObjectSchema accepts any JSON object. It is the schema applied when a
// definition does not declare one.
var ObjectSchema Schema = SchemaFunc(func(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("payload must be a JSON object")
	}
	return nil
})
