// Package reqschema validates JSON request bodies against embedded schemas.
package reqschema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	Login      = "login"
	TaskCreate = "task_create"
	TaskUpdate = "task_update"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// FieldError is one schema violation, keyed by the offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrMalformedJSON is returned when the body is not a JSON document.
var ErrMalformedJSON = errors.New("request body must be valid JSON")

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	names := []string{Login, TaskCreate, TaskUpdate}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(resourceURL(name), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		schema, err := compiler.Compile(resourceURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

func resourceURL(name string) string {
	return "mem://schemas/" + name + ".json"
}

// Validate checks body against the named schema. A nil slice means the body
// conforms.
func (v *Validator) Validate(name string, body []byte) ([]FieldError, error) {
	schema, ok := v.schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, ErrMalformedJSON
	}

	err := schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}

	fields := make([]FieldError, 0)
	collectCauses(ve, &fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields, nil
}

func collectCauses(err *jsonschema.ValidationError, out *[]FieldError) {
	if len(err.Causes) == 0 {
		*out = append(*out, FieldError{
			Field:   fieldName(err.InstanceLocation),
			Message: err.Message,
		})
		return
	}
	for _, cause := range err.Causes {
		collectCauses(cause, out)
	}
}

func fieldName(pointer string) string {
	field := strings.TrimPrefix(pointer, "/")
	field = strings.ReplaceAll(field, "/", ".")
	field = strings.ReplaceAll(field, "~1", "/")
	field = strings.ReplaceAll(field, "~0", "~")
	if field == "" {
		return "body"
	}
	return field
}

// Details flattens field errors into the map used in error responses.
func Details(fields []FieldError) map[string]string {
	details := make(map[string]string, len(fields))
	for _, f := range fields {
		if _, seen := details[f.Field]; !seen {
			details[f.Field] = f.Message
		}
	}
	return details
}
