package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"actiongate/internal/domain"
)

// Schemas holds compiled payload schemas keyed by action type. Action types
// without a schema accept any JSON payload.
type Schemas struct {
	schemas map[domain.ActionType]*jsonschema.Schema
}

type PayloadError struct {
	ActionType domain.ActionType
	Err        error
}

func (e PayloadError) Error() string {
	return fmt.Sprintf("payload invalid for %s: %v", e.ActionType, e.Err)
}

func (e PayloadError) Unwrap() error { return e.Err }

// CompileSchemas compiles Draft 2020-12 schemas given as JSON text.
func CompileSchemas(raw map[string]string) (*Schemas, error) {
	s := &Schemas{schemas: map[domain.ActionType]*jsonschema.Schema{}}
	for name, text := range raw {
		if strings.TrimSpace(text) == "" {
			continue
		}
		action, err := domain.ParseActionType(name)
		if err != nil {
			return nil, err
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "mem://actions/" + string(action) + ".json"
		if err := c.AddResource(url, strings.NewReader(text)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", action, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", action, err)
		}
		s.schemas[action] = compiled
	}
	return s, nil
}

// Validate checks payload against the action's schema. An empty payload is
// treated as an empty object.
func (s *Schemas) Validate(action domain.ActionType, payload json.RawMessage) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return PayloadError{ActionType: action, Err: err}
	}
	if s == nil {
		return nil
	}
	schema, ok := s.schemas[action]
	if !ok {
		return nil
	}
	if err := schema.Validate(v); err != nil {
		return PayloadError{ActionType: action, Err: err}
	}
	return nil
}
