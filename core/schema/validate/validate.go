// Package validate checks documents against the embedded published schemas.
package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

var (
	policyOnce   sync.Once
	policySchema *jsonschema.Schema
	policyErr    error

	eventOnce   sync.Once
	eventSchema *jsonschema.Schema
	eventErr    error
)

// PolicyDocument validates an encoded policy document against the policy
// schema.
func PolicyDocument(data []byte) error {
	policyOnce.Do(func() {
		policySchema, policyErr = compileSchema(schemapolicy.SchemaJSON)
	})
	if policyErr != nil {
		return policyErr
	}
	return validateJSON(policySchema, data)
}

// AuditEvent validates one encoded audit event against the event schema.
func AuditEvent(data []byte) error {
	eventOnce.Do(func() {
		eventSchema, eventErr = compileSchema(schemaaudit.EventSchemaJSON)
	})
	if eventErr != nil {
		return eventErr
	}
	return validateJSON(eventSchema, data)
}

// AuditEventLines validates a JSONL stream of audit events, one event per
// non-empty line.
func AuditEventLines(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := AuditEvent(b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}

func compileSchema(data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
