// Package policy holds the per-project policy document: defaults,
// normalization, validation, digests, and the in-memory store the
// permission and gate evaluators read from.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	"github.com/nebula-ide/warden/core/fsx"
	wardenjcs "github.com/nebula-ide/warden/core/jcs"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
	"github.com/nebula-ide/warden/core/schema/validate"
)

// ParseDocumentJSON decodes, normalizes, and schema-validates a policy
// document from JSON.
func ParseDocumentJSON(data []byte) (schemapolicy.Document, error) {
	var document schemapolicy.Document
	if err := json.Unmarshal(data, &document); err != nil {
		return schemapolicy.Document{}, coreerrors.Wrap(
			fmt.Errorf("parse policy json: %w", err),
			coreerrors.CategoryInvalidInput,
			"policy_parse_failed",
			"check policy document syntax",
			false,
		)
	}
	return finishParse(document)
}

// ParseDocumentYAML decodes a human-authored YAML policy, then normalizes
// and schema-validates it the same way as JSON input.
func ParseDocumentYAML(data []byte) (schemapolicy.Document, error) {
	var document schemapolicy.Document
	if err := yaml.Unmarshal(data, &document); err != nil {
		return schemapolicy.Document{}, coreerrors.Wrap(
			fmt.Errorf("parse policy yaml: %w", err),
			coreerrors.CategoryInvalidInput,
			"policy_parse_failed",
			"check policy document syntax",
			false,
		)
	}
	return finishParse(document)
}

func finishParse(document schemapolicy.Document) (schemapolicy.Document, error) {
	normalized, err := Normalize(document)
	if err != nil {
		return schemapolicy.Document{}, coreerrors.Wrap(
			err,
			coreerrors.CategoryInvalidInput,
			"policy_invalid",
			"fix the reported policy field",
			false,
		)
	}
	if err := validateAgainstSchema(normalized); err != nil {
		return schemapolicy.Document{}, err
	}
	return normalized, nil
}

// LoadDocumentFile reads a policy document, dispatching on extension:
// .yaml/.yml parse as YAML, anything else as JSON.
func LoadDocumentFile(path string) (schemapolicy.Document, error) {
	// #nosec G304 -- policy path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return schemapolicy.Document{}, fmt.Errorf("read policy: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseDocumentYAML(content)
	default:
		return ParseDocumentJSON(content)
	}
}

// EncodeDocumentJSON renders the persisted form: two-space indented JSON
// with a trailing newline.
func EncodeDocumentJSON(document schemapolicy.Document) ([]byte, error) {
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode policy json: %w", err)
	}
	return append(encoded, '\n'), nil
}

// EncodeDocumentYAML renders the authoring form.
func EncodeDocumentYAML(document schemapolicy.Document) ([]byte, error) {
	encoded, err := yaml.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encode policy yaml: %w", err)
	}
	return encoded, nil
}

// WriteDocumentFile atomically writes the persisted JSON form.
func WriteDocumentFile(path string, document schemapolicy.Document) error {
	encoded, err := EncodeDocumentJSON(document)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(path, encoded, 0o600); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("write policy: %w", err),
			coreerrors.CategoryIOFailure,
			"policy_write_failed",
			"check destination directory permissions",
			true,
		)
	}
	return nil
}

// Digest returns the canonical (RFC 8785) sha256 digest of the normalized
// document. Two documents that normalize identically share a digest.
func Digest(document schemapolicy.Document) (string, error) {
	normalized, err := Normalize(document)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal normalized policy: %w", err)
	}
	digest, err := wardenjcs.DigestJCS(raw)
	if err != nil {
		return "", fmt.Errorf("digest policy: %w", err)
	}
	return digest, nil
}

func validateAgainstSchema(document schemapolicy.Document) error {
	encoded, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal policy for validation: %w", err)
	}
	if err := validate.PolicyDocument(encoded); err != nil {
		return coreerrors.Wrap(
			err,
			coreerrors.CategoryInvalidInput,
			"policy_schema_invalid",
			"compare the document against the published policy schema",
			false,
		)
	}
	return nil
}
