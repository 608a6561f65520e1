package policy

import _ "embed"

// SchemaJSON is the published JSON schema for the policy document.
//
//go:embed document.schema.json
var SchemaJSON []byte
